package backbone

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/domain"
)

// Handler executes one invocation on the executor side.
type Handler interface {
	Invoke(ctx context.Context, inv Invocation) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) Result

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, inv Invocation) Result { return f(ctx, inv) }

// Server is the executor side of the backbone: it authenticates and rate
// limits inbound invocations and answers each with a Result.
type Server struct {
	name        string
	auth        *Authenticator
	limiter     *Limiter
	handler     Handler
	concurrency int
	maxPayload  int
	logger      *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLimiter rate limits inbound messages per sender.
func WithServerLimiter(l *Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithConcurrency bounds invocations handled at once on one connection.
func WithConcurrency(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithServerMaxPayload overrides DefaultMaxPayload.
func WithServerMaxPayload(n int) ServerOption {
	return func(s *Server) { s.maxPayload = n }
}

// WithServerLogger configures a logger for the Server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server answering as endpoint name. auth must hold the
// token for name; it is used both to verify requests and to sign replies.
func NewServer(name string, auth *Authenticator, handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		name:        name,
		auth:        auth,
		handler:     handler,
		concurrency: 4,
		maxPayload:  DefaultMaxPayload,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve handles one connection until the peer closes it or ctx ends.
// A clean close by the peer returns nil.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriteCloser) error {
	conn := NewConn(rw, WithConnName(s.name), WithConnLogger(s.logger), WithMaxPayload(s.maxPayload))
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var recvErr error
	for {
		msg, err := conn.Receive(gctx)
		if err != nil {
			recvErr = err
			break
		}
		if msg.Kind != KindInvoke {
			s.logger.Debug("Ignoring message", "kind", msg.Kind, "from", msg.From)
			continue
		}

		if refusal := s.admit(msg); refusal != nil {
			if err := s.reply(gctx, conn, msg, *refusal); err != nil {
				recvErr = err
				break
			}
			continue
		}

		g.Go(func() error {
			res := s.handler.Invoke(gctx, *msg.Invocation)
			if err := s.reply(gctx, conn, msg, res); err != nil {
				s.logger.Warn("Failed to send result", "id", msg.ID, "err", err)
			}
			return nil
		})
	}

	_ = g.Wait()

	var te *domain.TransportError
	if errors.As(recvErr, &te) && te.Kind == domain.TransportConnectionClosed {
		return nil
	}
	if errors.Is(recvErr, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return recvErr
}

// admit runs the per-message checks and returns a refusal, or nil to proceed.
func (s *Server) admit(msg Message) *Result {
	if err := s.auth.Verify(s.name, msg.Token); err != nil {
		s.logger.Warn("Rejected unauthenticated invocation", "from", msg.From, "id", msg.ID)
		return &Result{Error: err.Error(), Code: domain.TransportAuth}
	}
	if err := s.limiter.Allow(msg.From); err != nil {
		s.logger.Debug("Rate limited invocation", "from", msg.From, "id", msg.ID)
		return &Result{Error: err.Error(), Code: domain.TransportRateLimited}
	}
	if msg.Invocation == nil {
		return &Result{Error: "invoke message without invocation", Code: domain.TransportProtocol}
	}
	return nil
}

func (s *Server) reply(ctx context.Context, conn *Conn, req Message, res Result) error {
	return conn.Send(ctx, Message{
		ID:       NewID(),
		ReplyTo:  req.ID,
		Kind:     KindResult,
		From:     s.name,
		Endpoint: req.From,
		Token:    s.auth.Token(s.name),
		Result:   &res,
	})
}
