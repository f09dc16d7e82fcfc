// Package backbone is the framed message transport between the engine and
// out-of-process executors.
//
// Every Data frame carries a JSON Message. Inbound messages are authenticated
// against a per-endpoint token and rate limited per endpoint; outbound calls
// go through a circuit breaker and reconnect with exponential backoff.
package backbone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/domain"
)

// Dialer opens a byte stream to an endpoint (socket, pipe, child process stdio).
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

type remote struct {
	name string
	dial Dialer

	mu         sync.Mutex
	conn       *Conn
	correlator *Correlator
}

// Client sends messages to named endpoints and correlates their replies.
type Client struct {
	name       string
	auth       *Authenticator
	limiter    *Limiter
	health     *HealthMonitor
	reconnect  ReconnectPolicy
	timeout    time.Duration
	maxPayload int
	logger     *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]*remote
	inbox     chan Message
	closed    bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithName sets the name the client presents as From.
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithAuthenticator sets the token table.
func WithAuthenticator(a *Authenticator) ClientOption {
	return func(c *Client) { c.auth = a }
}

// WithLimiter sets the outbound per-endpoint rate limiter.
func WithLimiter(l *Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithHealthMonitor sets the circuit breaker.
func WithHealthMonitor(h *HealthMonitor) ClientOption {
	return func(c *Client) { c.health = h }
}

// WithReconnectPolicy sets the dial backoff.
func WithReconnectPolicy(p ReconnectPolicy) ClientOption {
	return func(c *Client) { c.reconnect = p }
}

// WithRequestTimeout bounds Invoke when ctx has no earlier deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientMaxPayload overrides DefaultMaxPayload for every connection.
func WithClientMaxPayload(n int) ClientOption {
	return func(c *Client) { c.maxPayload = n }
}

// WithClientLogger configures a logger for the Client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client with no endpoints.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		name:       "engine",
		auth:       NewAuthenticator(nil),
		health:     NewHealthMonitor(DefaultHealthConfig()),
		reconnect:  DefaultReconnectPolicy(),
		timeout:    5 * time.Minute,
		maxPayload: DefaultMaxPayload,
		logger:     logging.NewNop(),
		endpoints:  make(map[string]*remote),
		inbox:      make(chan Message, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register makes endpoint reachable through dial. Re-registering replaces the dialer
// and drops the current connection.
func (c *Client) Register(endpoint string, dial Dialer) {
	c.mu.Lock()
	old := c.endpoints[endpoint]
	c.endpoints[endpoint] = &remote{name: endpoint, dial: dial, correlator: NewCorrelator()}
	c.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		if old.conn != nil {
			_ = old.conn.Close()
		}
		old.mu.Unlock()
	}
}

// Endpoints lists registered endpoint names.
func (c *Client) Endpoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		out = append(out, name)
	}
	return out
}

// Health returns the circuit breaker state of endpoint.
func (c *Client) Health(endpoint string) EndpointHealth {
	return c.health.Status(endpoint)
}

func (c *Client) remote(endpoint string) (*remote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, &domain.TransportError{Kind: domain.TransportConnectionClosed, Endpoint: endpoint, Err: errors.New("client closed")}
	}
	r, ok := c.endpoints[endpoint]
	if !ok {
		return nil, &domain.TransportError{Kind: domain.TransportConnectionFailed, Endpoint: endpoint, Err: domain.ErrEndpointNotFound}
	}
	return r, nil
}

// connect returns the live connection of r, dialing with backoff when needed.
func (c *Client) connect(ctx context.Context, r *remote) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		select {
		case <-r.conn.Done():
			r.conn = nil
		default:
			return r.conn, nil
		}
	}

	var rw io.ReadWriteCloser
	err := c.reconnect.Retry(ctx, func(ctx context.Context) error {
		var err error
		rw, err = r.dial(ctx)
		if err != nil {
			c.logger.Debug("Dial failed", "endpoint", r.name, "err", err)
			return &domain.TransportError{Kind: domain.TransportConnectionFailed, Endpoint: r.name, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	conn := NewConn(rw, WithConnName(r.name), WithConnLogger(c.logger), WithMaxPayload(c.maxPayload))
	r.conn = conn
	go c.pump(r, conn)
	c.logger.Debug("Connected", "endpoint", r.name)
	return conn, nil
}

// pump routes inbound messages from one connection until it ends.
func (c *Client) pump(r *remote, conn *Conn) {
	for {
		msg, err := conn.Receive(context.Background())
		if err != nil {
			n := r.correlator.FailAll(err)
			if n > 0 {
				c.logger.Warn("Connection lost with requests in flight", "endpoint", r.name, "pending", n, "err", err)
			}
			return
		}

		authErr := c.auth.Verify(r.name, msg.Token)
		if msg.ReplyTo != "" {
			r.correlator.Resolve(msg.ReplyTo, Reply{Msg: msg, Err: authErr})
			continue
		}
		if authErr != nil {
			c.logger.Warn("Dropping unauthenticated message", "endpoint", r.name, "id", msg.ID)
			continue
		}
		select {
		case c.inbox <- msg:
		default:
			c.logger.Warn("Inbox full, dropping message", "endpoint", r.name, "id", msg.ID)
		}
	}
}

func (c *Client) stamp(endpoint string, msg *Message) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	msg.From = c.name
	msg.Endpoint = endpoint
	msg.Token = c.auth.Token(endpoint)
}

// Send delivers msg to endpoint without waiting for a reply.
func (c *Client) Send(ctx context.Context, endpoint string, msg Message) error {
	r, err := c.remote(endpoint)
	if err != nil {
		return err
	}
	if err := c.limiter.Allow(endpoint); err != nil {
		return err
	}
	if err := c.health.Allow(endpoint); err != nil {
		return err
	}
	conn, err := c.connect(ctx, r)
	if err != nil {
		c.health.RecordFailure(endpoint)
		return err
	}
	c.stamp(endpoint, &msg)
	if err := conn.Send(ctx, msg); err != nil {
		c.health.RecordFailure(endpoint)
		return err
	}
	return nil
}

// Receive returns the next unsolicited message from any endpoint.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Invoke sends an Invocation to endpoint and waits for its Result.
func (c *Client) Invoke(ctx context.Context, endpoint string, inv Invocation) (*Result, error) {
	r, err := c.remote(endpoint)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Allow(endpoint); err != nil {
		return nil, err
	}
	if err := c.health.Allow(endpoint); err != nil {
		return nil, err
	}

	conn, err := c.connect(ctx, r)
	if err != nil {
		c.health.RecordFailure(endpoint)
		return nil, err
	}

	msg := Message{Kind: KindInvoke, Invocation: &inv}
	c.stamp(endpoint, &msg)

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	replies := r.correlator.Register(msg.ID, timeout)
	start := time.Now()

	if err := conn.Send(ctx, msg); err != nil {
		r.correlator.Forget(msg.ID)
		c.health.RecordFailure(endpoint)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		if reply.Err != nil {
			c.health.RecordFailure(endpoint)
			var te *domain.TransportError
			if errors.As(reply.Err, &te) {
				return nil, reply.Err
			}
			return nil, &domain.TransportError{Kind: domain.TransportReceiveFailed, Endpoint: endpoint, Err: reply.Err}
		}
		c.health.RecordSuccess(endpoint, time.Since(start))
		if reply.Msg.Result == nil {
			return nil, protocolError(fmt.Errorf("reply %s carries no result", reply.Msg.ID))
		}
		return reply.Msg.Result, reply.Msg.Result.Err(endpoint)
	case <-ctx.Done():
		r.correlator.Forget(msg.ID)
		return nil, ctx.Err()
	case <-timer.C:
		r.correlator.Forget(msg.ID)
		c.health.RecordFailure(endpoint)
		return nil, &domain.TransportError{Kind: domain.TransportTimeout, Endpoint: endpoint, Err: ErrRequestExpired}
	}
}

// Ping checks that endpoint answers at the frame level.
func (c *Client) Ping(ctx context.Context, endpoint string) error {
	r, err := c.remote(endpoint)
	if err != nil {
		return err
	}
	conn, err := c.connect(ctx, r)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := conn.Ping(ctx); err != nil {
		c.health.RecordFailure(endpoint)
		return err
	}
	c.health.RecordSuccess(endpoint, time.Since(start))
	return nil
}

// Close ends every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	remotes := make([]*remote, 0, len(c.endpoints))
	for _, r := range c.endpoints {
		remotes = append(remotes, r)
	}
	c.mu.Unlock()

	for _, r := range remotes {
		r.mu.Lock()
		if r.conn != nil {
			_ = r.conn.Close()
			r.conn = nil
		}
		r.mu.Unlock()
	}
	return nil
}
