package backbone

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/domain"
)

// Conn speaks the framed protocol over any byte stream (socket, pipe, stdio).
// A background reader answers Ping with Pong, ends the session on Close and
// delivers Data messages to Receive.
type Conn struct {
	rw         io.ReadWriteCloser
	maxPayload int
	logger     *slog.Logger
	name       string

	writeMu sync.Mutex
	inbox   chan Message
	pongs   chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithMaxPayload overrides DefaultMaxPayload.
func WithMaxPayload(n int) ConnOption {
	return func(c *Conn) {
		c.maxPayload = n
	}
}

// WithConnLogger configures a logger for the Conn.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithConnName names the peer in logs and errors.
func WithConnName(name string) ConnOption {
	return func(c *Conn) {
		c.name = name
	}
}

// NewConn wraps rw and starts the reader.
func NewConn(rw io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		rw:         rw,
		maxPayload: DefaultMaxPayload,
		logger:     logging.NewNop(),
		inbox:      make(chan Message, 64),
		pongs:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	for {
		f, err := ReadFrame(c.rw, c.maxPayload)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = &domain.TransportError{Kind: domain.TransportConnectionClosed, Endpoint: c.name, Err: io.EOF}
			}
			c.shutdown(err)
			return
		}

		switch f.Type {
		case FramePing:
			if err := c.writeFrame(Frame{Type: FramePong, Payload: f.Payload}); err != nil {
				c.shutdown(err)
				return
			}
		case FramePong:
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		case FrameClose:
			c.shutdown(&domain.TransportError{Kind: domain.TransportConnectionClosed, Endpoint: c.name, Err: errors.New("peer closed session")})
			return
		case FrameData:
			msg, err := decodeMessage(f.Payload)
			if err != nil {
				c.logger.Warn("Dropping undecodable message", "peer", c.name, "err", err)
				continue
			}
			select {
			case c.inbox <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.rw.Close()
	})
}

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := WriteFrame(c.rw, f, c.maxPayload)
	var te *domain.TransportError
	if errors.As(err, &te) && te.Endpoint == "" {
		te.Endpoint = c.name
	}
	return err
}

// Send writes msg as a Data frame.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(Frame{Type: FrameData, Payload: payload})
}

// Receive returns the next Data message.
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		// drain anything that arrived before the close
		select {
		case msg := <-c.inbox:
			return msg, nil
		default:
		}
		return Message{}, c.Err()
	}
}

// Ping sends a Ping frame and waits for the Pong.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.writeFrame(Frame{Type: FramePing}); err != nil {
		return err
	}
	select {
	case <-c.pongs:
		return nil
	case <-ctx.Done():
		return &domain.TransportError{Kind: domain.TransportTimeout, Endpoint: c.name, Err: ctx.Err()}
	case <-c.done:
		return c.Err()
	}
}

// Close sends a Close frame and releases the stream. Safe to call more than once.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.writeFrame(Frame{Type: FrameClose})
	c.shutdown(&domain.TransportError{Kind: domain.TransportConnectionClosed, Endpoint: c.name, Err: errors.New("closed locally")})
	return nil
}
