package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/backbone"
	"github.com/aretw0/orchestra/pkg/domain"
)

const unixScheme = "unix://"

// ParseAddress splits a worker address of the form unix:///path/to.sock into
// its network and socket path.
func ParseAddress(addr string) (network, path string, err error) {
	path, ok := strings.CutPrefix(addr, unixScheme)
	if !ok || path == "" {
		return "", "", fmt.Errorf("unsupported worker address %q: want %s<path>", addr, unixScheme)
	}
	return "unix", path, nil
}

// SocketDialer returns a backbone.Dialer that connects to a worker already
// listening on address (see Listen). Unlike Dialer it starts no process.
func SocketDialer(endpoint, address string, opts ...DialOption) backbone.Dialer {
	d := &dialer{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		network, path, err := ParseAddress(address)
		if err != nil {
			return nil, &domain.TransportError{Kind: domain.TransportConnectionFailed, Endpoint: endpoint, Err: err}
		}
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, network, path)
		if err != nil {
			return nil, &domain.TransportError{
				Kind:     domain.TransportConnectionFailed,
				Endpoint: endpoint,
				Err:      fmt.Errorf("failed to connect to %s: %w", address, err),
			}
		}
		d.logger.Debug("Connected to executor socket", "endpoint", endpoint, "address", address)
		return conn, nil
	}
}

// Listen serves srv on address until ctx ends, one backbone connection per
// accepted client. A stale socket file left by a previous worker is removed.
func Listen(ctx context.Context, address string, srv *backbone.Server, opts ...DialOption) error {
	d := &dialer{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	network, path, err := ParseAddress(address)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	d.logger.Info("Worker listening", "address", address)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept failed: %w", err)
			}
			d.logger.Debug("Accepted engine connection", "remote", conn.RemoteAddr())
			g.Go(func() error {
				if err := srv.Serve(gctx, conn); err != nil {
					d.logger.Warn("Connection ended with error", "err", err)
				}
				return nil
			})
		}
	})

	err = g.Wait()
	_ = os.Remove(path)
	return err
}
