// Package natsd starts an embedded NATS server and opens client
// connections with the daemon's reconnect policy.
package natsd

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
)

// ErrNotReady is returned when the embedded server does not accept
// connections in time.
var ErrNotReady = errors.New("embedded NATS server not ready")

// Options configures the embedded server.
type Options struct {
	Host      string
	Port      int
	StoreDir  string
	JetStream bool
	// ReadyTimeout bounds the wait for the server to accept connections.
	ReadyTimeout time.Duration
}

// Start launches an embedded server and waits until it is ready. The
// caller owns shutdown.
func Start(ctx context.Context, opts Options, logger *logging.Logger) (*natsserver.Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = -1
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:           opts.Host,
		Port:           opts.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      opts.JetStream,
		StoreDir:       opts.StoreDir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(opts.ReadyTimeout) {
		ns.Shutdown()
		return nil, ErrNotReady
	}

	logger.Info(ctx, "embedded NATS server started",
		zap.String("url", ns.ClientURL()),
		zap.Bool("jetstream", opts.JetStream),
	)
	return ns, nil
}

// Connect dials url, retrying on the initial connect.
func Connect(ctx context.Context, url, name string, logger *logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info(ctx, "connected to NATS", zap.String("url", url))
	return nc, nil
}
