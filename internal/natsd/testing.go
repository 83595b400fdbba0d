package natsd

import (
	"context"
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// StartTest runs an embedded JetStream server on a random port for the
// duration of the test and returns a connection to it.
func StartTest(tb testing.TB) (*natsserver.Server, *nats.Conn) {
	tb.Helper()

	ns, err := Start(context.Background(), Options{JetStream: true, StoreDir: tb.TempDir()}, nil)
	if err != nil {
		tb.Fatalf("starting NATS server: %v", err)
	}
	tb.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		tb.Fatalf("connecting to NATS: %v", err)
	}
	tb.Cleanup(nc.Close)
	return ns, nc
}
