package natsd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/forged/internal/logging"
)

func TestStart(t *testing.T) {
	tl := logging.NewTestLogger()
	ns, err := Start(context.Background(), Options{JetStream: true, StoreDir: t.TempDir()}, tl.Logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	assert.True(t, ns.JetStreamEnabled())
	tl.AssertLogged(t, zapcore.InfoLevel, "embedded NATS server started")

	nc, err := Connect(context.Background(), ns.ClientURL(), "forged-test", tl.Logger)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("ping")
	require.NoError(t, err)
	require.NoError(t, nc.Publish("ping", []byte("pong")))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg.Data))
	tl.AssertLogged(t, zapcore.InfoLevel, "connected to NATS")
}

func TestStartTest(t *testing.T) {
	ns, nc := StartTest(t)
	assert.True(t, nc.IsConnected())
	assert.True(t, ns.JetStreamEnabled())
}
