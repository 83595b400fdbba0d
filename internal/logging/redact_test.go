package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encodeWith(t *testing.T, fields ...zap.Field) string {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestRedactingEncoder_SensitiveKeys(t *testing.T) {
	out := encodeWith(t, zap.String("api_key", "sk-live-123"), zap.String("model", "gen-1"))

	assert.NotContains(t, out, "sk-live-123")
	assert.Contains(t, out, `"api_key":"[REDACTED]"`)
	assert.Contains(t, out, `"model":"gen-1"`)
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	out := encodeWith(t, zap.String("header", "Bearer abc.def.ghi"))

	assert.NotContains(t, out, "abc.def.ghi")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: false})
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, []zapcore.Field{zap.String("token", "t0k")})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "t0k")
}

func TestNewRedactingEncoder_InvalidPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "configured", Secret("api_key", config.Secret("super-secret-value")))
	tl.AssertField(t, "configured", "api_key", "[REDACTED:18]")
}
