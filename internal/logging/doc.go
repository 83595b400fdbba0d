// Package logging provides structured, context-aware logging for forged.
//
// The package wraps Zap with:
//   - a Trace level below Debug
//   - stdout and OpenTelemetry outputs
//   - automatic correlation fields (trace, owner, session, task, request)
//   - field and pattern based secret redaction
//   - level-aware sampling where errors are never dropped
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithOwnerID(ctx, ownerID)
//	ctx = logging.WithSessionID(ctx, sessionID)
//	logger.Info(ctx, "prompt accepted", zap.Int("prompt_len", len(prompt)))
//
// Tests use NewTestLogger, which records entries in memory through
// zaptest/observer and offers assertion helpers.
package logging
