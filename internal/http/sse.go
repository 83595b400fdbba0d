package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/forged/internal/session"
)

// sseWriter frames server-sent events on an echo response. It is not safe
// for concurrent use; handlers write from a single goroutine.
type sseWriter struct {
	c       echo.Context
	flusher http.Flusher
}

func newSSEWriter(c echo.Context) (*sseWriter, error) {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, session.NewError(session.KindInternal, "streaming unsupported", nil)
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{c: c, flusher: flusher}, nil
}

// send writes one event. An empty id is omitted.
func (w *sseWriter) send(event, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	out := w.c.Response()
	if _, err := fmt.Fprintf(out, "event: %s\n", event); err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(out, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(out, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// sendEvent writes a generation event keyed by its sequence number.
func (w *sseWriter) sendEvent(ev session.GenerationEvent) error {
	return w.send(string(ev.Kind), strconv.FormatUint(ev.SequenceNumber, 10), ev)
}

func (w *sseWriter) heartbeat() error {
	if _, err := fmt.Fprint(w.c.Response(), ": heartbeat\n\n"); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// newHeartbeat returns a ticker channel, or nil when heartbeats are off.
func newHeartbeat(interval time.Duration) (<-chan time.Time, func()) {
	if interval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(interval)
	return t.C, t.Stop
}
