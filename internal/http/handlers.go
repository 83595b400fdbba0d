package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/session"
)

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return session.NewError(session.KindValidation, "invalid request body", err)
	}
	id, cfg, err := s.engine.CreateSession(c.Request().Context(), ownerOf(c), req.ScopeID, req.Config)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, CreateSessionResponse{SessionID: id, Config: cfg})
}

// ownedStatus loads the session and hides it from other owners.
func (s *Server) ownedStatus(c echo.Context) (session.Status, context.Context, error) {
	id := c.Param("id")
	ctx := logging.WithSessionID(c.Request().Context(), id)
	st, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		return session.Status{}, ctx, err
	}
	if st.OwnerID != ownerOf(c) {
		return session.Status{}, ctx, session.NewError(session.KindNotFound, "session not found", nil).WithSession(id)
	}
	return st, ctx, nil
}

func (s *Server) handleGetSession(c echo.Context) error {
	st, _, err := s.ownedStatus(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleCloseSession(c echo.Context) error {
	st, ctx, err := s.ownedStatus(c)
	if err != nil {
		return err
	}
	snap, err := s.engine.CloseSession(ctx, st.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handlePrompt(c echo.Context) error {
	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		return session.NewError(session.KindValidation, "invalid request body", err)
	}
	st, ctx, err := s.ownedStatus(c)
	if err != nil {
		return err
	}
	stream, err := s.engine.SendPrompt(ctx, st.ID, req.Prompt)
	if err != nil {
		return err
	}

	w, err := newSSEWriter(c)
	if err != nil {
		stream.Detach()
		return err
	}
	if !s.pump(ctx, w, stream.Events()) {
		stream.Detach()
		return nil
	}

	events, err := stream.Wait()
	if err != nil {
		return s.finish(ctx, w, "error", newErrorResponse(err))
	}
	return s.finish(ctx, w, "done", DoneEvent{SessionID: st.ID, Events: len(events)})
}

func (s *Server) handleBatch(c echo.Context) error {
	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return session.NewError(session.KindValidation, "invalid request body", err)
	}
	st, ctx, err := s.ownedStatus(c)
	if err != nil {
		return err
	}
	batch, err := s.engine.SubmitBatch(ctx, st.ID, req.Tasks)
	if err != nil {
		return err
	}

	w, err := newSSEWriter(c)
	if err != nil {
		batch.Detach()
		return err
	}
	if !s.pump(ctx, w, batch.Events()) {
		batch.Detach()
		return nil
	}

	result, err := batch.Wait()
	payload := BatchResultEvent{BatchResult: result}
	if err != nil {
		resp := newErrorResponse(err)
		payload.Error = &resp
	}
	return s.finish(ctx, w, "result", payload)
}

// pump forwards events until the channel closes. It returns false when the
// client went away first.
func (s *Server) pump(ctx context.Context, w *sseWriter, events <-chan session.GenerationEvent) bool {
	beat, stop := newHeartbeat(s.config.HeartbeatInterval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug(ctx, "client disconnected from stream")
			return false
		case <-beat:
			if err := w.heartbeat(); err != nil {
				return false
			}
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if err := w.sendEvent(ev); err != nil {
				s.logger.Debug(ctx, "stream write failed", zap.Error(err))
				return false
			}
		}
	}
}

// finish writes the closing event. Write failures only mean the client
// left, so they are logged and swallowed.
func (s *Server) finish(ctx context.Context, w *sseWriter, event string, payload any) error {
	if err := w.send(event, "", payload); err != nil {
		s.logger.Debug(ctx, "failed to write final event", zap.String("event", event), zap.Error(err))
	}
	return nil
}

// handleEvents replays the transcript after ?after=N, then follows new
// events on the bus until the client disconnects. Without a bus, or for a
// closed session, it ends after the replay.
func (s *Server) handleEvents(c echo.Context) error {
	var after uint64
	if raw := c.QueryParam("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return session.NewError(session.KindValidation, "after must be a non-negative integer", err)
		}
		after = n
	}
	st, ctx, err := s.ownedStatus(c)
	if err != nil {
		return err
	}

	follow := s.bus != nil && !st.State.IsTerminal()
	var live <-chan session.GenerationEvent
	if follow {
		// Subscribe before the replay so nothing falls between the two.
		sub, err := s.bus.Subscribe(ctx, st.OwnerID, st.ID)
		if err != nil {
			return session.NewError(session.KindInternal, "subscribing to session events", err).WithSession(st.ID)
		}
		defer sub.Close()
		live = sub.Events()
	}

	replay, err := s.engine.Events(ctx, st.ID, after)
	if err != nil {
		return err
	}

	w, err := newSSEWriter(c)
	if err != nil {
		return err
	}
	last := after
	for _, ev := range replay {
		if err := w.sendEvent(ev); err != nil {
			return nil
		}
		last = ev.SequenceNumber
	}
	if !follow {
		return nil
	}

	beat, stop := newHeartbeat(s.config.HeartbeatInterval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat:
			if err := w.heartbeat(); err != nil {
				return nil
			}
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if ev.SequenceNumber <= last {
				continue
			}
			if err := w.sendEvent(ev); err != nil {
				return nil
			}
			last = ev.SequenceNumber
		}
	}
}

func (s *Server) handleQuota(c echo.Context) error {
	owner := c.Param("owner")
	if owner != ownerOf(c) {
		return session.NewError(session.KindSecurity, "quota is only visible to its owner", nil)
	}
	entry, err := s.engine.Quota(c.Request().Context(), owner)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) handleReap(c echo.Context) error {
	if s.sweeper == nil {
		return session.NewError(session.KindNotFound, "reaper is not configured", nil)
	}
	return c.JSON(http.StatusOK, s.sweeper.SweepOnce(c.Request().Context()))
}
