package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateCreated.CanTransitionTo(StateActive))
	assert.True(t, StateActive.CanTransitionTo(StateIdle))
	assert.True(t, StateIdle.CanTransitionTo(StateActive))
	assert.True(t, StateActive.CanTransitionTo(StateClosed))
	assert.False(t, StateClosed.CanTransitionTo(StateActive))
	assert.False(t, StateCreated.CanTransitionTo(StateIdle))
	assert.True(t, StateClosed.IsTerminal())
}

func TestSession_AppendAssignsSequenceUnderConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTokensPerSession = 1_000_000
	s := newSession("s1", "o1", "p1", "free", cfg, time.Now)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ev := TextChunk("x")
				ev.EstimatedTokenCost = 1
				_, err := s.Append(ev)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap.Events, writers*perWriter)
	for i, ev := range snap.Events {
		assert.Equal(t, uint64(i+1), ev.SequenceNumber)
	}
	assert.Equal(t, int64(writers*perWriter), snap.TotalTokensUsed)
	assert.Equal(t, StateActive, snap.State)
}

func TestSession_SingleEventOvershoot(t *testing.T) {
	s := newSession("s1", "o1", "p1", "free", testConfig(), time.Now)

	first := TextChunk("intro")
	first.EstimatedTokenCost = 300
	res, err := s.Append(first)
	require.NoError(t, err)
	assert.False(t, res.OverBudget)

	big := TextChunk("large chunk")
	big.EstimatedTokenCost = 1200
	res, err = s.Append(big)
	require.NoError(t, err, "the event that crosses the budget is still recorded")
	assert.True(t, res.OverBudget)

	st := s.Status()
	assert.Equal(t, int64(1500), st.TotalTokensUsed)
	assert.True(t, st.QuotaExceeded)

	_, err = s.Append(TextChunk("more"))
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.True(t, errors.Is(s.BeginGeneration(), ErrQuotaExceeded))
	assert.Equal(t, 2, s.Status().EventCount)
}

func TestSession_ReopenBudgetAfterPeriodReset(t *testing.T) {
	clock := newFakeClock()
	s := newSession("s1", "o1", "p1", "free", testConfig(), clock.Now)

	ev := TextChunk("big")
	ev.EstimatedTokenCost = 1100
	_, err := s.Append(ev)
	require.NoError(t, err)
	require.True(t, s.Status().QuotaExceeded)

	assert.False(t, s.ReopenBudget(clock.Now().Add(-time.Hour)), "same period keeps the session blocked")

	clock.Advance(24 * time.Hour)
	assert.True(t, s.ReopenBudget(clock.Now()))
	require.NoError(t, s.BeginGeneration())
	s.EndGeneration()

	small := TextChunk("small")
	small.EstimatedTokenCost = 900
	res, err := s.Append(small)
	require.NoError(t, err)
	assert.False(t, res.OverBudget, "budget window restarts at the current total")
	assert.Equal(t, int64(2000), s.Status().TotalTokensUsed)
}

func TestSession_SubagentSlotsBounded(t *testing.T) {
	s := newSession("s1", "o1", "p1", "free", testConfig(), time.Now)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		peak int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, s.AcquireSubagent(context.Background())) {
				return
			}
			n := s.Status().ActiveSubagentCount
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			s.ReleaseSubagent()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 0, s.Status().ActiveSubagentCount)
}

func TestSession_AcquireSubagentHonoursContext(t *testing.T) {
	s := newSession("s1", "o1", "p1", "free", testConfig(), time.Now)
	require.NoError(t, s.AcquireSubagent(context.Background()))
	require.NoError(t, s.AcquireSubagent(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.AcquireSubagent(ctx))
	assert.Equal(t, 2, s.Status().ActiveSubagentCount)
}

func TestSession_IdleAndExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newSession("s1", "o1", "p1", "free", testConfig(), clock.Now)

	require.NoError(t, s.BeginGeneration())
	clock.Advance(time.Minute)
	assert.False(t, s.MarkIdle(clock.Now(), 30*time.Second), "generation still in flight")

	s.EndGeneration()
	assert.True(t, s.MarkIdle(clock.Now(), 30*time.Second))
	assert.Equal(t, StateIdle, s.State())

	assert.False(t, s.Expired(clock.Now()))
	clock.Advance(15 * time.Minute)
	assert.True(t, s.Expired(clock.Now()))
}

func TestSession_RejectionHasNoOtherSideEffects(t *testing.T) {
	s := newSession("s1", "o1", "p1", "free", testConfig(), time.Now)
	before := s.Status()

	s.RecordRejection()

	after := s.Status()
	assert.Equal(t, 1, after.RejectedAttempts)
	assert.Equal(t, before.TotalTokensUsed, after.TotalTokensUsed)
	assert.Equal(t, before.EventCount, after.EventCount)
	assert.Equal(t, before.LastActivityAt, after.LastActivityAt)
	assert.Equal(t, StateCreated, after.State)
}

func TestSession_EventsAfter(t *testing.T) {
	cfg := testConfig()
	s := newSession("s1", "o1", "p1", "free", cfg, time.Now)
	for i := 0; i < 5; i++ {
		_, err := s.Append(TextChunk("e"))
		require.NoError(t, err)
	}

	evs := s.EventsAfter(3)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(4), evs[0].SequenceNumber)
	assert.Nil(t, s.EventsAfter(5))
}
