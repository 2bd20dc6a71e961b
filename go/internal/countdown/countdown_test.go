package countdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tick struct {
	remaining int
	active    bool
}

type harness struct {
	clock     *clockwork.FakeClock
	ticks     chan tick
	completes chan struct{}
	countdown *Countdown
}

func newHarness(t *testing.T, delay int) *harness {
	t.Helper()
	h := &harness{
		clock:     clockwork.NewFakeClock(),
		ticks:     make(chan tick, 16),
		completes: make(chan struct{}, 16),
	}
	h.countdown = New(delay,
		WithClock(h.clock),
		OnTick(func(remaining int, active bool) {
			h.ticks <- tick{remaining: remaining, active: active}
		}),
		OnComplete(func() {
			h.completes <- struct{}{}
		}),
	)
	t.Cleanup(h.countdown.Stop)
	return h
}

// advance moves the fake clock one second and waits for the resulting tick.
func (h *harness) advance(t *testing.T) tick {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(Resolution)
	select {
	case tk := <-h.ticks:
		return tk
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick")
		return tick{}
	}
}

func (h *harness) assertNoTick(t *testing.T) {
	t.Helper()
	h.clock.Advance(5 * Resolution)
	select {
	case tk := <-h.ticks:
		t.Fatalf("unexpected tick %+v", tk)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdown_InitialState(t *testing.T) {
	h := newHarness(t, 10)

	assert.Equal(t, 10, h.countdown.Remaining())
	assert.Equal(t, 10, h.countdown.Delay())
	assert.False(t, h.countdown.Active())
	assert.False(t, h.countdown.Complete())
}

func TestCountdown_RunsToCompletionOnce(t *testing.T) {
	h := newHarness(t, 3)

	require.True(t, h.countdown.Start())
	assert.True(t, h.countdown.Active())

	assert.Equal(t, tick{remaining: 2, active: true}, h.advance(t))
	assert.Equal(t, tick{remaining: 1, active: true}, h.advance(t))
	assert.Equal(t, tick{remaining: 0, active: false}, h.advance(t))

	select {
	case <-h.completes:
	case <-time.After(time.Second):
		t.Fatal("countdown did not complete")
	}

	assert.True(t, h.countdown.Complete())
	assert.False(t, h.countdown.Active())
	assert.Equal(t, 0, h.countdown.Remaining())

	// Ticking halts after completion.
	h.assertNoTick(t)
	assert.Len(t, h.completes, 0)
}

func TestCountdown_StartWhileActiveIsNoop(t *testing.T) {
	h := newHarness(t, 5)

	require.True(t, h.countdown.Start())
	h.advance(t)
	assert.False(t, h.countdown.Start())
	assert.Equal(t, 4, h.countdown.Remaining())
}

func TestCountdown_Reset(t *testing.T) {
	h := newHarness(t, 5)

	require.True(t, h.countdown.Start())
	h.advance(t)
	h.advance(t)
	require.Equal(t, 3, h.countdown.Remaining())

	h.countdown.Reset()

	assert.Equal(t, 5, h.countdown.Remaining())
	assert.False(t, h.countdown.Active())
	assert.False(t, h.countdown.Complete())
	h.assertNoTick(t)
}

func TestCountdown_ResetAfterCompletion(t *testing.T) {
	h := newHarness(t, 1)

	require.True(t, h.countdown.Start())
	h.advance(t)
	<-h.completes
	require.True(t, h.countdown.Complete())

	h.countdown.Reset()
	assert.False(t, h.countdown.Complete())
	assert.Equal(t, 1, h.countdown.Remaining())

	// A reset countdown can run again.
	require.True(t, h.countdown.Start())
	assert.Equal(t, tick{remaining: 0, active: false}, h.advance(t))
	<-h.completes
}

func TestCountdown_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, 5)

	require.True(t, h.countdown.Start())
	h.countdown.Stop()
	h.countdown.Stop()

	assert.False(t, h.countdown.Active())
	assert.False(t, h.countdown.Start())
	h.assertNoTick(t)
}

func TestCountdown_ResetWaitsForInFlightTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	entered := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var ticks []tick
	resetDone := false

	c := New(5,
		WithClock(clock),
		OnTick(func(remaining int, active bool) {
			if remaining == 4 {
				close(entered)
				<-release
			}
			mu.Lock()
			defer mu.Unlock()
			if resetDone {
				ticks = append(ticks, tick{remaining: remaining, active: active})
			}
		}),
	)
	t.Cleanup(c.Stop)

	require.True(t, c.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(Resolution)

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("tick callback did not start")
	}

	returned := make(chan struct{})
	go func() {
		c.Reset()
		mu.Lock()
		resetDone = true
		mu.Unlock()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Reset returned while a tick callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Reset did not return")
	}

	clock.Advance(5 * Resolution)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, ticks)
	assert.Equal(t, 5, c.Remaining())
	assert.False(t, c.Active())
}

func TestCountdown_Finish(t *testing.T) {
	h := newHarness(t, 5)

	assert.False(t, h.countdown.Finish())
	assert.Len(t, h.ticks, 0)

	require.True(t, h.countdown.Start())
	h.advance(t)

	require.True(t, h.countdown.Finish())
	assert.Equal(t, tick{remaining: 0, active: false}, <-h.ticks)
	<-h.completes

	assert.True(t, h.countdown.Complete())
	assert.False(t, h.countdown.Active())
	assert.Equal(t, 0, h.countdown.Remaining())
	assert.False(t, h.countdown.Finish())
	h.assertNoTick(t)
}
