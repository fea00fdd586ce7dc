package sched

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

func TestWorker_RegisterIRQ_AfterRun_ReturnsError(t *testing.T) {
	w := NewWorker(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return w.RegisterIRQ(1, false, "dev", func() {}) != nil
	}, time.Second, time.Millisecond)
}

func TestWorker_RegisterIRQ_NonSharedConflict(t *testing.T) {
	w := NewWorker(testLogger())
	require.NoError(t, w.RegisterIRQ(1, false, "dev0", func() {}))
	assert.Error(t, w.RegisterIRQ(1, false, "dev1", func() {}))
}

func TestWorker_RegisterIRQ_SharedIsFine(t *testing.T) {
	w := NewWorker(testLogger())
	require.NoError(t, w.RegisterIRQ(1, true, "dev0", func() {}))
	assert.NoError(t, w.RegisterIRQ(1, true, "dev1", func() {}))
}

func TestWorker_RaiseIRQ_InvokesHandler(t *testing.T) {
	w := NewWorker(testLogger())
	fired := make(chan struct{}, 1)
	require.NoError(t, w.RegisterIRQ(3, false, "dev0", func() { fired <- struct{}{} }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.RaiseIRQ(3)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("IRQ handler never fired")
	}
}

func TestWorker_RegisterTimer_FiresPeriodically(t *testing.T) {
	w := NewWorker(testLogger())
	ticks := make(chan time.Time, 4)
	require.NoError(t, w.RegisterTimer(20*time.Millisecond, func(now time.Time) {
		select {
		case ticks <- now:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire twice")
		}
	}
}

func TestWorker_SubscribeEvent_RaiseEventInvokesAllSubscribers(t *testing.T) {
	w := NewWorker(testLogger())
	var mu sync.Mutex
	calls := 0
	w.SubscribeEvent(func() { mu.Lock(); calls++; mu.Unlock() })
	w.SubscribeEvent(func() { mu.Lock(); calls++; mu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.RaiseEvent()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, time.Millisecond)
}

func TestWorker_Run_TwiceConcurrently_ReturnsError(t *testing.T) {
	w := NewWorker(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return w.Run(context.Background()) != nil
	}, time.Second, time.Millisecond)
}

func TestWorker_Shutdown_StopsRunLoop(t *testing.T) {
	w := NewWorker(testLogger())
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.NoError(t, w.Shutdown(context.Background()))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_Run_ContextCanceled_ReturnsNil(t *testing.T) {
	w := NewWorker(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
}

func TestSleep_WakeupReturnsNil(t *testing.T) {
	var mu sync.Mutex
	waiter := NewWaiter()

	mu.Lock()
	done := make(chan error, 1)
	go func() {
		mu.Lock()
		done <- Sleep(&mu, waiter, time.Time{})
	}()
	require.Eventually(t, func() bool { return waiter.Waiters() == 1 }, time.Second, time.Millisecond)
	mu.Unlock()

	waiter.Wakeup()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Sleep never returned")
	}
}

func TestSleep_InterruptReturnsErrInterrupted(t *testing.T) {
	var mu sync.Mutex
	waiter := NewWaiter()

	mu.Lock()
	done := make(chan error, 1)
	go func() {
		mu.Lock()
		done <- Sleep(&mu, waiter, time.Time{})
	}()
	require.Eventually(t, func() bool { return waiter.Waiters() == 1 }, time.Second, time.Millisecond)
	mu.Unlock()

	waiter.Interrupt()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("Sleep never returned")
	}
}

func TestSleep_DeadlineElapsed_ReturnsErrTimeout(t *testing.T) {
	var mu sync.Mutex
	waiter := NewWaiter()
	mu.Lock()
	err := Sleep(&mu, waiter, time.Now().Add(-time.Second))
	mu.Unlock()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSleep_TimesOutWhenNeverWoken(t *testing.T) {
	var mu sync.Mutex
	waiter := NewWaiter()
	mu.Lock()
	err := Sleep(&mu, waiter, time.Now().Add(30*time.Millisecond))
	mu.Unlock()
	assert.ErrorIs(t, err, ErrTimeout)
}
