package devsvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := NewReactor(zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("reactor did not stop")
		}
		r.Close()
	})
	return r
}

func TestReactorSubmit(t *testing.T) {
	r := startReactor(t)

	ran := make(chan struct{})
	r.Submit(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("submitted function did not run")
	}
}

func TestReactorLaterRunsNextIteration(t *testing.T) {
	r := startReactor(t)

	order := make(chan string, 3)
	r.Submit(func() {
		r.Later(func() { order <- "deferred" })
		order <- "inline"
	})
	r.Submit(func() { order <- "second" })

	require.Equal(t, "inline", <-order)
	// Both remaining functions run on the next loop iteration; the deferred
	// queue drains before new fd events are handled.
	require.Equal(t, "deferred", <-order)
	require.Equal(t, "second", <-order)
}

func TestReactorTimer(t *testing.T) {
	r := startReactor(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	r.Submit(func() {
		timer := r.NewTimer(func() { fired <- time.Now() })
		timer.Start(20 * time.Millisecond)
	})

	select {
	case at := <-fired:
		require.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestReactorTimerRestartAndStop(t *testing.T) {
	r := startReactor(t)

	fired := make(chan struct{}, 1)
	var timer *ReactorTimer
	r.Submit(func() {
		timer = r.NewTimer(func() { fired <- struct{}{} })
		timer.Start(10 * time.Millisecond)
		timer.Stop()
	})

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(50 * time.Millisecond):
	}

	r.Submit(func() { timer.Start(5 * time.Millisecond) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("restarted timer did not fire")
	}
}

func TestReactorFdHandler(t *testing.T) {
	r := startReactor(t)

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	readable := make(chan struct{}, 1)
	registered := make(chan error, 1)
	r.Submit(func() {
		registered <- r.RegisterFd(fds[0], func() {
			var buf [8]byte
			unix.Read(fds[0], buf[:])
			select {
			case readable <- struct{}{}:
			default:
			}
		})
	})
	require.NoError(t, <-registered)

	_, err := unix.Write(fds[1], []byte{1})
	require.NoError(t, err)
	select {
	case <-readable:
	case <-time.After(time.Second):
		t.Fatal("fd handler did not run")
	}

	r.Submit(func() { r.UnregisterFd(fds[0]) })
}
