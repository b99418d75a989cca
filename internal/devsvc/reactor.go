package devsvc

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// fdHandler is invoked when its file descriptor becomes readable.
type fdHandler func()

// Reactor is a single-goroutine event loop over epoll. All device state is
// owned by the loop goroutine; other goroutines hand work in with Submit.
// Handlers, deferred functions and timer callbacks all run on the loop
// goroutine, so callees never need locks.
type Reactor struct {
	log    *zap.Logger
	epfd   int
	wakefd int

	// handlers is only touched on the loop goroutine.
	handlers map[int]fdHandler
	deferred []func()
	timers   []*ReactorTimer

	submitted chan func()
}

func NewReactor(log *zap.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		log:       log,
		epfd:      epfd,
		wakefd:    wakefd,
		handlers:  map[int]fdHandler{},
		submitted: make(chan func(), 64),
	}
	if err := r.RegisterFd(wakefd, r.drainSubmitted); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

// RegisterFd adds a readable-interest watch. Must be called on the loop
// goroutine, or before Run starts.
func (r *Reactor) RegisterFd(fd int, h fdHandler) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}
	r.handlers[fd] = h
	return nil
}

// UnregisterFd removes the watch for fd. Unknown fds are ignored, so
// teardown paths can call it unconditionally.
func (r *Reactor) UnregisterFd(fd int) {
	if _, ok := r.handlers[fd]; !ok {
		return
	}
	delete(r.handlers, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		r.log.Debug("epoll del failed", zap.Int("fd", fd), zap.Error(err))
	}
}

// Submit schedules fn on the loop goroutine from any goroutine.
func (r *Reactor) Submit(fn func()) {
	r.submitted <- fn
	r.wake()
}

// Later defers fn to the start of the next loop iteration. Unlike Submit it
// must be called on the loop goroutine. A handler that wants to tear down
// its own connection defers the removal so the loop never frees state it is
// still iterating over.
func (r *Reactor) Later(fn func()) {
	r.deferred = append(r.deferred, fn)
}

func (r *Reactor) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(r.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		r.log.Warn("reactor wake failed", zap.Error(err))
	}
}

func (r *Reactor) drainSubmitted() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			break
		}
	}
	for {
		select {
		case fn := <-r.submitted:
			fn()
		default:
			return
		}
	}
}

// Run drives the loop until ctx is done. It owns the loop goroutine: every
// handler, submitted function and timer callback runs here.
func (r *Reactor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	events := make([]unix.EpollEvent, 16)
	for {
		for len(r.deferred) > 0 {
			fns := r.deferred
			r.deferred = nil
			for _, fn := range fns {
				fn()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := unix.EpollWait(r.epfd, events, r.pollTimeout())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			if h, ok := r.handlers[int(events[i].Fd)]; ok {
				h()
			}
		}
		r.fireTimers(time.Now())
	}
}

// Close releases the epoll and wake descriptors. Call after Run returned.
func (r *Reactor) Close() {
	unix.Close(r.wakefd)
	unix.Close(r.epfd)
}

// pollTimeout is the wait in milliseconds until the nearest timer deadline,
// or -1 when no timer is armed.
func (r *Reactor) pollTimeout() int {
	var nearest time.Time
	for _, t := range r.timers {
		if !t.active {
			continue
		}
		if nearest.IsZero() || t.deadline.Before(nearest) {
			nearest = t.deadline
		}
	}
	if nearest.IsZero() {
		return -1
	}
	ms := time.Until(nearest).Milliseconds()
	if ms < 0 {
		return 0
	}
	// A deadline a fraction of a millisecond away must not truncate to a
	// busy-looping zero wait.
	return int(ms) + 1
}

func (r *Reactor) fireTimers(now time.Time) {
	for _, t := range r.timers {
		if t.active && !t.deadline.After(now) {
			t.active = false
			t.fn()
		}
	}
}

// ReactorTimer is a restartable single-shot timer whose callback runs on
// the loop goroutine. It satisfies the timer contract of the input mapper.
type ReactorTimer struct {
	r        *Reactor
	fn       func()
	deadline time.Time
	active   bool
}

// NewTimer registers a timer with callback fn. Timers are never removed;
// services create a fixed set at startup.
func (r *Reactor) NewTimer(fn func()) *ReactorTimer {
	t := &ReactorTimer{r: r, fn: fn}
	r.timers = append(r.timers, t)
	return t
}

// Start arms the timer d from now, restarting it if already armed. Must be
// called on the loop goroutine.
func (t *ReactorTimer) Start(d time.Duration) {
	t.deadline = time.Now().Add(d)
	t.active = true
}

func (t *ReactorTimer) Stop() {
	t.active = false
}
