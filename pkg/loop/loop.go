// Package loop implements the owner's cooperative event loop.
//
// The owner of a bridge runs a single foreground goroutine that executes
// three kinds of work:
//
//   - Requests: functions posted from any goroutine with Post
//   - Timers: functions scheduled with After, fired by one dedicated timer
//     goroutine that only posts them as requests
//   - Events: values produced by the server (open, message, close) and
//     delivered to the handler passed to New
//
// Nothing runs in parallel with the handler, so owner state needs no locks
// as long as it is only touched from inside the loop. When there is no work
// the loop blocks until a producer signals.
package loop

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Loop is the owner's event loop.
type Loop[E any] struct {
	requests *Queue[func()]
	events   *Queue[E]
	handle   func(E)
	timers   *timers
	logger   *slog.Logger
}

// Option configures a Loop.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a loop that delivers values from events to handle.
func New[E any](events *Queue[E], handle func(E), opts ...Option) *Loop[E] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Loop[E]{
		requests: NewQueue[func()](),
		events:   events,
		handle:   handle,
		logger:   o.logger.With("component", "loop"),
	}
	l.timers = newTimers(l.requests.Push)
	return l
}

// Post schedules fn on the loop goroutine. It returns false after the loop
// has stopped.
func (l *Loop[E]) Post(fn func()) bool {
	return l.requests.Push(fn)
}

// After schedules fn to run on the loop goroutine once d has elapsed.
func (l *Loop[E]) After(d time.Duration, fn func()) TimerID {
	return l.timers.add(d, fn)
}

// Cancel stops a timer. It returns false if the timer already fired or was
// cancelled.
func (l *Loop[E]) Cancel(id TimerID) bool {
	return l.timers.cancel(id)
}

// PendingTimers returns the number of timers that have not fired.
func (l *Loop[E]) PendingTimers() int {
	return l.timers.pending()
}

// Run processes work until ctx ends or the event queue is closed and fully
// drained. It returns nil in the latter case and ctx.Err() otherwise.
func (l *Loop[E]) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer l.requests.Close()

	go l.timers.run(ctx)

	for {
		reqs := l.requests.Drain()
		for _, fn := range reqs {
			l.safeRun(fn)
		}

		evs := l.events.Drain()
		for _, ev := range evs {
			l.safeRun(func() { l.handle(ev) })
		}

		if len(reqs) > 0 || len(evs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if l.events.Closed() && l.events.Len() == 0 && l.requests.Len() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.requests.Notify():
		case <-l.events.Notify():
		case <-l.events.Done():
		}
	}
}

// safeRun executes fn, recovering panics so one bad callback does not end
// the loop.
func (l *Loop[E]) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
