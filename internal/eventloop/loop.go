// Package eventloop runs protocol operations on a single dedicated goroutine.
//
// MCP sessions share one ordered stream per process, so every operation that
// touches a session is funneled through exactly one Loop. Callers on any
// goroutine submit an operation and block until its result is available:
//
//	loop := eventloop.New(logger)
//	defer loop.Close(time.Second)
//
//	tools, err := eventloop.Do(ctx, loop, func(ctx context.Context) ([]string, error) {
//	    return session.ListTools(ctx)
//	})
//
// Operations run to completion one at a time, in the order the loop receives
// them. Two submissions from the same goroutine are therefore observed in
// submission order. An operation that itself submits work (using the context it
// was given) runs that work inline instead of deadlocking.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when work is submitted to a closed loop.
var ErrClosed = errors.New("eventloop: closed")

// Op is a unit of work executed on the loop goroutine.
type Op func(ctx context.Context) (any, error)

type loopKey struct{}

type outcome struct {
	value any
	err   error
}

type request struct {
	ctx   context.Context
	op    Op
	reply chan outcome
}

// Loop owns the single goroutine that executes submitted operations.
type Loop struct {
	logger   *slog.Logger
	requests chan *request
	quit     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	executed  atomic.Int64
}

// New starts a loop goroutine. The goroutine lives until Close is called.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger:   logger.With("component", "eventloop"),
		requests: make(chan *request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// Submit runs op on the loop goroutine and blocks until it completes.
//
// The context is passed to op and only governs queueing: once the loop has
// accepted the operation the caller waits for its outcome. There is no way to
// abort an operation that is already running.
func (l *Loop) Submit(ctx context.Context, op Op) (any, error) {
	return l.submit(ctx, op, false)
}

// TrySubmit is Submit for callers that cannot wait forever. When ctx is done
// before op finishes, TrySubmit returns ctx.Err() and op keeps running on the
// loop; its result is dropped.
func (l *Loop) TrySubmit(ctx context.Context, op Op) (any, error) {
	return l.submit(ctx, op, true)
}

func (l *Loop) submit(ctx context.Context, op Op, detach bool) (any, error) {
	if op == nil {
		return nil, fmt.Errorf("eventloop: nil operation")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if l.owns(ctx) {
		return l.execute(ctx, op)
	}

	req := &request{ctx: ctx, op: op, reply: make(chan outcome, 1)}
	select {
	case <-l.quit:
		return nil, ErrClosed
	default:
	}
	select {
	case l.requests <- req:
	case <-l.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !detach {
		out := <-req.reply
		return out.value, out.err
	}
	select {
	case out := <-req.reply:
		return out.value, out.err
	case <-ctx.Done():
		l.logger.Warn("stopped waiting for operation", "error", ctx.Err())
		return nil, ctx.Err()
	}
}

// Do is the typed form of Submit.
func Do[T any](ctx context.Context, l *Loop, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	value, err := l.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	typed, ok := value.(T)
	if !ok {
		return zero, err
	}
	return typed, err
}

// InLoop reports whether ctx was handed out by this loop to a running operation.
func (l *Loop) InLoop(ctx context.Context) bool {
	return ctx != nil && l.owns(ctx)
}

// Executed returns the number of operations run so far.
func (l *Loop) Executed() int64 {
	return l.executed.Load()
}

// Close stops accepting work, lets the goroutine finish queued operations and
// waits up to wait for it to exit. A zero or negative wait blocks until exit.
// It returns false when the goroutine did not exit in time and was abandoned.
// Close is idempotent.
func (l *Loop) Close(wait time.Duration) bool {
	l.closeOnce.Do(func() {
		close(l.quit)
	})

	if wait <= 0 {
		<-l.done
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-l.done:
		return true
	case <-timer.C:
		l.logger.Warn("event loop did not stop in time, abandoning goroutine", "wait", wait)
		return false
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) owns(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case req := <-l.requests:
			l.handle(req)
		case <-l.quit:
			// Senders already blocked on the channel still get an answer.
			for {
				select {
				case req := <-l.requests:
					l.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) handle(req *request) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- outcome{err: err}
		return
	}
	value, err := l.execute(context.WithValue(req.ctx, loopKey{}, l), req.op)
	req.reply <- outcome{value: value, err: err}
}

func (l *Loop) execute(ctx context.Context, op Op) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("operation panicked", "panic", r)
			value = nil
			err = fmt.Errorf("eventloop: operation panicked: %v", r)
		}
	}()
	l.executed.Add(1)
	return op(ctx)
}
