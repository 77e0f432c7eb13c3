package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "postbot/pkg/logx"
)

// Supervisor runs named background goroutines under a shared context with
// panic recovery and graceful, timeout-aware shutdown. The engine's long
// loops (config watcher, reload consumer, alert consumer) run under one.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	active   int64
	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		doneCh: make(chan struct{}),
	}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

// Active reports the number of goroutines currently running.
func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

// Err returns the first error recorded by any supervised goroutine.
func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// Go runs fn under the supervisor context. A panic is recovered and recorded
// as the goroutine's error instead of crashing the process.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panicked",
					logx.String("name", name), logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
				s.setErr(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Go0 is Go for functions that don't return an error.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart runs fn and restarts it with jittered exponential backoff when it
// returns an error or panics, until the context is cancelled. Meant for long
// loops (watchers, consumers) where transient failures should self-heal. A
// clean nil return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	const (
		backoffMin = 250 * time.Millisecond
		backoffMax = 30 * time.Second
	)
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := backoffMin
		for ctx.Err() == nil {
			startedAt := time.Now()

			err, pan, stack := func() (err error, pan any, stack string) {
				defer func() {
					if r := recover(); r != nil {
						pan = r
						stack = string(debug.Stack())
					}
				}()
				err = fn(ctx)
				return
			}()

			if pan != nil {
				s.log.Error("goroutine panicked, restarting",
					logx.String("name", name), logx.Any("panic", pan), logx.String("stack", stack))
				err = fmt.Errorf("panic: %v", pan)
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || err == nil {
				return
			}

			// A loop that ran for a while before failing gets a fresh backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = backoffMin
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if backoff *= 2; backoff > backoffMax {
				backoff = backoffMax
			}
		}
	})
}

// Stop cancels the context and waits for all goroutines, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
