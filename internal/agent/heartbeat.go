package agent

import (
	"context"
	"sync"
	"time"
)

// Runner renews one lease in the background while the caller works on the
// item. Beat reports whether the lease is still held; a definitive false
// stops the runner and fires OnLost, because continuing to work on a lost
// lease risks duplicate side effects. Transient Beat errors do not stop the
// runner; the lease survives until the pool's timeout, so the next tick gets
// another chance.
type Runner struct {
	Interval time.Duration
	Beat     func(ctx context.Context) (bool, error)
	OnLost   func()
	OnError  func(error)

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (r *Runner) Start(ctx context.Context) {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			held, err := r.Beat(ctx)
			if err != nil {
				if r.OnError != nil {
					r.OnError(err)
				}
				continue
			}
			if !held {
				if r.OnLost != nil {
					r.OnLost()
				}
				return
			}
		}
	}
}

// Stop halts renewals and waits for the loop to exit. Safe to call more than
// once and after the runner stopped itself.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
