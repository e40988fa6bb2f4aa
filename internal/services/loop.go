// Package services runs the background loops that drive projects through the
// pipeline: analysis, execution, monitoring, and failure recovery. Each loop
// ticks on its own interval and skips a tick when the previous cycle is
// still running.
package services

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// loop runs fn on a fixed interval until ctx is canceled. A cycle still in
// flight when the ticker fires causes that tick to be skipped rather than
// stacking cycles. A panic inside fn is contained to that cycle.
type loop struct {
	name         string
	interval     time.Duration
	initialDelay time.Duration
	fn           func(ctx context.Context)

	busy atomic.Bool
}

func (l *loop) run(ctx context.Context) {
	if l.initialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.initialDelay):
		}
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// First cycle fires immediately after the delay rather than waiting a
	// full interval.
	l.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *loop) tick(ctx context.Context) {
	if !l.busy.CompareAndSwap(false, true) {
		log.Printf("[%s] previous cycle still running, skipping tick", l.name)
		return
	}
	go func() {
		defer l.busy.Store(false)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[%s] cycle panicked: %v", l.name, r)
			}
		}()
		l.fn(ctx)
	}()
}
