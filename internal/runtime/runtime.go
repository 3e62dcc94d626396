package runtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/retrieval"
	"github.com/untoldecay/engram/internal/storage"
)

// Runtime bundles the long-lived coordinators behind a single lifecycle.
type Runtime struct {
	Lanes        *WriteLanes
	Worker       *IndexWorker
	Cache        *SessionCache
	Flush        *FlushTracker
	Decay        *DecayCoordinator
	Reviews      *ReviewCoordinator
	Consolidator *Consolidator
	Scheduler    *SleepScheduler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New wires the coordinators. Start must be called before background work
// happens; until then everything is usable synchronously.
func New(store storage.Store, engine *retrieval.Engine, logger *zap.Logger) *Runtime {
	worker := NewIndexWorker(engine, logger)
	consolidator := NewConsolidator(store, engine, logger)
	worker.SetSleepFunc(consolidator.Run)

	return &Runtime{
		Lanes:        NewWriteLanes(logger),
		Worker:       worker,
		Cache:        NewSessionCache(),
		Flush:        NewFlushTracker(),
		Decay:        NewDecayCoordinator(store, logger),
		Reviews:      NewReviewCoordinator(store, logger),
		Consolidator: consolidator,
		Scheduler:    NewSleepScheduler(worker, logger),
	}
}

// Start launches the worker and the sleep scheduler. Safe to call once.
func (r *Runtime) Start(parent context.Context) {
	r.once.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		r.cancel = cancel

		if r.Worker.Enabled() {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.Worker.Run(ctx)
			}()
		}
		if r.Scheduler.Enabled() {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.Scheduler.Run(ctx)
			}()
		}
	})
}

// Shutdown stops background work and waits for it to finish.
func (r *Runtime) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
