package transaction

import (
	"context"

	"github.com/ChuLiYu/unitman/internal/job"
	"github.com/ChuLiYu/unitman/internal/registry"
)

// Scheduler drains the run queue by calling job.Manager.Run on each head.
// Run itself re-checks runnability and redundancy, so a job popped here that
// isn't ready yet is simply dropped from the queue until some other wake
// (a neighbor finishing, a fresh Install) re-enqueues it.
type Scheduler struct {
	queue *Queue
	jobs  *job.Manager
	reg   *registry.Registry
}

func NewScheduler(queue *Queue, jobs *job.Manager, reg *registry.Registry) *Scheduler {
	return &Scheduler{queue: queue, jobs: jobs, reg: reg}
}

// Drain runs every job currently in the queue once, continuing to pop
// until the queue reports empty (a job's own Run may re-enqueue it or
// wake neighbors that enqueue further work, so this isn't a fixed
// snapshot pass).
func (s *Scheduler) Drain() {
	for {
		id, ok := s.queue.Pop()
		if !ok {
			return
		}
		j, ok := s.jobs.Lookup(id)
		if !ok {
			continue
		}
		u, ok := s.reg.Lookup(j.Unit)
		if !ok {
			continue
		}
		s.jobs.Run(u)
	}
}

// RunLoop drives Drain off the queue's wake event until ctx is canceled —
// the single-threaded cooperative event loop's scheduling half.
func (s *Scheduler) RunLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Wake():
			s.Drain()
		}
	}
}
