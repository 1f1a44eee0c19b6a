package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starforgehq/starforge-backend/internal/jobs"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
)

const defaultPendingGrace = 5 * time.Minute

// Supervisor guarantees at most one active poller per job and reattaches
// pollers to jobs that were running when the process last stopped. The
// in-memory registry deduplicates within this process; the optional lease
// registry deduplicates across processes sweeping the same jobs table.
type Supervisor struct {
	mu     sync.Mutex
	active map[uuid.UUID]struct{}
	wg     sync.WaitGroup

	poller  *Poller
	repo    jobs.Repository
	settler Settler
	leases  *JobLeases
	logger  *logger.Logger
}

// NewSupervisor builds a supervisor around the given poller. A nil lease
// registry limits deduplication to this process.
func NewSupervisor(p *Poller, repo jobs.Repository, settler Settler, leases *JobLeases, logg *logger.Logger) *Supervisor {
	return &Supervisor{
		active:  make(map[uuid.UUID]struct{}),
		poller:  p,
		repo:    repo,
		settler: settler,
		leases:  leases,
		logger:  logg,
	}
}

// Attach starts a poller goroutine for the job unless one is already
// running here or, when a lease registry is configured, in another process.
// It returns whether a new poller was started.
func (s *Supervisor) Attach(ctx context.Context, jobID uuid.UUID, externalRequestID string) bool {
	s.mu.Lock()
	if _, running := s.active[jobID]; running {
		s.mu.Unlock()
		return false
	}
	s.active[jobID] = struct{}{}
	s.mu.Unlock()

	if s.leases != nil {
		held, err := s.leases.Acquire(ctx, jobID)
		if err != nil {
			// duplicate polling is harmless, the settlement transition is a
			// compare-and-swap; a job nobody polls is not, so a broken lease
			// store never blocks attaching
			s.logger.Error(s.logger.WithJobID(ctx, jobID.String()), "acquiring poll lease", err)
		} else if !held {
			s.release(jobID)
			return false
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(jobID)
		if s.leases != nil {
			stop := s.keepLease(ctx, jobID)
			defer stop()
		}
		s.poller.Run(ctx, jobID, externalRequestID)
	}()
	return true
}

// Resume reattaches pollers to jobs still marked running in storage. The
// durable record decides what is active; in-memory state from before the
// restart is gone and not trusted. Jobs already finalized get no poller.
func (s *Supervisor) Resume(ctx context.Context, batchSize int) error {
	running, err := s.repo.ListByState(ctx, enums.JobStateRunning, batchSize)
	if err != nil {
		return err
	}

	for _, job := range running {
		jobCtx := s.logger.WithJobID(ctx, job.ID.String())
		if job.ExternalRequestID == nil || *job.ExternalRequestID == "" {
			// running with no provider reference can never finish; settle
			// it as failed so the account gets its refund
			s.logger.Warn(jobCtx, "running job has no external request id, failing it")
			if err := s.settler.FailJob(jobCtx, job.ID, "lost provider reference"); err != nil {
				s.logger.Error(jobCtx, "failing orphaned job", err)
			}
			continue
		}
		if s.Attach(ctx, job.ID, *job.ExternalRequestID) {
			s.logger.Info(jobCtx, "resumed polling for running job")
		}
	}
	return nil
}

// SweepStalePending fails jobs that were charged but never left pending.
// They hold no provider reference, so no poller will ever settle them; the
// grace period keeps jobs that are mid-start out of the sweep.
func (s *Supervisor) SweepStalePending(ctx context.Context, grace time.Duration, batchSize int) error {
	if grace <= 0 {
		grace = defaultPendingGrace
	}
	stale, err := s.repo.ListStalePending(ctx, time.Now().UTC().Add(-grace), batchSize)
	if err != nil {
		return err
	}

	for _, job := range stale {
		jobCtx := s.logger.WithJobID(ctx, job.ID.String())
		s.logger.Warn(jobCtx, "job stuck in pending past grace period, failing it")
		if err := s.settler.FailJob(jobCtx, job.ID, "job never started"); err != nil {
			if pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
				// another process finalized it between the listing and here
				continue
			}
			s.logger.Error(jobCtx, "failing stale pending job", err)
		}
	}
	return nil
}

// ActiveCount reports how many pollers are currently attached.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until every attached poller has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// keepLease refreshes the poll lease until the returned stop function runs,
// then releases it.
func (s *Supervisor) keepLease(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.leases.TTL() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.leases.Refresh(ctx, jobID); err != nil {
					s.logger.Error(s.logger.WithJobID(ctx, jobID.String()), "refreshing poll lease", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		if err := s.leases.Release(context.WithoutCancel(ctx), jobID); err != nil {
			s.logger.Error(s.logger.WithJobID(ctx, jobID.String()), "releasing poll lease", err)
		}
	}
}

func (s *Supervisor) release(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}
