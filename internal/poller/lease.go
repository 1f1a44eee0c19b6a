package poller

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLeaseTTL = 2 * time.Minute

type leaseStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	LeaseKey(name string) string
}

// JobLeases hands out short-lived per-job poll leases in redis. The
// supervisor's in-memory registry deduplicates pollers inside one process;
// the lease deduplicates across the api and worker processes sweeping the
// same jobs table. The TTL bounds how long a crashed holder blocks a
// takeover.
type JobLeases struct {
	store leaseStore
	ttl   time.Duration
	owner string
}

// NewJobLeases builds a lease registry over the given store.
func NewJobLeases(store leaseStore, ttl time.Duration) (*JobLeases, error) {
	if store == nil {
		return nil, errors.New("lease store required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &JobLeases{store: store, ttl: ttl, owner: uuid.NewString()}, nil
}

// Acquire claims the lease for a job. It reports false when another holder
// already has it.
func (l *JobLeases) Acquire(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return l.store.SetNX(ctx, l.key(jobID), l.owner, l.ttl)
}

// Refresh extends the lease while the poller is still working.
func (l *JobLeases) Refresh(ctx context.Context, jobID uuid.UUID) error {
	return l.store.Set(ctx, l.key(jobID), l.owner, l.ttl)
}

// Release drops the lease so another process may pick the job up. The owner
// check keeps a holder whose lease expired from deleting a successor's.
func (l *JobLeases) Release(ctx context.Context, jobID uuid.UUID) error {
	key := l.key(jobID)
	value, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if value != l.owner {
		return nil
	}
	return l.store.Del(ctx, key)
}

// TTL reports the lease duration.
func (l *JobLeases) TTL() time.Duration {
	return l.ttl
}

func (l *JobLeases) key(jobID uuid.UUID) string {
	return l.store.LeaseKey(jobID.String())
}
