package poller

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the advisory view of where a job currently is. It is never
// consulted for settlement decisions; the job record is the authority.
type Snapshot struct {
	JobID      uuid.UUID `json:"job_id"`
	Percent    int       `json:"percent"`
	Message    string    `json:"message"`
	ObservedAt time.Time `json:"observed_at"`
}

// Cache holds per-job progress snapshots in process memory. Entries survive
// a short grace period after terminal state so racing status queries still
// see the final percent, then get dropped to bound memory.
type Cache struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID]Snapshot
	retention time.Duration
}

// NewCache creates a progress cache whose released entries linger for the
// given retention window.
func NewCache(retention time.Duration) *Cache {
	return &Cache{
		entries:   make(map[uuid.UUID]Snapshot),
		retention: retention,
	}
}

// Update overwrites the snapshot for a job with a fresh observation.
func (c *Cache) Update(jobID uuid.UUID, percent int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobID] = Snapshot{
		JobID:      jobID,
		Percent:    clampPercent(percent),
		Message:    message,
		ObservedAt: time.Now().UTC(),
	}
}

// Get returns the current snapshot for a job, if one exists.
func (c *Cache) Get(jobID uuid.UUID) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot, ok := c.entries[jobID]
	return snapshot, ok
}

// Release schedules removal of a job's snapshot after the retention window.
func (c *Cache) Release(jobID uuid.UUID) {
	if c.retention <= 0 {
		c.Drop(jobID)
		return
	}
	time.AfterFunc(c.retention, func() {
		c.Drop(jobID)
	})
}

// Drop removes a job's snapshot immediately.
func (c *Cache) Drop(jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
}

// Len reports the number of live snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
