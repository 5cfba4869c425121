package quota

import (
	"context"
	"sync"
	"time"
)

// CounterStore is the persistence behind the ledger: an atomic
// increment-with-expiry on a named bucket.
//
// Implementations must apply the increment and read the total in one step so
// concurrent consumers cannot both observe a count under the limit. The ttl
// fixes the bucket's expiry on first touch; later increments must not extend
// it.
type CounterStore interface {
	IncrWithExpiry(ctx context.Context, bucket string, cost int64, ttl time.Duration) (count int64, expiresAt time.Time, err error)
}

const (
	memoryPurgeInterval = 5 * time.Minute
)

type memCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process CounterStore for tests and single-node dev
// runs. Expired buckets are purged inline during IncrWithExpiry calls.
// Safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]*memCounter
	lastPurge time.Time
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:  make(map[string]*memCounter),
		lastPurge: time.Now(),
		now:       time.Now,
	}
}

// IncrWithExpiry adds cost to the bucket and returns the new total. A bucket
// seen for the first time (or one whose expiry passed) starts at cost with
// expiry now+ttl.
func (s *MemoryStore) IncrWithExpiry(_ context.Context, bucket string, cost int64, ttl time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if now.Sub(s.lastPurge) > memoryPurgeInterval {
		for k, c := range s.counters {
			if now.After(c.expiresAt) {
				delete(s.counters, k)
			}
		}
		s.lastPurge = now
	}

	c, ok := s.counters[bucket]
	if !ok || now.After(c.expiresAt) {
		c = &memCounter{count: cost, expiresAt: now.Add(ttl)}
		s.counters[bucket] = c
		return c.count, c.expiresAt, nil
	}

	c.count += cost
	return c.count, c.expiresAt, nil
}

// Len reports the number of live buckets. Test hook.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
