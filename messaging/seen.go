package messaging

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/opd-ai/meshcore/crypto"
)

const (
	// DefaultSeenCapacity bounds the number of remembered message ids.
	DefaultSeenCapacity = 4096

	// DefaultSeenRetention is how long a message id is remembered.
	DefaultSeenRetention = 10 * time.Minute

	seenFalsePositiveRate = 0.001
)

type seenEntry struct {
	id string
	at time.Time
}

// SeenSet is a bounded set of recently seen message ids. Ids leave the set
// when they are older than the retention period or when the set is full and
// they are the oldest. A bloom filter in front of the exact index answers
// most lookups for new ids without touching the map.
type SeenSet struct {
	mu           sync.Mutex
	capacity     int
	retention    time.Duration
	filter       *bloom.BloomFilter
	index        map[string]time.Time
	order        []seenEntry
	head         int
	stale        int
	timeProvider crypto.TimeProvider
}

// NewSeenSet creates a set holding at most capacity ids for at most
// retention. Non-positive values select the defaults.
func NewSeenSet(capacity int, retention time.Duration) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	if retention <= 0 {
		retention = DefaultSeenRetention
	}
	return &SeenSet{
		capacity:     capacity,
		retention:    retention,
		filter:       bloom.NewWithEstimates(uint(capacity), seenFalsePositiveRate),
		index:        make(map[string]time.Time, capacity),
		timeProvider: crypto.DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the clock used to expire ids.
func (s *SeenSet) SetTimeProvider(tp crypto.TimeProvider) {
	s.mu.Lock()
	s.timeProvider = crypto.OrDefault(tp)
	s.mu.Unlock()
}

// MarkSeen records id and reports whether it was not already in the set.
func (s *SeenSet) MarkSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now()
	s.expire(now)

	if s.filter.TestString(id) {
		if _, ok := s.index[id]; ok {
			return false
		}
	}

	s.index[id] = now
	s.order = append(s.order, seenEntry{id: id, at: now})
	s.filter.AddString(id)

	for len(s.index) > s.capacity {
		s.evictOldest()
	}
	s.compact()
	return true
}

// Contains reports whether id is in the set.
func (s *SeenSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(s.timeProvider.Now())
	if !s.filter.TestString(id) {
		return false
	}
	_, ok := s.index[id]
	return ok
}

// Len returns the number of remembered ids.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(s.timeProvider.Now())
	return len(s.index)
}

// Clear forgets every id.
func (s *SeenSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filter.ClearAll()
	s.index = make(map[string]time.Time, s.capacity)
	s.order = nil
	s.head = 0
	s.stale = 0
}

// expire drops ids older than the retention period. order is sorted by
// insertion time, so expired ids form a prefix.
func (s *SeenSet) expire(now time.Time) {
	for s.head < len(s.order) && now.Sub(s.order[s.head].at) >= s.retention {
		s.evictOldest()
	}
}

func (s *SeenSet) evictOldest() {
	if s.head >= len(s.order) {
		return
	}
	delete(s.index, s.order[s.head].id)
	s.order[s.head] = seenEntry{}
	s.head++
	s.stale++
}

// compact reclaims the consumed prefix of order and rebuilds the filter once
// it holds as many removed ids as the capacity.
func (s *SeenSet) compact() {
	if s.head > len(s.order)/2 {
		s.order = append([]seenEntry(nil), s.order[s.head:]...)
		s.head = 0
	}
	if s.stale >= s.capacity {
		s.filter.ClearAll()
		for id := range s.index {
			s.filter.AddString(id)
		}
		s.stale = 0
	}
}
