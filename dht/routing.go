package dht

import (
	"container/heap"
	"sync"
	"time"

	"github.com/opd-ai/meshcore/crypto"
)

const (
	// BucketCount is the number of k-buckets, one per bit of the id space.
	BucketCount = crypto.NodeIDBits

	// DefaultBucketSize is K, the capacity of each k-bucket.
	DefaultBucketSize = 20
)

// bucketEntry pairs a peer record with its insertion sequence number, which
// breaks distance ties in favour of the earlier insertion.
type bucketEntry struct {
	peer Peer
	seq  uint64
}

// kBucket holds the peers sharing one distance-prefix length, ordered from
// least to most recently seen. It is guarded by the RoutingTable's lock.
type kBucket struct {
	entries []bucketEntry
	maxSize int
}

func newKBucket(maxSize int) *kBucket {
	return &kBucket{
		entries: make([]bucketEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

func (kb *kBucket) find(id crypto.NodeID) int {
	for i := range kb.entries {
		if kb.entries[i].peer.ID == id {
			return i
		}
	}
	return -1
}

// touch moves entry i to the most recently seen end.
func (kb *kBucket) touch(i int) {
	entry := kb.entries[i]
	kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
	kb.entries = append(kb.entries, entry)
}

func (kb *kBucket) remove(i int) Peer {
	removed := kb.entries[i].peer
	kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
	return removed
}

func (kb *kBucket) full() bool {
	return len(kb.entries) >= kb.maxSize
}

// evictionCandidate picks the least recently seen peer, preferring peers
// without an active connection.
func (kb *kBucket) evictionCandidate() int {
	best, bestIdle := -1, -1
	for i := range kb.entries {
		p := &kb.entries[i].peer
		if best == -1 || p.LastSeen.Before(kb.entries[best].peer.LastSeen) {
			best = i
		}
		if !p.IsConnected && (bestIdle == -1 || p.LastSeen.Before(kb.entries[bestIdle].peer.LastSeen)) {
			bestIdle = i
		}
	}
	if bestIdle != -1 {
		return bestIdle
	}
	return best
}

func (kb *kBucket) snapshot() []Peer {
	result := make([]Peer, len(kb.entries))
	for i := range kb.entries {
		result[i] = kb.entries[i].peer
	}
	return result
}

// AddResult describes the effect of RoutingTable.AddPeer.
type AddResult struct {
	// Added is true when a new record was created.
	Added bool
	// Updated is true when an existing record was refreshed.
	Updated bool
	// Evicted is the peer displaced from a full bucket, if any.
	Evicted *Peer
}

// TableStats summarizes the occupancy of a routing table.
type TableStats struct {
	TotalPeers        int
	ActiveBuckets     int
	AverageBucketSize float64
}

// RoutingTable owns the known peers, organized into k-buckets by XOR distance
// from the local id. All methods are safe for concurrent use; mutations are
// serialized and reads return point-in-time copies.
type RoutingTable struct {
	buckets      [BucketCount]*kBucket
	index        map[crypto.NodeID]int
	localID      crypto.NodeID
	bucketSize   int
	nextSeq      uint64
	timeProvider crypto.TimeProvider
	mu           sync.RWMutex

	hookMu     sync.RWMutex
	departures []DepartureFunc
}

// DepartureFunc is called after a peer leaves the routing table. reason is
// "evicted" or "removed".
type DepartureFunc func(p Peer, reason string)

// NewRoutingTable creates an empty routing table for localID. A bucketSize of
// zero or less selects DefaultBucketSize.
func NewRoutingTable(localID crypto.NodeID, bucketSize int) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}

	rt := &RoutingTable{
		index:        make(map[crypto.NodeID]int),
		localID:      localID,
		bucketSize:   bucketSize,
		timeProvider: crypto.DefaultTimeProvider{},
	}
	for i := 0; i < BucketCount; i++ {
		rt.buckets[i] = newKBucket(bucketSize)
	}
	return rt
}

// SetTimeProvider replaces the clock used to stamp LastSeen.
func (rt *RoutingTable) SetTimeProvider(tp crypto.TimeProvider) {
	rt.mu.Lock()
	rt.timeProvider = crypto.OrDefault(tp)
	rt.mu.Unlock()
}

// OnDeparture registers fn to run synchronously, outside the table lock,
// whenever a peer is evicted or removed.
func (rt *RoutingTable) OnDeparture(fn DepartureFunc) {
	if fn == nil {
		return
	}
	rt.hookMu.Lock()
	rt.departures = append(rt.departures, fn)
	rt.hookMu.Unlock()
}

func (rt *RoutingTable) departed(p Peer, reason string) {
	rt.hookMu.RLock()
	hooks := rt.departures
	rt.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(p, reason)
	}
}

// Now returns the time according to the table's clock.
func (rt *RoutingTable) Now() time.Time {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.timeProvider.Now()
}

// LocalID returns the id the table measures distances from.
func (rt *RoutingTable) LocalID() crypto.NodeID {
	return rt.localID
}

// BucketSize returns K.
func (rt *RoutingTable) BucketSize() int {
	return rt.bucketSize
}

// BucketIndex returns the bucket a peer with the given id belongs in: the
// position of the highest set bit of xor(localID, id), 0 for equal ids.
func (rt *RoutingTable) BucketIndex(id crypto.NodeID) int {
	return getBucketIndex(rt.localID.Xor(id))
}

// getBucketIndex maps a distance to its bucket.
func getBucketIndex(distance crypto.NodeID) int {
	n := distance.BitLen()
	if n == 0 {
		return 0
	}
	return n - 1
}

// AddPeer inserts a peer or, if it is already known, refreshes its LastSeen
// and any non-empty address or key. When the target bucket is full the least
// recently seen peer is evicted and returned in the result.
func (rt *RoutingTable) AddPeer(p Peer) (AddResult, error) {
	result, err := rt.addPeer(p)
	if result.Evicted != nil {
		rt.departed(*result.Evicted, "evicted")
	}
	return result, err
}

func (rt *RoutingTable) addPeer(p Peer) (AddResult, error) {
	if p.ID.IsZero() {
		return AddResult{}, ErrInvalidPeer
	}
	if p.ID == rt.localID {
		return AddResult{}, ErrLocalPeer
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.timeProvider.Now()

	if idx, ok := rt.index[p.ID]; ok {
		kb := rt.buckets[idx]
		i := kb.find(p.ID)
		existing := &kb.entries[i].peer
		existing.LastSeen = now
		if p.Address != "" {
			existing.Address = p.Address
		}
		if p.PublicKey != "" {
			existing.PublicKey = p.PublicKey
		}
		kb.touch(i)
		return AddResult{Updated: true}, nil
	}

	idx := rt.BucketIndex(p.ID)
	kb := rt.buckets[idx]

	var result AddResult
	if kb.full() {
		evicted := kb.remove(kb.evictionCandidate())
		delete(rt.index, evicted.ID)
		result.Evicted = &evicted
	}

	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}
	p.Reliability = clampUnit(p.Reliability)
	p.IsConnected = false

	kb.entries = append(kb.entries, bucketEntry{peer: p, seq: rt.nextSeq})
	rt.nextSeq++
	rt.index[p.ID] = idx

	result.Added = true
	return result, nil
}

// RemovePeer removes the peer with the given id. It is a no-op when absent.
func (rt *RoutingTable) RemovePeer(id crypto.NodeID) (Peer, bool) {
	removed, ok := rt.removePeer(id)
	if ok {
		rt.departed(removed, "removed")
	}
	return removed, ok
}

func (rt *RoutingTable) removePeer(id crypto.NodeID) (Peer, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx, ok := rt.index[id]
	if !ok {
		return Peer{}, false
	}

	kb := rt.buckets[idx]
	removed := kb.remove(kb.find(id))
	delete(rt.index, id)
	return removed, true
}

// GetPeer returns a copy of the peer with the given id.
func (rt *RoutingTable) GetPeer(id crypto.NodeID) (Peer, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	idx, ok := rt.index[id]
	if !ok {
		return Peer{}, false
	}
	kb := rt.buckets[idx]
	return kb.entries[kb.find(id)].peer, true
}

// HasPeer reports whether the id is in the table.
func (rt *RoutingTable) HasPeer(id crypto.NodeID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	_, ok := rt.index[id]
	return ok
}

// UpdatePeer applies fn to the stored record of id. fn must not retain the
// pointer; the id cannot be changed.
func (rt *RoutingTable) UpdatePeer(id crypto.NodeID, fn func(p *Peer)) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx, ok := rt.index[id]
	if !ok {
		return &PeerError{Op: "update", PeerID: id, Err: ErrPeerNotFound}
	}

	kb := rt.buckets[idx]
	entry := &kb.entries[kb.find(id)]
	updated := entry.peer
	fn(&updated)
	updated.ID = id
	updated.Reliability = clampUnit(updated.Reliability)
	entry.peer = updated
	return nil
}

// Touch marks the peer as seen now and moves it to the most recently seen
// end of its bucket. It reports whether the peer was known.
func (rt *RoutingTable) Touch(id crypto.NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx, ok := rt.index[id]
	if !ok {
		return false
	}
	kb := rt.buckets[idx]
	i := kb.find(id)
	kb.entries[i].peer.LastSeen = rt.timeProvider.Now()
	kb.touch(i)
	return true
}

// GetAllPeers returns a snapshot of every peer, in no particular order.
func (rt *RoutingTable) GetAllPeers() []Peer {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	all := make([]Peer, 0, len(rt.index))
	for _, kb := range rt.buckets {
		for i := range kb.entries {
			all = append(all, kb.entries[i].peer)
		}
	}
	return all
}

// GetPeersFromBucket returns a snapshot of one bucket, least recently seen
// first. Indices outside [0, BucketCount) yield an empty slice.
func (rt *RoutingTable) GetPeersFromBucket(index int) []Peer {
	if index < 0 || index >= BucketCount {
		return []Peer{}
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	return rt.buckets[index].snapshot()
}

// Len returns the number of peers in the table.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.index)
}

// Stats summarizes bucket occupancy. AverageBucketSize is taken over the
// non-empty buckets.
func (rt *RoutingTable) Stats() TableStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var stats TableStats
	for _, kb := range rt.buckets {
		if n := len(kb.entries); n > 0 {
			stats.ActiveBuckets++
			stats.TotalPeers += n
		}
	}
	if stats.ActiveBuckets > 0 {
		stats.AverageBucketSize = float64(stats.TotalPeers) / float64(stats.ActiveBuckets)
	}
	return stats
}

// ActiveBucketIndices returns the indices of the non-empty buckets.
func (rt *RoutingTable) ActiveBucketIndices() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var active []int
	for i, kb := range rt.buckets {
		if len(kb.entries) > 0 {
			active = append(active, i)
		}
	}
	return active
}

// Clear removes every peer. Departure hooks see each as removed.
func (rt *RoutingTable) Clear() {
	rt.mu.Lock()
	var removed []Peer
	for i := range rt.buckets {
		removed = append(removed, rt.buckets[i].snapshot()...)
		rt.buckets[i] = newKBucket(rt.bucketSize)
	}
	rt.index = make(map[crypto.NodeID]int)
	rt.mu.Unlock()

	for _, p := range removed {
		rt.departed(p, "removed")
	}
}

// peerHeap implements heap.Interface for finding closest peers efficiently.
// It's a max-heap on distance, so the root is the farthest peer kept so far.
type peerHeap struct {
	entries   []bucketEntry
	distances []crypto.NodeID
	target    crypto.NodeID
}

func (h *peerHeap) Len() int { return len(h.entries) }

func (h *peerHeap) Less(i, j int) bool {
	return closerEntry(h.distances[j], h.entries[j].seq, h.distances[i], h.entries[i].seq)
}

func (h *peerHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.distances[i], h.distances[j] = h.distances[j], h.distances[i]
}

func (h *peerHeap) Push(x interface{}) {
	entry := x.(bucketEntry)
	h.entries = append(h.entries, entry)
	h.distances = append(h.distances, entry.peer.ID.Xor(h.target))
}

func (h *peerHeap) Pop() interface{} {
	n := len(h.entries)
	entry := h.entries[n-1]
	h.entries = h.entries[:n-1]
	h.distances = h.distances[:n-1]
	return entry
}

// closerEntry orders by distance, then by insertion sequence.
func closerEntry(da crypto.NodeID, seqA uint64, db crypto.NodeID, seqB uint64) bool {
	if c := da.Compare(db); c != 0 {
		return c < 0
	}
	return seqA < seqB
}

// FindClosestPeers returns up to count peers sorted by ascending XOR distance
// to target, searched over the whole table. A peer whose id equals target is
// excluded; use GetPeer to check for the target itself.
func (rt *RoutingTable) FindClosestPeers(target crypto.NodeID, count int) []Peer {
	if count <= 0 {
		return []Peer{}
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	h := &peerHeap{
		entries:   make([]bucketEntry, 0, count),
		distances: make([]crypto.NodeID, 0, count),
		target:    target,
	}

	for _, kb := range rt.buckets {
		for _, entry := range kb.entries {
			if entry.peer.ID == target {
				continue
			}
			if h.Len() < count {
				heap.Push(h, entry)
				continue
			}
			// heap is full: replace the farthest if this one is closer
			dist := entry.peer.ID.Xor(target)
			if closerEntry(dist, entry.seq, h.distances[0], h.entries[0].seq) {
				heap.Pop(h)
				heap.Push(h, entry)
			}
		}
	}

	// popping a max-heap yields farthest first; fill from the back
	result := make([]Peer, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(bucketEntry).peer
	}
	return result
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
