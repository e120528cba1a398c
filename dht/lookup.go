package dht

import (
	"sort"

	"github.com/opd-ai/meshcore/crypto"
)

// lookupState manages the candidate list of one iterative lookup.
type lookupState struct {
	target    crypto.NodeID
	localID   crypto.NodeID
	shortlist []Peer
	known     map[crypto.NodeID]bool
	queried   map[crypto.NodeID]bool
}

func newLookupState(target, localID crypto.NodeID, seeds []Peer) *lookupState {
	ls := &lookupState{
		target:  target,
		localID: localID,
		known:   make(map[crypto.NodeID]bool),
		queried: make(map[crypto.NodeID]bool),
	}
	ls.merge(seeds)
	return ls
}

// merge adds peers not seen before and reports how many were new.
func (ls *lookupState) merge(peers []Peer) int {
	added := 0
	for _, p := range peers {
		if p.ID.IsZero() || p.ID == ls.localID || ls.known[p.ID] {
			continue
		}
		ls.known[p.ID] = true
		ls.shortlist = append(ls.shortlist, p)
		added++
	}
	if added > 0 {
		sort.SliceStable(ls.shortlist, func(i, j int) bool {
			return crypto.CloserTo(ls.target, ls.shortlist[i].ID, ls.shortlist[j].ID)
		})
	}
	return added
}

// nextBatch returns up to n of the closest candidates not yet queried.
func (ls *lookupState) nextBatch(n int) []Peer {
	batch := make([]Peer, 0, n)
	for _, p := range ls.shortlist {
		if len(batch) == n {
			break
		}
		if !ls.queried[p.ID] {
			batch = append(batch, p)
		}
	}
	return batch
}

func (ls *lookupState) markQueried(id crypto.NodeID) {
	ls.queried[id] = true
}

// closest returns the best candidate so far.
func (ls *lookupState) closest() (Peer, bool) {
	if len(ls.shortlist) == 0 {
		return Peer{}, false
	}
	return ls.shortlist[0], true
}

// found reports whether the target itself is among the candidates.
func (ls *lookupState) found() bool {
	return ls.known[ls.target]
}

// peers returns every candidate, closest first.
func (ls *lookupState) peers() []Peer {
	result := make([]Peer, len(ls.shortlist))
	copy(result, ls.shortlist)
	return result
}
