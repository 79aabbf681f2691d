package contentserver

import (
	"sync"

	"cascache/common"
)

// PushGate is the admission control over unsolicited inbound pushes: a cap
// on how many may run at once and a per-hash dedup set. A single lock keeps
// the "is this hash already being pushed" check atomic with insertion.
type PushGate struct {
	mu      sync.Mutex
	ongoing map[common.ContentHash]struct{}
	limit   int
}

func NewPushGate(limit int) *PushGate {
	if limit <= 0 {
		limit = common.DefaultMaxConcurrentPushes
	}
	return &PushGate{
		ongoing: make(map[common.ContentHash]struct{}),
		limit:   limit,
	}
}

// TryAdmit reserves a push slot for hash. The reservation holds until
// Release, which must run on every exit path of the push.
func (g *PushGate) TryAdmit(hash common.ContentHash) (bool, common.RejectionReason) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.ongoing) >= g.limit {
		return false, common.RejectionTooManyPushes
	}
	if _, exists := g.ongoing[hash]; exists {
		return false, common.RejectionOngoingPush
	}
	g.ongoing[hash] = struct{}{}
	return true, common.RejectionNone
}

// Release frees the slot held by hash. Releasing a hash that is not held is
// a no-op.
func (g *PushGate) Release(hash common.ContentHash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ongoing, hash)
}

// Ongoing returns the number of pushes currently in flight.
func (g *PushGate) Ongoing() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ongoing)
}

// IsOngoing reports whether hash currently holds a push slot.
func (g *PushGate) IsOngoing(hash common.ContentHash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, exists := g.ongoing[hash]
	return exists
}
