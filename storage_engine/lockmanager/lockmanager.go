// Package lockmanager implements per-record reader/writer queues
// enforcing strict-ish two-phase locking, isolation-level-aware, with a
// background wait-for graph cycle detector.
package lockmanager

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dbkernel/storage_engine/txn"
)

// Abort-on-protocol-violation reason codes.
var (
	ErrLockOnShrinking          = errors.New("lockmanager: lock requested after transaction entered SHRINKING")
	ErrSharedOnReadUncommitted  = errors.New("lockmanager: shared lock requested under READ_UNCOMMITTED")
	ErrUpgradeConflict          = errors.New("lockmanager: another transaction is already upgrading this record")
	ErrDeadlock                 = errors.New("lockmanager: transaction aborted by deadlock detector")
	ErrNotHoldingLock           = errors.New("lockmanager: transaction does not hold a lock on this record")
	ErrUpgradeWithoutSharedLock = errors.New("lockmanager: upgrade requested without holding a shared lock")
)

type lockMode uint8

const (
	shared lockMode = iota
	exclusive
)

type lockRequest struct {
	txn     *txn.Transaction
	mode    lockMode
	granted bool
}

// requestQueue is the per-record lock queue. requests preserves FIFO
// arrival order; cond wakes waiters
// whenever the queue state changes (a grant, a release, or a victim
// selection).
type requestQueue struct {
	requests        []*lockRequest
	sharedCount     int
	exclusiveHeld   bool
	upgrading       bool
	upgradingTxnID  uint64
	cond            *sync.Cond
}

func newRequestQueue(mu *sync.Mutex) *requestQueue {
	return &requestQueue{cond: sync.NewCond(mu)}
}

// LockManager owns one requestQueue per record id, all guarded by a
// single mutex (the queues' sync.Cond values share this mutex so a
// signal on any queue can be delivered while holding the manager lock).
type LockManager struct {
	mu     sync.Mutex
	queues map[txn.RID]*requestQueue

	detectorInterval time.Duration
	stopDetector      chan struct{}
	detectorDone      chan struct{}

	log *logrus.Entry
}

// New creates a lock manager whose deadlock detector runs every interval.
// Call Start to begin the background detector and Stop to shut it down.
func New(interval time.Duration) *LockManager {
	return &LockManager{
		queues:           make(map[txn.RID]*requestQueue),
		detectorInterval: interval,
		log:              logrus.WithField("component", "lockmanager"),
	}
}

func (lm *LockManager) queueFor(rid txn.RID) *requestQueue {
	q, ok := lm.queues[rid]
	if !ok {
		q = newRequestQueue(&lm.mu)
		lm.queues[rid] = q
	}
	return q
}

// abort marks t ABORTED under the manager lock and logs why. Caller
// holds lm.mu.
func (lm *LockManager) abort(t *txn.Transaction, reason error) {
	t.SetState(txn.Aborted)
	lm.log.WithFields(logrus.Fields{"txn_id": t.ID(), "reason": reason}).Warn("transaction aborted")
}

// enterShrinkingIfNeeded transitions t GROWING -> SHRINKING, unless the
// 2PL variant's early-release carve-out applies: releasing a SHARED lock
// under READ_COMMITTED does not force the transition.
func enterShrinkingIfNeeded(t *txn.Transaction, releasedMode lockMode) {
	if t.State() != txn.Growing {
		return
	}
	if releasedMode == shared && t.IsolationLevel() == txn.ReadCommitted {
		return
	}
	t.SetState(txn.Shrinking)
}

// LockShared acquires a shared lock on rid for t, blocking until granted,
// denied by a protocol violation, or the transaction is aborted by the
// deadlock detector while waiting.
func (lm *LockManager) LockShared(t *txn.Transaction, rid txn.RID) bool {
	if t.IsolationLevel() == txn.ReadUncommitted {
		lm.mu.Lock()
		lm.abort(t, ErrSharedOnReadUncommitted)
		lm.mu.Unlock()
		return false
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if t.State() == txn.Shrinking {
		lm.abort(t, ErrLockOnShrinking)
		return false
	}

	if t.HasSharedLock(rid) {
		return true
	}

	q := lm.queueFor(rid)
	req := &lockRequest{txn: t, mode: shared}
	q.requests = append(q.requests, req)

	for {
		if t.State() == txn.Aborted {
			lm.removeRequestLocked(q, req)
			return false
		}
		if lm.canGrantShared(q, req) {
			req.granted = true
			q.sharedCount++
			t.AddSharedLock(rid)
			return true
		}
		q.cond.Wait()
	}
}

// canGrantShared holds iff no earlier-arrived request in the queue is an
// ungranted or granted exclusive lock: no reader barges past a writer.
func (lm *LockManager) canGrantShared(q *requestQueue, self *lockRequest) bool {
	for _, r := range q.requests {
		if r == self {
			return true
		}
		if r.mode == exclusive {
			return false
		}
	}
	return true
}

// LockExclusive acquires an exclusive lock on rid for t.
func (lm *LockManager) LockExclusive(t *txn.Transaction, rid txn.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if t.State() == txn.Shrinking {
		lm.abort(t, ErrLockOnShrinking)
		return false
	}

	if t.HasExclusiveLock(rid) {
		return true
	}

	q := lm.queueFor(rid)
	req := &lockRequest{txn: t, mode: exclusive}
	q.requests = append(q.requests, req)

	for {
		if t.State() == txn.Aborted {
			lm.removeRequestLocked(q, req)
			return false
		}
		if lm.canGrantExclusive(q, req) {
			req.granted = true
			q.exclusiveHeld = true
			t.AddExclusiveLock(rid)
			return true
		}
		q.cond.Wait()
	}
}

// canGrantExclusive holds iff self is the earliest ungranted request and
// nothing ahead of it is granted.
func (lm *LockManager) canGrantExclusive(q *requestQueue, self *lockRequest) bool {
	if len(q.requests) == 0 {
		return true
	}
	// Any request ahead of self, granted or still waiting, blocks it.
	return q.requests[0] == self
}

// LockUpgrade promotes t's existing shared lock on rid to exclusive
// in place, without re-entering the queue tail.
func (lm *LockManager) LockUpgrade(t *txn.Transaction, rid txn.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !t.HasSharedLock(rid) {
		lm.abort(t, ErrUpgradeWithoutSharedLock)
		return false
	}
	if t.State() == txn.Shrinking {
		lm.abort(t, ErrLockOnShrinking)
		return false
	}

	q := lm.queueFor(rid)
	if q.upgrading && q.upgradingTxnID != t.ID() {
		lm.abort(t, ErrUpgradeConflict)
		return false
	}

	var self *lockRequest
	for _, r := range q.requests {
		if r.txn == t && r.mode == shared {
			self = r
			break
		}
	}
	if self == nil {
		lm.abort(t, ErrUpgradeWithoutSharedLock)
		return false
	}

	q.upgrading = true
	q.upgradingTxnID = t.ID()

	for {
		if t.State() == txn.Aborted {
			q.upgrading = false
			return false
		}
		if lm.otherSharedCount(q, self) == 0 && !lm.hasOtherGrantedExclusive(q, self) {
			q.sharedCount--
			self.mode = exclusive
			q.exclusiveHeld = true
			q.upgrading = false
			t.RemoveSharedLock(rid)
			t.AddExclusiveLock(rid)
			return true
		}
		q.cond.Wait()
	}
}

func (lm *LockManager) otherSharedCount(q *requestQueue, self *lockRequest) int {
	n := 0
	for _, r := range q.requests {
		if r != self && r.granted && r.mode == shared {
			n++
		}
	}
	return n
}

func (lm *LockManager) hasOtherGrantedExclusive(q *requestQueue, self *lockRequest) bool {
	for _, r := range q.requests {
		if r != self && r.granted && r.mode == exclusive {
			return true
		}
	}
	return false
}

// Unlock releases t's lock on rid. It transitions t to SHRINKING unless
// the READ_COMMITTED shared-lock carve-out applies.
func (lm *LockManager) Unlock(t *txn.Transaction, rid txn.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	holdsShared := t.HasSharedLock(rid)
	holdsExclusive := t.HasExclusiveLock(rid)
	if !holdsShared && !holdsExclusive {
		return false
	}

	q := lm.queueFor(rid)
	var released *lockRequest
	for i, r := range q.requests {
		if r.txn == t && r.granted {
			released = r
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	if released == nil {
		return false
	}

	if released.mode == shared {
		q.sharedCount--
		t.RemoveSharedLock(rid)
	} else {
		q.exclusiveHeld = false
		t.RemoveExclusiveLock(rid)
	}

	if t.State() != txn.Aborted && t.State() != txn.Committed {
		enterShrinkingIfNeeded(t, released.mode)
	}

	q.cond.Broadcast()
	return true
}

// removeRequestLocked drops req from q's queue, used when a waiter wakes
// up to find its transaction aborted. Caller holds lm.mu.
func (lm *LockManager) removeRequestLocked(q *requestQueue, req *lockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	q.cond.Broadcast()
}
