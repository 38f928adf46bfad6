package bplustree

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"dbkernel/storage_engine/bufferpool"
	"dbkernel/storage_engine/page"
	"dbkernel/storage_engine/txn"
	"dbkernel/types"
)

// ErrPoolExhausted surfaces the buffer pool's resource-exhaustion failure
// to B+Tree callers.
var ErrPoolExhausted = errors.New("bplustree: buffer pool exhausted")

// ErrEmptyKey rejects the one input shape the node encoding cannot
// represent unambiguously (a zero-length key indistinguishable from the
// internal sentinel).
var ErrEmptyKey = errors.New("bplustree: key must be non-empty")

// BPlusTree is a keyed ordered index whose nodes live in pages fetched
// through a shared buffer pool. name identifies this tree's entry in the
// header directory, so several trees can share one buffer pool and disk
// file.
type BPlusTree struct {
	name string
	bp   *bufferpool.BufferPool

	header          *HeaderDirectory
	leafMaxSize     int
	internalMaxSize int
	cmp             func(a, b []byte) int

	// rootLatch is the tree-level reader/writer latch guarding root_page_id
	// and the shape of the root. root caches the header page's current
	// value under this latch; the header page remains the durable source
	// of truth.
	rootLatch sync.RWMutex
	root      int64

	log *logrus.Entry
}

// Open binds a named B+Tree to header's index_name -> root_page_id entry,
// creating one lazily on the first insert if absent.
func Open(name string, bp *bufferpool.BufferPool, header *HeaderDirectory, leafMaxSize, internalMaxSize int) (*BPlusTree, error) {
	if leafMaxSize < 3 || internalMaxSize < 3 {
		return nil, fmt.Errorf("bplustree: max sizes must be at least 3")
	}
	rootID, ok, err := header.GetRootID(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		rootID = types.InvalidPageID
	}
	return &BPlusTree{
		name:            name,
		bp:              bp,
		header:          header,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		cmp:             bytes.Compare,
		root:            rootID,
		log:             logrus.WithFields(logrus.Fields{"component": "bplustree", "index": name}),
	}, nil
}

func (t *BPlusTree) fetchNode(pageID int64) (*page.Page, *node, error) {
	pg, err := t.bp.FetchPage(pageID)
	if err != nil {
		return nil, nil, fmt.Errorf("bplustree: fetch page %d: %w", pageID, err)
	}
	if pg == nil {
		return nil, nil, ErrPoolExhausted
	}
	n, err := decodeNode(pg.Data)
	if err != nil {
		t.bp.UnpinPage(pageID, false)
		return nil, nil, err
	}
	return pg, n, nil
}

// IsEmpty reports whether the tree currently has no root.
func (t *BPlusTree) IsEmpty() bool {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.root == types.InvalidPageID
}

// GetValue performs a point lookup, crabbing shared latches top-down and
// releasing each parent as soon as its child is latched.
func (t *BPlusTree) GetValue(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	t.rootLatch.RLock()
	root := t.root
	if root == types.InvalidPageID {
		t.rootLatch.RUnlock()
		return nil, false, nil
	}

	pg, n, err := t.fetchNode(root)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, false, err
	}
	pg.RLock()
	t.rootLatch.RUnlock()

	for {
		if n.isLeaf() {
			idx, found := leafSearch(n, key, t.cmp)
			var val []byte
			if found {
				val = append([]byte(nil), n.values[idx]...)
			}
			pg.RUnlock()
			t.bp.UnpinPage(pg.ID, false)
			return val, found, nil
		}

		childID := internalLookup(n, key, t.cmp)
		childPg, childNode, err := t.fetchNode(childID)
		if err != nil {
			pg.RUnlock()
			t.bp.UnpinPage(pg.ID, false)
			return nil, false, err
		}
		childPg.RLock()
		pg.RUnlock()
		t.bp.UnpinPage(pg.ID, false)
		pg, n = childPg, childNode
	}
}

// latchFrame is one entry of a writer's ordered latch stack, tracked in a
// per-call ordered sequence. The tree-level latch, when held, is the
// sentinel frame at the head.
type latchFrame struct {
	pg     *page.Page
	n      *node
	isRoot bool
}

// pushRootLatch acquires the tree-level write latch and records it as the
// crabbing stack's sentinel head entry, mirrored into tx's page set.
func (t *BPlusTree) pushRootLatch(tx *txn.Transaction, stack *[]latchFrame) {
	t.rootLatch.Lock()
	tx.PushPageLatch(txn.PageLatch{IsTreeTop: true})
	*stack = append(*stack, latchFrame{isRoot: true})
}

// pushWriteLatch fetches pageID, takes its exclusive page latch, and
// pushes it onto the crabbing stack.
func (t *BPlusTree) pushWriteLatch(tx *txn.Transaction, stack *[]latchFrame, pageID int64) (*page.Page, *node, error) {
	pg, n, err := t.fetchNode(pageID)
	if err != nil {
		return nil, nil, err
	}
	pg.Lock()
	tx.PushPageLatch(txn.PageLatch{PageID: pg.ID})
	*stack = append(*stack, latchFrame{pg: pg, n: n})
	return pg, n, nil
}

// releaseFrame unlocks and unpins a single already-popped frame. Dirtying
// is tracked directly on the page (encodeAndMark sets IsDirty), so this
// always unpins clean-as-far-as-the-caller-knows.
func (t *BPlusTree) releaseFrame(f latchFrame) {
	if f.isRoot {
		t.rootLatch.Unlock()
		return
	}
	f.pg.Unlock()
	t.bp.UnpinPage(f.pg.ID, false)
}

// releaseAncestors drops every frame currently on stack, used once a
// descended-to child is proven safe and everything above it can go.
func (t *BPlusTree) releaseAncestors(tx *txn.Transaction, stack *[]latchFrame) {
	for len(*stack) > 0 {
		f := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]
		tx.PopPageLatch()
		t.releaseFrame(f)
	}
}

// popFrame removes the top frame from the stack and from tx's page set
// without releasing it; the caller releases it.
func (t *BPlusTree) popFrame(tx *txn.Transaction, stack *[]latchFrame) latchFrame {
	f := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]
	tx.PopPageLatch()
	return f
}

// unwindWrite releases every remaining held frame, LIFO, at the end of a
// write operation.
func (t *BPlusTree) unwindWrite(tx *txn.Transaction, stack *[]latchFrame) {
	for len(*stack) > 0 {
		t.releaseFrame(t.popFrame(tx, stack))
	}
}
