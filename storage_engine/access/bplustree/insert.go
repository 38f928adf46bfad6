package bplustree

import (
	"fmt"

	"dbkernel/storage_engine/page"
	"dbkernel/storage_engine/txn"
	"dbkernel/types"
)

// Insert adds (key, value); returns false iff key already exists.
// Descent takes exclusive latches top-down, releasing ancestors as soon
// as a safe child is reached.
func (t *BPlusTree) Insert(tx *txn.Transaction, key, value []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}

	var stack []latchFrame
	t.pushRootLatch(tx, &stack)
	defer t.unwindWrite(tx, &stack)

	if t.root == types.InvalidPageID {
		pg, err := t.bp.NewPage()
		if err != nil {
			return false, fmt.Errorf("bplustree: allocate root leaf: %w", err)
		}
		if pg == nil {
			return false, ErrPoolExhausted
		}
		n := newLeaf(pg.ID, t.leafMaxSize)
		n.keys = append(n.keys, key)
		n.values = append(n.values, value)
		if err := encodeAndMark(pg, n); err != nil {
			t.bp.UnpinPage(pg.ID, false)
			return false, err
		}
		t.bp.UnpinPage(pg.ID, false)

		if err := t.header.SetRootID(t.name, pg.ID); err != nil {
			return false, err
		}
		t.root = pg.ID
		return true, nil
	}

	pg, n, err := t.pushWriteLatch(tx, &stack, t.root)
	if err != nil {
		return false, err
	}

	for !n.isLeaf() {
		childID := internalLookup(n, key, t.cmp)
		childPg, childNode, err := t.pushWriteLatch(tx, &stack, childID)
		if err != nil {
			return false, err
		}
		if childNode.isSafeForInsert() {
			t.pruneToTop(tx, &stack)
		}
		pg, n = childPg, childNode
	}

	idx, found := leafSearch(n, key, t.cmp)
	if found {
		return false, nil
	}
	insertLeafEntry(n, idx, key, value)
	if err := encodeAndMark(pg, n); err != nil {
		return false, err
	}

	if n.size() < n.maxSize {
		return true, nil
	}

	leafFrame := t.popFrame(tx, &stack)
	newLeafID, sepKey, err := t.splitLeaf(pg, n)
	t.releaseFrame(leafFrame)
	if err != nil {
		return false, err
	}
	if err := t.propagateSplit(tx, &stack, pg.ID, sepKey, newLeafID); err != nil {
		return false, err
	}
	return true, nil
}

// pruneToTop releases every ancestor latch below the most recently pushed
// frame, keeping only that frame on the stack.
func (t *BPlusTree) pruneToTop(tx *txn.Transaction, stack *[]latchFrame) {
	if len(*stack) == 0 {
		return
	}
	top := t.popFrame(tx, stack)
	t.releaseAncestors(tx, stack)
	*stack = append(*stack, top)
	tx.PushPageLatch(txn.PageLatch{PageID: top.pg.ID})
}

// splitLeaf moves the upper half of n's entries into a freshly allocated
// sibling leaf, links it in, and returns the sibling's id plus the
// separator key to promote.
func (t *BPlusTree) splitLeaf(pg *page.Page, n *node) (int64, []byte, error) {
	mid := (n.maxSize + 1) / 2

	newPg, err := t.bp.NewPage()
	if err != nil {
		return 0, nil, fmt.Errorf("bplustree: allocate sibling leaf: %w", err)
	}
	if newPg == nil {
		return 0, nil, ErrPoolExhausted
	}

	sibling := newLeaf(newPg.ID, n.maxSize)
	sibling.keys = append(sibling.keys, n.keys[mid:]...)
	sibling.values = append(sibling.values, n.values[mid:]...)
	sibling.next = n.next
	sibling.parent = n.parent

	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	n.next = newPg.ID

	if err := encodeAndMark(pg, n); err != nil {
		t.bp.UnpinPage(newPg.ID, false)
		return 0, nil, err
	}
	if err := encodeAndMark(newPg, sibling); err != nil {
		t.bp.UnpinPage(newPg.ID, false)
		return 0, nil, err
	}

	sepKey := append([]byte(nil), sibling.keys[0]...)
	t.bp.UnpinPage(newPg.ID, false)
	return newPg.ID, sepKey, nil
}

// splitInternal moves the upper half of n's entries (past the promoted
// middle key) into a freshly allocated sibling internal node, reparents
// the moved children, and returns the sibling's id plus the key promoted
// to n's parent.
func (t *BPlusTree) splitInternal(pg *page.Page, n *node) (int64, []byte, error) {
	mid := (n.maxSize + 1) / 2

	newPg, err := t.bp.NewPage()
	if err != nil {
		return 0, nil, fmt.Errorf("bplustree: allocate sibling internal: %w", err)
	}
	if newPg == nil {
		return 0, nil, ErrPoolExhausted
	}

	promoted := append([]byte(nil), n.keys[mid]...)

	sibling := newInternal(newPg.ID, n.maxSize)
	sibling.parent = n.parent
	sibling.keys = append(sibling.keys, []byte{}) // slot 0 sentinel
	sibling.keys = append(sibling.keys, n.keys[mid+1:]...)
	sibling.children = append(sibling.children, n.children[mid:]...)

	n.keys = n.keys[:mid]
	n.children = n.children[:mid]

	if err := t.reparentChildren(sibling); err != nil {
		t.bp.UnpinPage(newPg.ID, false)
		return 0, nil, err
	}
	if err := encodeAndMark(pg, n); err != nil {
		t.bp.UnpinPage(newPg.ID, false)
		return 0, nil, err
	}
	if err := encodeAndMark(newPg, sibling); err != nil {
		t.bp.UnpinPage(newPg.ID, false)
		return 0, nil, err
	}

	t.bp.UnpinPage(newPg.ID, false)
	return newPg.ID, promoted, nil
}

// reparentChildren fetches every child of n and rewrites its parent
// pointer to n.pageID.
func (t *BPlusTree) reparentChildren(n *node) error {
	for _, childID := range n.children {
		childPg, childNode, err := t.fetchNode(childID)
		if err != nil {
			return err
		}
		childNode.parent = n.pageID
		if err := encodeAndMark(childPg, childNode); err != nil {
			t.bp.UnpinPage(childID, false)
			return err
		}
		t.bp.UnpinPage(childID, false)
	}
	return nil
}

// propagateSplit inserts (sepKey, newSiblingID) into childID's parent,
// which must still be latched on stack (it was not proven safe, since
// childID just overflowed). If the parent itself overflows, it is split
// in turn and the loop continues upward; if childID had no parent, a
// fresh root is created above it.
func (t *BPlusTree) propagateSplit(tx *txn.Transaction, stack *[]latchFrame, childID int64, sepKey []byte, newSiblingID int64) error {
	for {
		if len(*stack) == 0 || (*stack)[len(*stack)-1].isRoot {
			return t.createRootAbove(childID, sepKey, newSiblingID)
		}

		parentFrame := (*stack)[len(*stack)-1]
		parent := parentFrame.n
		pos := indexOfChild(parent, childID)
		if pos < 0 {
			return fmt.Errorf("bplustree: propagateSplit: child %d not found in parent %d", childID, parent.pageID)
		}
		insertInternalEntry(parent, pos+1, sepKey, newSiblingID)

		if parent.size() <= parent.maxSize {
			return encodeAndMark(parentFrame.pg, parent)
		}

		newParentID, promo, err := t.splitInternal(parentFrame.pg, parent)
		if err != nil {
			return err
		}

		t.popFrame(tx, stack)
		t.releaseFrame(parentFrame)

		childID = parent.pageID
		sepKey = promo
		newSiblingID = newParentID
	}
}

// createRootAbove allocates a fresh internal root over leftID/rightID,
// separated by sepKey, when the split propagated past the current root.
func (t *BPlusTree) createRootAbove(leftID int64, sepKey []byte, rightID int64) error {
	rootPg, err := t.bp.NewPage()
	if err != nil {
		return fmt.Errorf("bplustree: allocate new root: %w", err)
	}
	if rootPg == nil {
		return ErrPoolExhausted
	}

	root := newInternal(rootPg.ID, t.internalMaxSize)
	root.parent = types.InvalidPageID
	root.keys = [][]byte{{}, sepKey}
	root.children = []int64{leftID, rightID}

	if err := t.reparentChildren(root); err != nil {
		t.bp.UnpinPage(rootPg.ID, false)
		return err
	}
	if err := encodeAndMark(rootPg, root); err != nil {
		t.bp.UnpinPage(rootPg.ID, false)
		return err
	}
	t.bp.UnpinPage(rootPg.ID, false)

	if err := t.header.SetRootID(t.name, rootPg.ID); err != nil {
		return err
	}
	t.root = rootPg.ID
	return nil
}
