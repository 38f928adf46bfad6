package bplustree

import (
	"fmt"

	"dbkernel/storage_engine/page"
	"dbkernel/storage_engine/txn"
	"dbkernel/types"
)

// Remove deletes key; a no-op if absent. Descent mirrors Insert's
// crabbing but uses the remove-safety predicate.
func (t *BPlusTree) Remove(tx *txn.Transaction, key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	// Pages emptied by a merge are only queued here; they are freed by the
	// deferred loop below, after unwindWrite has released every latch, so
	// no other thread can be holding a reference to a page this call is
	// about to hand back to the disk manager's free list.
	var freed []int64
	defer func() {
		for _, id := range freed {
			t.bp.DeletePage(id)
		}
	}()

	var stack []latchFrame
	t.pushRootLatch(tx, &stack)
	defer t.unwindWrite(tx, &stack)

	if t.root == types.InvalidPageID {
		return nil
	}

	pg, n, err := t.pushWriteLatch(tx, &stack, t.root)
	if err != nil {
		return err
	}

	for !n.isLeaf() {
		childID := internalLookup(n, key, t.cmp)
		childPg, childNode, err := t.pushWriteLatch(tx, &stack, childID)
		if err != nil {
			return err
		}
		if childNode.isSafeForRemove() {
			t.pruneToTop(tx, &stack)
		}
		pg, n = childPg, childNode
	}

	idx, found := leafSearch(n, key, t.cmp)
	if !found {
		return nil
	}
	removeLeafEntry(n, idx)
	if err := encodeAndMark(pg, n); err != nil {
		return err
	}

	return t.coalesceOrRedistribute(&stack, tx, pg, n, &freed)
}

// coalesceOrRedistribute fixes up an underflowing node after a deletion:
// root nodes go through AdjustRoot regardless of occupancy; other
// underflowing nodes are merged with or borrow from a sibling, cascading
// upward through parents that themselves end up underflowing. freed
// accumulates pages emptied by a merge; the caller frees them only after
// every latch has been released.
func (t *BPlusTree) coalesceOrRedistribute(stack *[]latchFrame, tx *txn.Transaction, pg *page.Page, n *node, freed *[]int64) error {
	if n.parent == types.InvalidPageID {
		t.popAndRelease(tx, stack)
		return t.adjustRoot(n, freed)
	}
	if !n.isUnderflowing() {
		t.popAndRelease(tx, stack)
		return nil
	}

	currentFrame := t.popFrame(tx, stack)
	if len(*stack) == 0 {
		t.releaseFrame(currentFrame)
		return fmt.Errorf("bplustree: missing parent latch for node %d", n.pageID)
	}
	parentFrame := (*stack)[len(*stack)-1]

	deleted, err := t.rebalance(stack, tx, currentFrame, parentFrame, pg, n, freed)
	if !deleted {
		t.releaseFrame(currentFrame)
	}
	return err
}

func (t *BPlusTree) popAndRelease(tx *txn.Transaction, stack *[]latchFrame) {
	t.releaseFrame(t.popFrame(tx, stack))
}

// rebalance picks node's sibling (left if node isn't the parent's leftmost
// child, else right) and either coalesces or redistributes, per whichever
// keeps both nodes within [minSize, maxSize]. It returns true iff node's
// own page was deleted (merged away into its sibling), in which case the
// caller must not also release node's frame.
func (t *BPlusTree) rebalance(stack *[]latchFrame, tx *txn.Transaction, currentFrame, parentFrame latchFrame, pg *page.Page, n *node, freed *[]int64) (bool, error) {
	parent := parentFrame.n
	i := indexOfChild(parent, n.pageID)
	if i < 0 {
		return false, fmt.Errorf("bplustree: node %d missing from parent %d", n.pageID, parent.pageID)
	}

	useLeftSibling := i > 0
	siblingIdx := i - 1
	if !useLeftSibling {
		siblingIdx = 1
	}
	siblingID := parent.children[siblingIdx]

	sibPg, sibNode, err := t.fetchNode(siblingID)
	if err != nil {
		return false, err
	}
	sibPg.Lock()

	if n.size()+sibNode.size() <= n.maxSize {
		return t.coalesce(stack, tx, currentFrame, parentFrame, parent, useLeftSibling, i, siblingIdx, pg, n, sibPg, sibNode, freed)
	}

	rightIdx := i
	if !useLeftSibling {
		rightIdx = siblingIdx
	}
	if useLeftSibling {
		t.borrowFromLeftSibling(sibNode, n, parent, rightIdx)
	} else {
		t.borrowFromRightSibling(n, sibNode, parent, rightIdx)
	}

	err = encodeAndMark(sibPg, sibNode)
	if err == nil {
		err = encodeAndMark(pg, n)
	}
	if err == nil {
		err = encodeAndMark(parentFrame.pg, parent)
	}

	sibPg.Unlock()
	t.bp.UnpinPage(sibPg.ID, false)
	return false, err
}

// coalesce merges node and its sibling into whichever of the two is on
// the left, pulling the parent's separator down as the join key, removes
// the absorbed slot from parent, queues the emptied page onto freed, and
// recurses on parent since it lost a child.
func (t *BPlusTree) coalesce(stack *[]latchFrame, tx *txn.Transaction, currentFrame, parentFrame latchFrame, parent *node, useLeftSibling bool, i, siblingIdx int, pg *page.Page, n *node, sibPg *page.Page, sibNode *node, freed *[]int64) (bool, error) {
	var left, right *node
	var leftPg *page.Page
	var rightIdx int
	rightIsCurrent := useLeftSibling

	if useLeftSibling {
		left, leftPg = sibNode, sibPg
		right = n
		rightIdx = i
	} else {
		left, leftPg = n, pg
		right = sibNode
		rightIdx = siblingIdx
	}

	separator := parent.keys[rightIdx]
	mergeInto(left, right, separator)

	if !left.isLeaf() {
		for _, childID := range right.children {
			if err := t.reparentChild(childID, left.pageID); err != nil {
				sibPg.Unlock()
				t.bp.UnpinPage(sibPg.ID, false)
				return false, err
			}
		}
	}

	if err := encodeAndMark(leftPg, left); err != nil {
		sibPg.Unlock()
		t.bp.UnpinPage(sibPg.ID, false)
		return false, err
	}

	removeInternalEntry(parent, rightIdx)
	if err := encodeAndMark(parentFrame.pg, parent); err != nil {
		sibPg.Unlock()
		t.bp.UnpinPage(sibPg.ID, false)
		return false, err
	}

	emptiedID := right.pageID
	sibPg.Unlock()
	t.bp.UnpinPage(sibPg.ID, false)
	if rightIsCurrent {
		currentFrame.pg.Unlock()
		t.bp.UnpinPage(currentFrame.pg.ID, false)
	}
	*freed = append(*freed, emptiedID)

	err := t.coalesceOrRedistribute(stack, tx, parentFrame.pg, parent, freed)
	return rightIsCurrent, err
}

// mergeInto absorbs right's entries into left. For internal nodes,
// separator (the parent's routing key that pointed at right) is pulled
// down to replace right's ignored sentinel. The caller is responsible
// for reparenting right's children onto left.
func mergeInto(left, right *node, separator []byte) {
	if left.kind == leafKind {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.next = right.next
		return
	}
	left.keys = append(left.keys, append([]byte(nil), separator...))
	left.keys = append(left.keys, right.keys[1:]...)
	left.children = append(left.children, right.children...)
}

// borrowFromLeftSibling moves left's last entry onto right's head and
// updates parent's separator to that entry's own key. For internal nodes
// the moved child is reparented onto right through the buffer pool.
func (t *BPlusTree) borrowFromLeftSibling(left, right, parent *node, rightIdx int) {
	last := left.size() - 1

	if left.kind == leafKind {
		movedKey := left.keys[last]
		movedVal := left.values[last]
		left.keys = left.keys[:last]
		left.values = left.values[:last]

		right.keys = append([][]byte{movedKey}, right.keys...)
		right.values = append([][]byte{movedVal}, right.values...)
		parent.keys[rightIdx] = append([]byte(nil), movedKey...)
		return
	}

	oldSeparator := parent.keys[rightIdx]
	movedKey := left.keys[last]
	movedChild := left.children[last]
	left.keys = left.keys[:last]
	left.children = left.children[:last]

	right.children = append([]int64{movedChild}, right.children...)
	newKeys := make([][]byte, 0, len(right.keys)+1)
	newKeys = append(newKeys, right.keys[0]) // sentinel
	newKeys = append(newKeys, oldSeparator)
	newKeys = append(newKeys, right.keys[1:]...)
	right.keys = newKeys

	parent.keys[rightIdx] = append([]byte(nil), movedKey...)
	t.reparentChild(movedChild, right.pageID)
}

// borrowFromRightSibling moves right's first entry onto left's tail. For
// leaves, the new parent separator is the sibling's new first key. For
// internal nodes the parent's old separator comes down as the borrowed
// child's key in left, and right's first routing key (slot 1) goes up as
// the new separator.
func (t *BPlusTree) borrowFromRightSibling(left, right, parent *node, rightIdx int) {
	if right.kind == leafKind {
		movedKey := right.keys[0]
		movedVal := right.values[0]
		right.keys = right.keys[1:]
		right.values = right.values[1:]

		left.keys = append(left.keys, movedKey)
		left.values = append(left.values, movedVal)
		parent.keys[rightIdx] = append([]byte(nil), right.keys[0]...)
		return
	}

	oldSeparator := parent.keys[rightIdx]
	movedChild := right.children[0]
	newSeparator := right.keys[1]

	left.children = append(left.children, movedChild)
	left.keys = append(left.keys, oldSeparator)

	right.children = right.children[1:]
	newKeys := make([][]byte, 0, len(right.keys)-1)
	newKeys = append(newKeys, right.keys[0]) // sentinel, still ignored
	newKeys = append(newKeys, right.keys[2:]...)
	right.keys = newKeys

	parent.keys[rightIdx] = append([]byte(nil), newSeparator...)
	t.reparentChild(movedChild, left.pageID)
}

func (t *BPlusTree) reparentChild(childID, newParentID int64) error {
	childPg, childNode, err := t.fetchNode(childID)
	if err != nil {
		return err
	}
	childNode.parent = newParentID
	if err := encodeAndMark(childPg, childNode); err != nil {
		t.bp.UnpinPage(childID, false)
		return err
	}
	t.bp.UnpinPage(childID, false)
	return nil
}

// adjustRoot handles the two root-collapse cases: an internal root left
// with a single child is replaced by that child, and an empty leaf root
// empties the whole tree. The vacated root page is queued onto freed
// rather than freed immediately.
func (t *BPlusTree) adjustRoot(n *node, freed *[]int64) error {
	if !n.isLeaf() && n.size() == 1 {
		onlyChild := n.children[0]
		if err := t.reparentChild(onlyChild, types.InvalidPageID); err != nil {
			return err
		}
		if err := t.header.SetRootID(t.name, onlyChild); err != nil {
			return err
		}
		t.root = onlyChild
		*freed = append(*freed, n.pageID)
		return nil
	}

	if n.isLeaf() && n.size() == 0 {
		if err := t.header.SetRootID(t.name, types.InvalidPageID); err != nil {
			return err
		}
		t.root = types.InvalidPageID
		*freed = append(*freed, n.pageID)
		return nil
	}

	return nil
}
