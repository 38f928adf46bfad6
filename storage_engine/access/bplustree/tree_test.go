package bplustree

import (
	"fmt"
	"path/filepath"
	"testing"

	"dbkernel/storage_engine/bufferpool"
	diskmanager "dbkernel/storage_engine/disk_manager"
	"dbkernel/storage_engine/txn"
	"dbkernel/types"
)

func newTestTree(t *testing.T, leafMaxSize, internalMaxSize int) *BPlusTree {
	t.Helper()
	dm, err := diskmanager.New(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("New disk manager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })

	bp := bufferpool.New(64, dm)
	t.Cleanup(bp.Close)

	header, err := NewHeaderDirectory(bp)
	if err != nil {
		t.Fatalf("NewHeaderDirectory: %v", err)
	}

	tree, err := Open("t", bp, header, leafMaxSize, internalMaxSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tree
}

func newTxn() *txn.Transaction {
	return txn.New(txn.ReadCommitted)
}

func key(i int) []byte   { return []byte(fmt.Sprintf("k%04d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("v%04d", i)) }

func TestInsertAndGetValue(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()

	inserted, err := tree.Insert(tx, key(1), value(1))
	if err != nil || !inserted {
		t.Fatalf("Insert: %v %v", inserted, err)
	}

	got, found, err := tree.GetValue(key(1))
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if !found || string(got) != string(value(1)) {
		t.Fatalf("expected value(1), got %q found=%v", got, found)
	}
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()

	if _, err := tree.Insert(tx, key(1), value(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	inserted, err := tree.Insert(tx, key(1), value(2))
	if err != nil {
		t.Fatalf("Insert dup: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to report false")
	}
}

func TestGetValueMissingKey(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	_, found, err := tree.GetValue(key(1))
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if found {
		t.Fatalf("expected miss on empty tree")
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()
	if _, err := tree.Insert(tx, []byte{}, value(1)); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if _, _, err := tree.GetValue([]byte{}); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

// With leaf_max_size=4, inserting keys 1..10 produces exactly 3 chained
// leaves under a 2-key internal root.
func TestSplitProducesBalancedTreeShape(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()

	for i := 1; i <= 10; i++ {
		inserted, err := tree.Insert(tx, key(i), value(i))
		if err != nil || !inserted {
			t.Fatalf("Insert(%d): %v %v", i, inserted, err)
		}
	}

	_, rootNode, err := tree.fetchNode(tree.root)
	if err != nil {
		t.Fatalf("fetchNode(root): %v", err)
	}
	tree.bp.UnpinPage(tree.root, false)
	if rootNode.isLeaf() {
		t.Fatalf("expected root to be internal after 10 inserts with leafMaxSize=4")
	}
	if got := rootNode.size(); got != 3 {
		t.Fatalf("expected 2-key internal root (3 children), got size %d", got)
	}

	leafCount := 0
	leafID := rootNode.children[0]
	for leafID != types.InvalidPageID {
		_, leaf, err := tree.fetchNode(leafID)
		if err != nil {
			t.Fatalf("fetchNode(leaf): %v", err)
		}
		tree.bp.UnpinPage(leafID, false)
		leafCount++
		leafID = leaf.next
	}
	if leafCount != 3 {
		t.Fatalf("expected 3 chained leaves, got %d", leafCount)
	}
}

// After removing keys 4..10 from the same shape, the tree collapses back
// to a single leaf root.
func TestRemoveCollapsesRootToSingleLeaf(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()

	for i := 1; i <= 10; i++ {
		if _, err := tree.Insert(tx, key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 4; i <= 10; i++ {
		if err := tree.Remove(tx, key(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}

	_, rootNode, err := tree.fetchNode(tree.root)
	if err != nil {
		t.Fatalf("fetchNode(root): %v", err)
	}
	tree.bp.UnpinPage(tree.root, false)

	if !rootNode.isLeaf() {
		t.Fatalf("expected single leaf root after collapse")
	}
	if rootNode.parent != types.InvalidPageID {
		t.Fatalf("expected root.parent == InvalidPageID, got %d", rootNode.parent)
	}
	if got := rootNode.size(); got != 3 {
		t.Fatalf("expected 3 surviving keys (1,2,3), got %d", got)
	}

	for i := 1; i <= 3; i++ {
		_, found, err := tree.GetValue(key(i))
		if err != nil || !found {
			t.Fatalf("expected key(%d) to survive, found=%v err=%v", i, found, err)
		}
	}
	for i := 4; i <= 10; i++ {
		_, found, err := tree.GetValue(key(i))
		if err != nil || found {
			t.Fatalf("expected key(%d) to be gone, found=%v err=%v", i, found, err)
		}
	}
}

func TestRemoveMissingKeyIsNoop(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()
	if _, err := tree.Insert(tx, key(1), value(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Remove(tx, key(99)); err != nil {
		t.Fatalf("Remove missing key: %v", err)
	}
	_, found, err := tree.GetValue(key(1))
	if err != nil || !found {
		t.Fatalf("expected surviving key(1), found=%v err=%v", found, err)
	}
}

func TestRemoveAllEmptiesTree(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()
	for i := 1; i <= 20; i++ {
		if _, err := tree.Insert(tx, key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 1; i <= 20; i++ {
		if err := tree.Remove(tx, key(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	if !tree.IsEmpty() {
		t.Fatalf("expected tree to be empty after removing every key")
	}
}

// Range scan via BeginAt(k) visits keys >= k in ascending order exactly
// once.
func TestIteratorRangeScanOrder(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()
	for i := 1; i <= 20; i++ {
		if _, err := tree.Insert(tx, key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	it, err := tree.BeginAt(key(10))
	if err != nil {
		t.Fatalf("BeginAt: %v", err)
	}
	defer it.Close()

	want := 10
	seen := 0
	for it.Valid() {
		if string(it.Key()) != string(key(want)) {
			t.Fatalf("expected key(%d), got %q", want, it.Key())
		}
		if string(it.Value()) != string(value(want)) {
			t.Fatalf("expected value(%d), got %q", want, it.Value())
		}
		want++
		seen++
		if !it.Next() {
			break
		}
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if seen != 11 {
		t.Fatalf("expected 11 entries (keys 10..20), saw %d", seen)
	}
}

func TestIteratorFullScanIsSortedAndComplete(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	tx := newTxn()
	for i := 20; i >= 1; i-- {
		if _, err := tree.Insert(tx, key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer it.Close()

	prev := -1
	count := 0
	for it.Valid() {
		var n int
		fmt.Sscanf(string(it.Key()), "k%04d", &n)
		if n <= prev {
			t.Fatalf("keys out of order: %d after %d", n, prev)
		}
		prev = n
		count++
		if !it.Next() {
			break
		}
	}
	if count != 20 {
		t.Fatalf("expected 20 entries, saw %d", count)
	}
}

func TestReopenPersistsRoot(t *testing.T) {
	dm, err := diskmanager.New(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("New disk manager: %v", err)
	}
	defer dm.Close()
	bp := bufferpool.New(64, dm)
	defer bp.Close()

	header, err := NewHeaderDirectory(bp)
	if err != nil {
		t.Fatalf("NewHeaderDirectory: %v", err)
	}
	tree, err := Open("orders", bp, header, 4, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tx := newTxn()
	for i := 1; i <= 5; i++ {
		if _, err := tree.Insert(tx, key(i), value(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	bp.FlushAllPages()

	reopened, err := Open("orders", bp, header, 4, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, found, err := reopened.GetValue(key(3))
	if err != nil || !found {
		t.Fatalf("expected key(3) to survive reopen, found=%v err=%v", found, err)
	}
	if string(got) != string(value(3)) {
		t.Fatalf("expected value(3), got %q", got)
	}
}
