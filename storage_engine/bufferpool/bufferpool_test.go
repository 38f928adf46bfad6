package bufferpool

import (
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	diskmanager "dbkernel/storage_engine/disk_manager"
)

func newTestPool(t *testing.T, poolSize int) *BufferPool {
	t.Helper()
	dm, err := diskmanager.New(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("New disk manager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })
	return New(poolSize, dm)
}

func TestNewPageAndFetchRoundtrip(t *testing.T) {
	bp := newTestPool(t, 3)

	pg, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	pg.Data[0] = 42
	if !bp.UnpinPage(pg.ID, true) {
		t.Fatalf("UnpinPage failed")
	}

	fetched, err := bp.FetchPage(pg.ID)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if fetched.Data[0] != 42 {
		t.Fatalf("expected persisted byte 42, got %d", fetched.Data[0])
	}
	bp.UnpinPage(pg.ID, false)
}

// Frames unpinned in a given order are evicted back out in that same
// order, with pool_size=3.
func TestLRUVictimOrder(t *testing.T) {
	bp := newTestPool(t, 3)

	var ids []int64
	for i := 0; i < 3; i++ {
		pg, err := bp.NewPage()
		if err != nil {
			t.Fatalf("NewPage: %v", err)
		}
		ids = append(ids, pg.ID)
	}
	// Unpin in order 0, 1, 2 -> replacer victim order should be the same.
	for _, id := range ids {
		bp.UnpinPage(id, false)
	}
	if got := bp.replacer.Size(); got != 3 {
		t.Fatalf("expected replacer size 3, got %d", got)
	}

	for _, want := range ids {
		got, ok := bp.replacer.Victim()
		if !ok {
			t.Fatalf("expected a victim, got none")
		}
		frameID, exists := bp.pageTable[want]
		if !exists {
			t.Fatalf("page %d missing from page table", want)
		}
		if got != frameID {
			t.Fatalf("victim order mismatch: want frame for page %d, got frame %d", want, got)
		}
		// Restore membership since we only wanted to observe order.
		bp.replacer.Unpin(got)
	}
}

// FetchPage(p); UnpinPage(p, false) must leave observable state equivalent
// to the initial condition.
func TestFetchUnpinIsNoOp(t *testing.T) {
	bp := newTestPool(t, 2)
	pg, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	bp.UnpinPage(pg.ID, false)

	before := bp.Size()
	fetched, err := bp.FetchPage(pg.ID)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	bp.UnpinPage(fetched.ID, false)
	if after := bp.Size(); after != before {
		t.Fatalf("expected pool size unchanged: before=%d after=%d", before, after)
	}
}

func TestDoubleUnpinFails(t *testing.T) {
	bp := newTestPool(t, 2)
	pg, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if !bp.UnpinPage(pg.ID, false) {
		t.Fatalf("first unpin should succeed")
	}
	if bp.UnpinPage(pg.ID, false) {
		t.Fatalf("second unpin should fail")
	}
}

func TestPoolExhaustionReturnsNil(t *testing.T) {
	bp := newTestPool(t, 2)
	p1, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage 1: %v", err)
	}
	p2, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage 2: %v", err)
	}
	_ = p1
	_ = p2
	// Both frames pinned, no frame available.
	p3, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage 3 should not error, got: %v", err)
	}
	if p3 != nil {
		t.Fatalf("expected nil page on exhaustion, got %+v", p3)
	}

	missID := int64(999)
	got, err := bp.FetchPage(missID)
	if err != nil {
		t.Fatalf("FetchPage should not error, got: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil page on exhaustion, got %+v", got)
	}
}

// Dirty eviction writes the victim back before its frame is reused for a
// new page.
func TestDirtyEvictionWritesBack(t *testing.T) {
	bp := newTestPool(t, 1)

	pg, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	pg.Data[0] = 7
	evictedID := pg.ID
	bp.UnpinPage(evictedID, true)

	next, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage (forces eviction): %v", err)
	}
	if next.ID == evictedID {
		t.Fatalf("expected a fresh page id, got the evicted one back")
	}
	bp.UnpinPage(next.ID, false)

	// The evicted page must have survived to disk with its dirty write.
	buf := make([]byte, len(pg.Data))
	if err := bp.disk.ReadPage(evictedID, buf); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if buf[0] != 7 {
		t.Fatalf("expected evicted page's dirty byte to be flushed, got %d", buf[0])
	}
}

func TestConcurrentFetchUnpinIsRaceFree(t *testing.T) {
	bp := newTestPool(t, 8)

	var ids []int64
	for i := 0; i < 8; i++ {
		pg, err := bp.NewPage()
		if err != nil {
			t.Fatalf("NewPage: %v", err)
		}
		ids = append(ids, pg.ID)
		bp.UnpinPage(pg.ID, false)
	}

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		id := ids[i%len(ids)]
		g.Go(func() error {
			pg, err := bp.FetchPage(id)
			if err != nil {
				return err
			}
			if pg != nil {
				bp.UnpinPage(pg.ID, false)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent fetch/unpin: %v", err)
	}
}
