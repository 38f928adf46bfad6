// Package bufferpool implements a fixed-size array of frames mapping
// page identifiers to in-memory pages, pinned/unpinned by callers and
// evicted by an LRU replacer when the pool is full.
package bufferpool

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	diskmanager "dbkernel/storage_engine/disk_manager"
	"dbkernel/storage_engine/page"
	"dbkernel/types"
)

// Stats reports a snapshot of pool occupancy.
type Stats struct {
	Capacity    int
	TotalPages  int
	PinnedPages int
	DirtyPages  int
	HitRate     float64
}

// BufferPool owns pool_size frames and the page table mapping resident
// page ids to frames. A single pool-wide mutex serializes every
// operation; page content latches (page.Page.Lock/RLock) are orthogonal
// and guard content, not pool bookkeeping.
type BufferPool struct {
	mu sync.Mutex

	frames    []*page.Page // fixed array of pool_size frames; nil until first use
	pageTable map[int64]int
	freeList  []int
	replacer  *lruReplacer

	disk *diskmanager.DiskManager
	hits *hitTracker

	log *logrus.Entry
}

// New creates a buffer pool with the given number of frames, backed by
// disk for page misses and evictions.
func New(poolSize int, disk *diskmanager.DiskManager) *BufferPool {
	free := make([]int, poolSize)
	for i := range free {
		free[i] = poolSize - 1 - i // LIFO: frame 0 handed out first
	}

	return &BufferPool{
		frames:    make([]*page.Page, poolSize),
		pageTable: make(map[int64]int, poolSize),
		freeList:  free,
		replacer:  newLRUReplacer(poolSize),
		disk:      disk,
		hits:      newHitTracker(),
		log:       logrus.WithField("component", "bufferpool"),
	}
}

func (bp *BufferPool) Close() {
	bp.hits.close()
}

// FetchPage returns the page for pageID, pinned, loading it from disk if
// it is not resident. Returns nil if every frame is pinned.
func (bp *BufferPool) FetchPage(pageID int64) (*page.Page, error) {
	if pageID == types.InvalidPageID {
		return nil, fmt.Errorf("bufferpool: fetch of invalid page id")
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	bp.hits.touch(pageID)

	if frameID, ok := bp.pageTable[pageID]; ok {
		pg := bp.frames[frameID]
		bp.replacer.Pin(frameID)
		pg.PinCount++
		bp.log.WithFields(logrus.Fields{"page_id": pageID, "frame_id": frameID}).Debug("fetch hit")
		return pg, nil
	}

	frameID, ok, err := bp.acquireFrame()
	if err != nil {
		return nil, err
	}
	if !ok {
		bp.log.WithField("page_id", pageID).Warn("fetch: pool exhausted")
		return nil, nil
	}

	pg := bp.frames[frameID]
	pg.Reset(pageID, types.PageTypeUnknown)
	if err := bp.disk.ReadPage(pageID, pg.Data); err != nil {
		bp.freeList = append(bp.freeList, frameID)
		return nil, fmt.Errorf("bufferpool: read page %d: %w", pageID, err)
	}

	pg.PinCount = 1
	bp.pageTable[pageID] = frameID
	bp.log.WithFields(logrus.Fields{"page_id": pageID, "frame_id": frameID}).Debug("fetch miss")
	return pg, nil
}

// NewPage allocates a fresh page via the disk manager, installs it in a
// frame pinned once, and returns it. Fails if every frame is pinned.
func (bp *BufferPool) NewPage() (*page.Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok, err := bp.acquireFrame()
	if err != nil {
		return nil, err
	}
	if !ok {
		bp.log.Warn("new page: pool exhausted")
		return nil, nil
	}

	pageID, err := bp.disk.AllocatePage()
	if err != nil {
		bp.freeList = append(bp.freeList, frameID)
		return nil, fmt.Errorf("bufferpool: allocate page: %w", err)
	}

	pg := bp.frames[frameID]
	pg.Reset(pageID, types.PageTypeUnknown)
	pg.PinCount = 1
	bp.pageTable[pageID] = frameID
	bp.log.WithFields(logrus.Fields{"page_id": pageID, "frame_id": frameID}).Debug("new page")
	return pg, nil
}

// UnpinPage decrements pageID's pin count and, when it reaches zero,
// hands the frame to the replacer. Fails if pageID is not resident or is
// already unpinned.
func (bp *BufferPool) UnpinPage(pageID int64, isDirty bool) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTable[pageID]
	if !ok {
		return false
	}
	pg := bp.frames[frameID]

	if pg.PinCount <= 0 {
		return false
	}

	if isDirty {
		pg.IsDirty = true
	}
	pg.PinCount--
	if pg.PinCount == 0 {
		bp.replacer.Unpin(frameID)
	}
	return true
}

// DeletePage removes pageID from the pool and asks the disk manager to
// deallocate it. Succeeds vacuously if the page is not resident; fails if
// it is resident and pinned.
func (bp *BufferPool) DeletePage(pageID int64) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTable[pageID]
	if !ok {
		return true
	}
	pg := bp.frames[frameID]
	if pg.PinCount > 0 {
		return false
	}

	bp.replacer.Pin(frameID) // remove from replacer membership, if present
	delete(bp.pageTable, pageID)
	pg.Reset(types.InvalidPageID, types.PageTypeUnknown)
	bp.freeList = append(bp.freeList, frameID)

	if err := bp.disk.DeallocatePage(pageID); err != nil {
		bp.log.WithField("page_id", pageID).WithError(err).Warn("deallocate failed")
	}
	return true
}

// FlushPage writes pageID through to disk and clears its dirty flag.
func (bp *BufferPool) FlushPage(pageID int64) bool {
	if pageID == types.InvalidPageID {
		return false
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameID, ok := bp.pageTable[pageID]
	if !ok {
		return false
	}
	return bp.flushFrameLocked(frameID)
}

// FlushAllPages writes every dirty resident page through to disk.
func (bp *BufferPool) FlushAllPages() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for _, frameID := range bp.pageTable {
		bp.flushFrameLocked(frameID)
	}
}

// flushFrameLocked writes the frame's page if dirty. Caller holds bp.mu.
func (bp *BufferPool) flushFrameLocked(frameID int) bool {
	pg := bp.frames[frameID]
	if !pg.IsDirty {
		return true
	}
	if err := bp.disk.WritePage(pg.ID, pg.Data); err != nil {
		bp.log.WithField("page_id", pg.ID).WithError(err).Warn("flush failed")
		return false
	}
	pg.IsDirty = false
	return true
}

// acquireFrame returns a frame ready to hold a new page: preferring the
// free list (LIFO), else evicting the replacer's victim, writing it back
// first if dirty. Returns ok=false if no frame is available.
//
// Caller holds bp.mu.
func (bp *BufferPool) acquireFrame() (int, bool, error) {
	if n := len(bp.freeList); n > 0 {
		frameID := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		if bp.frames[frameID] == nil {
			bp.frames[frameID] = page.New(types.InvalidPageID, types.PageTypeUnknown)
		}
		return frameID, true, nil
	}

	frameID, ok := bp.replacer.Victim()
	if !ok {
		return 0, false, nil
	}

	victim := bp.frames[frameID]
	if victim.IsDirty {
		if err := bp.disk.WritePage(victim.ID, victim.Data); err != nil {
			// Victim stays resident; return it to the replacer so it can
			// be retried, rather than losing track of it.
			bp.replacer.Unpin(frameID)
			return 0, false, fmt.Errorf("bufferpool: writeback page %d: %w", victim.ID, err)
		}
		victim.IsDirty = false
	}
	delete(bp.pageTable, victim.ID)
	return frameID, true, nil
}

// GetStats returns a snapshot of pool occupancy.
func (bp *BufferPool) GetStats() Stats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	stats := Stats{Capacity: len(bp.frames), TotalPages: len(bp.pageTable), HitRate: bp.hits.ratio()}
	for _, frameID := range bp.pageTable {
		pg := bp.frames[frameID]
		if pg.PinCount > 0 {
			stats.PinnedPages++
		}
		if pg.IsDirty {
			stats.DirtyPages++
		}
	}
	return stats
}

// Size returns the number of pages currently resident.
func (bp *BufferPool) Size() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.pageTable)
}

// Capacity returns the pool's fixed frame count.
func (bp *BufferPool) Capacity() int {
	return len(bp.frames)
}
