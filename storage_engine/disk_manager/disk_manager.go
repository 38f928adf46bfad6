// Package diskmanager handles physical page I/O for the buffer pool. It
// is deliberately minimal: block read/write/allocate/deallocate against
// a single backing file, with none of the WAL, catalog, or crash-recovery
// machinery a full storage engine would carry. The BufferPool is the
// only caller.
package diskmanager

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"dbkernel/types"
)

// DiskManager owns one OS file and hands out page IDs sequentially.
// page_id 0 is reserved for the header page (types.HeaderPageID); the first
// page AllocatePage returns is page_id 1.
type DiskManager struct {
	file *os.File

	mu         sync.Mutex
	nextPageID int64
	freeList   []int64 // deallocated page ids available for reuse

	log *logrus.Entry
}

// New opens (or creates) path as the disk manager's backing file. If the
// file already holds pages, nextPageID resumes from the file's size so a
// reopened database does not clobber existing pages.
func New(path string) (*DiskManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("diskmanager: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskmanager: stat %s: %w", path, err)
	}

	numPages := stat.Size() / types.PageSize
	next := numPages
	if next < 1 {
		// Reserve page 0 for the header page even on a brand new file.
		next = 1
	}

	dm := &DiskManager{
		file:       f,
		nextPageID: next,
		log:        logrus.WithField("component", "diskmanager"),
	}
	dm.log.WithFields(logrus.Fields{"path": path, "next_page_id": next}).Debug("opened")
	return dm, nil
}

// ReadPage reads the page at page_id into buf, which must be types.PageSize
// bytes. Reading a page beyond the current end of file yields a zeroed
// buffer (the page was allocated but never written).
func (dm *DiskManager) ReadPage(pageID int64, buf []byte) error {
	if pageID == types.InvalidPageID {
		return fmt.Errorf("diskmanager: read of invalid page id")
	}
	if len(buf) != types.PageSize {
		return fmt.Errorf("diskmanager: buffer must be %d bytes, got %d", types.PageSize, len(buf))
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	offset := pageID * types.PageSize
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		// Beyond EOF: treat as an unwritten, all-zero page.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if n < len(buf) {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	return nil
}

// WritePage writes buf (types.PageSize bytes) to page_id's on-disk slot.
func (dm *DiskManager) WritePage(pageID int64, buf []byte) error {
	if pageID == types.InvalidPageID {
		return fmt.Errorf("diskmanager: write of invalid page id")
	}
	if len(buf) != types.PageSize {
		return fmt.Errorf("diskmanager: buffer must be %d bytes, got %d", types.PageSize, len(buf))
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	offset := pageID * types.PageSize
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("diskmanager: write page %d: %w", pageID, err)
	}
	return nil
}

// AllocatePage reserves a fresh page id, reusing a deallocated one if any
// are available. It does not write to disk; the caller (BufferPool) writes
// through on first flush.
func (dm *DiskManager) AllocatePage() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if n := len(dm.freeList); n > 0 {
		id := dm.freeList[n-1]
		dm.freeList = dm.freeList[:n-1]
		return id, nil
	}

	id := dm.nextPageID
	dm.nextPageID++
	return id, nil
}

// DeallocatePage returns page_id to the free list for future reuse.
func (dm *DiskManager) DeallocatePage(pageID int64) error {
	if pageID == types.InvalidPageID || pageID == types.HeaderPageID {
		return fmt.Errorf("diskmanager: cannot deallocate page %d", pageID)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.freeList = append(dm.freeList, pageID)
	return nil
}

// Sync flushes the backing file to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.file.Sync()
}

// Close syncs and closes the backing file.
func (dm *DiskManager) Close() error {
	if err := dm.Sync(); err != nil {
		return err
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.file.Close()
}
