package bplustree

import (
	"encoding/binary"
	"fmt"
	"sync"

	"dbkernel/storage_engine/bufferpool"
	"dbkernel/storage_engine/page"
	"dbkernel/types"
)

// HeaderDirectory owns the header page: a persistent index_name ->
// root_page_id mapping stored at page_id 0, so a tree can be reopened.
// Several trees sharing one buffer pool share one directory.
type HeaderDirectory struct {
	bp *bufferpool.BufferPool
	mu sync.Mutex
}

type headerEntry struct {
	name       string
	rootPageID int64
}

// NewHeaderDirectory fetches the header page (page 0, which the disk
// manager reserves; nothing is allocated or written here) and returns a
// directory bound to it.
func NewHeaderDirectory(bp *bufferpool.BufferPool) (*HeaderDirectory, error) {
	pg, err := bp.FetchPage(types.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("bplustree: fetch header page: %w", err)
	}
	if pg == nil {
		return nil, fmt.Errorf("bplustree: buffer pool exhausted opening header page")
	}
	// A freshly created file reads back as all zeros, which decodes to a
	// valid empty directory (count == 0); nothing to initialize.
	pg.PageType = types.PageTypeMetadata
	bp.UnpinPage(pg.ID, false)
	return &HeaderDirectory{bp: bp}, nil
}

// GetRootID returns the persisted root page id for name, if any.
func (h *HeaderDirectory) GetRootID(name string) (int64, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pg, entries, err := h.fetchLocked()
	if err != nil {
		return types.InvalidPageID, false, err
	}
	defer h.bp.UnpinPage(pg.ID, false)

	for _, e := range entries {
		if e.name == name {
			return e.rootPageID, true, nil
		}
	}
	return types.InvalidPageID, false, nil
}

// SetRootID inserts or updates name's root page id.
func (h *HeaderDirectory) SetRootID(name string, rootPageID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	pg, entries, err := h.fetchLocked()
	if err != nil {
		return err
	}
	defer h.bp.UnpinPage(pg.ID, false)

	found := false
	for i := range entries {
		if entries[i].name == name {
			entries[i].rootPageID = rootPageID
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, headerEntry{name: name, rootPageID: rootPageID})
	}

	if err := writeHeaderEntries(pg.Data, entries); err != nil {
		return err
	}
	pg.IsDirty = true
	return nil
}

// DeleteEntry removes name from the directory, if present.
func (h *HeaderDirectory) DeleteEntry(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	pg, entries, err := h.fetchLocked()
	if err != nil {
		return err
	}
	defer h.bp.UnpinPage(pg.ID, false)

	out := entries[:0]
	for _, e := range entries {
		if e.name != name {
			out = append(out, e)
		}
	}

	if err := writeHeaderEntries(pg.Data, out); err != nil {
		return err
	}
	pg.IsDirty = true
	return nil
}

// fetchLocked fetches the pinned header page and its decoded entries.
// Caller holds h.mu and owns the returned pin.
func (h *HeaderDirectory) fetchLocked() (*page.Page, []headerEntry, error) {
	pg, err := h.bp.FetchPage(types.HeaderPageID)
	if err != nil {
		return nil, nil, fmt.Errorf("bplustree: fetch header page: %w", err)
	}
	if pg == nil {
		return nil, nil, fmt.Errorf("bplustree: buffer pool exhausted reading header page")
	}
	entries, err := readHeaderEntries(pg.Data)
	if err != nil {
		h.bp.UnpinPage(pg.ID, false)
		return nil, nil, err
	}
	return pg, entries, nil
}

func writeHeaderEntries(buf []byte, entries []headerEntry) error {
	if len(buf) != types.PageSize {
		return fmt.Errorf("bplustree: header buffer must be %d bytes", types.PageSize)
	}
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(entries)))
	off += 4
	for _, e := range entries {
		if off+2+len(e.name)+8 > types.PageSize {
			return fmt.Errorf("bplustree: header page overflow")
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.name)))
		off += 2
		off += copy(buf[off:], e.name)
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.rootPageID))
		off += 8
	}
	return nil
}

func readHeaderEntries(buf []byte) ([]headerEntry, error) {
	if len(buf) != types.PageSize {
		return nil, fmt.Errorf("bplustree: header buffer must be %d bytes", types.PageSize)
	}
	off := 0
	count := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	entries := make([]headerEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > types.PageSize {
			return nil, fmt.Errorf("bplustree: header page overflow reading entry %d", i)
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+nameLen+8 > types.PageSize {
			return nil, fmt.Errorf("bplustree: header page overflow reading entry %d", i)
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		root := int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		entries = append(entries, headerEntry{name: name, rootPageID: root})
	}
	return entries, nil
}
