// Package page defines the fixed-size in-memory representation shared by
// every page the buffer pool manages, whatever the page's content
// interprets to (B+Tree node or header directory).
package page

import (
	"sync"

	"dbkernel/types"
)

// Page is one frame's worth of buffer-pool-resident content: a fixed-size
// byte block plus the bookkeeping the buffer pool and its callers need.
// mu is the page's own reader/writer latch, orthogonal to the buffer
// pool's pool-wide latch, which guards the page table and replacer, not
// page content.
type Page struct {
	ID       int64
	Data     []byte
	IsDirty  bool
	PinCount int32
	PageType types.PageType

	mu sync.RWMutex
}

// New allocates a zeroed page of the fixed page size.
func New(id int64, pageType types.PageType) *Page {
	return &Page{
		ID:       id,
		Data:     make([]byte, types.PageSize),
		PageType: pageType,
	}
}

func (p *Page) Lock()    { p.mu.Lock() }
func (p *Page) Unlock()  { p.mu.Unlock() }
func (p *Page) RLock()   { p.mu.RLock() }
func (p *Page) RUnlock() { p.mu.RUnlock() }

// Reset zeroes the page's data and resets its identity, done before a
// frame is reused for a different page.
func (p *Page) Reset(id int64, pageType types.PageType) {
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.ID = id
	p.PageType = pageType
	p.IsDirty = false
	p.PinCount = 0
}
