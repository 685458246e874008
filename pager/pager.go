// Package pager
// BSD 3-Clause License
//
// Copyright (c) 2024, Alex Gaetano Padula
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
package pager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

const PAGE_SIZE = 4096                   // Page size in bytes
const DEFAULT_POOL_SLOTS = 512           // Default number of buffer pool slots
const PAGE_FILE_EXTENSION = ".pagefile"  // The page file extension
const PAGE_FILE_NUM_DIGITS = 10          // Zero padding width for page file names

var ErrPoolExhausted = errors.New("buffer pool is full")           // no evictable slot within the sweep budget
var ErrShortRead = errors.New("short page read")                   // page smaller than PAGE_SIZE on disk
var ErrBadPageSize = errors.New("buffer is not page sized")        // caller passed a non PAGE_SIZE buffer
var ErrBadPageHeader = errors.New("page header out of range")      // slotted header violates its invariants
var ErrCellOutOfRange = errors.New("cell pointer out of range")    // cell pointer points outside the page
var ErrPageFull = errors.New("cell does not fit in page")          // allocate without space

// PageAddr identifies a page across all page files managed by a pool
type PageAddr struct {
	FileID uint64 // the page file id
	PageID uint64 // the page index within the file
}

// NextPage returns the address of the following page in the same file
func (a PageAddr) NextPage() PageAddr {
	return PageAddr{FileID: a.FileID, PageID: a.PageID + 1}
}

// BufferSlot is a frame caching one page image
type BufferSlot struct {
	lock  *sync.RWMutex // guards the frame, a slot's address changes only under the write lock
	addr  PageAddr      // the address currently cached
	data  []byte        // PAGE_SIZE page image
	dirty bool          // frame is newer than disk
	valid bool          // frame caches a real page, false until first load
}

// Config configures a buffer pool
type Config struct {
	Slots       int  // number of frames, DEFAULT_POOL_SLOTS when zero
	UseDirectIO bool // open page files with O_DIRECT and use aligned frames
	InMemory    bool // back page files with process memory instead of the filesystem
}

// BufferPool is a fixed capacity cache of page frames over a set of page
// files, with clock second-chance eviction.
type BufferPool struct {
	slots       []*BufferSlot  // the frames
	touched     []atomic.Bool  // second chance bits, one per frame
	nextSlot    atomic.Uint64  // clock sweep cursor
	pageToSlot  *sync.Map      // PageAddr -> slot index
	pageFiles   *sync.Map      // file id -> *PageFile
	dir         string         // directory holding the page files
	useDirectIO bool           // passed through to OpenPageFile
	inMemory    bool           // page files live in memory
}

// NewBufferPool creates a buffer pool rooted at dir
func NewBufferPool(dir string, config Config) (*BufferPool, error) {
	if config.Slots <= 0 {
		config.Slots = DEFAULT_POOL_SLOTS
	}

	if !config.InMemory {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "create page file directory")
		}
	}

	pool := &BufferPool{
		slots:       make([]*BufferSlot, config.Slots),
		touched:     make([]atomic.Bool, config.Slots),
		pageToSlot:  &sync.Map{},
		pageFiles:   &sync.Map{},
		dir:         dir,
		useDirectIO: config.UseDirectIO,
		inMemory:    config.InMemory,
	}

	for i := range pool.slots {
		var frame []byte
		if config.UseDirectIO {
			frame = directio.AlignedBlock(PAGE_SIZE) // O_DIRECT needs aligned buffers
		} else {
			frame = make([]byte, PAGE_SIZE)
		}
		pool.slots[i] = &BufferSlot{lock: &sync.RWMutex{}, data: frame}
	}

	return pool, nil
}

// ReadGuard is a read pin on a frame
type ReadGuard struct {
	slot *BufferSlot
}

// Data returns the pinned page image.  Valid until Release.
func (g *ReadGuard) Data() []byte {
	return g.slot.data
}

// Release unpins the frame
func (g *ReadGuard) Release() {
	g.slot.lock.RUnlock()
}

// WriteGuard is a write pin on a frame
type WriteGuard struct {
	slot *BufferSlot
}

// Data returns the pinned page image.  Valid until Release.
func (g *WriteGuard) Data() []byte {
	return g.slot.data
}

// Release unpins the frame
func (g *WriteGuard) Release() {
	g.slot.lock.Unlock()
}

// PinRead pins the page at addr for reading, loading it into a frame if needed
func (p *BufferPool) PinRead(addr PageAddr) (*ReadGuard, error) {
	for {
		// Fast path, the page is already mapped to a slot
		if v, ok := p.pageToSlot.Load(addr); ok {
			idx := v.(int)
			slot := p.slots[idx]

			slot.lock.RLock()
			if !slot.valid || slot.addr != addr {
				// Evicted between lookup and lock, retry
				slot.lock.RUnlock()
				continue
			}

			p.touched[idx].Store(true)
			return &ReadGuard{slot: slot}, nil
		}

		// Slow path, bring the page in.  The write lock cannot be downgraded
		// so we publish the mapping, drop the pin and go around again.
		idx, err := p.allocateSlot(addr, false)
		if err != nil {
			return nil, err
		}
		if idx >= 0 {
			p.slots[idx].lock.Unlock()
		}
	}
}

// PinWrite pins the page at addr for writing and marks the frame dirty
func (p *BufferPool) PinWrite(addr PageAddr) (*WriteGuard, error) {
	for {
		// Fast path, the page is already mapped to a slot
		if v, ok := p.pageToSlot.Load(addr); ok {
			idx := v.(int)
			slot := p.slots[idx]

			slot.lock.Lock()
			if !slot.valid || slot.addr != addr {
				// Evicted between lookup and lock, retry
				slot.lock.Unlock()
				continue
			}

			p.touched[idx].Store(true)
			slot.dirty = true
			return &WriteGuard{slot: slot}, nil
		}

		// Slow path, bring the page in, creating it if the file is short
		idx, err := p.allocateSlot(addr, true)
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			// Lost the allocation race, retry the fast path
			continue
		}
		slot := p.slots[idx]
		slot.dirty = true
		return &WriteGuard{slot: slot}, nil
	}
}

// allocateSlot finds a victim frame via the clock sweep, writes it back when
// dirty, and loads addr into it.  On success the slot's write lock is held by
// the caller.  A slot whose touched bit is set gets a second chance.
// Returns -1 with no lock held when a concurrent pin won the race to cache
// addr, the caller retries its fast path.
func (p *BufferPool) allocateSlot(addr PageAddr, createIfShort bool) (int, error) {
	for i := 0; i < len(p.slots)*2; i++ {
		idx := int((p.nextSlot.Add(1) - 1) % uint64(len(p.slots)))

		if p.touched[idx].Load() {
			p.touched[idx].Store(false)
			continue
		}

		slot := p.slots[idx]
		if !slot.lock.TryLock() {
			// Pinned, try the next frame
			continue
		}

		if slot.dirty {
			pageFile, err := p.getPageFile(slot.addr.FileID)
			if err != nil {
				slot.lock.Unlock()
				return 0, err
			}
			if err := pageFile.WritePage(slot.addr.PageID, slot.data); err != nil {
				slot.lock.Unlock()
				return 0, err
			}
			slot.dirty = false
		}

		// Unmap the old page.  Only a valid slot owns its address.
		if slot.valid {
			p.pageToSlot.Delete(slot.addr)
			slot.valid = false
		}
		p.touched[idx].Store(true)

		pageFile, err := p.getPageFile(addr.FileID)
		if err != nil {
			slot.lock.Unlock()
			return 0, err
		}
		if err := pageFile.ReadPage(addr.PageID, slot.data, createIfShort); err != nil {
			slot.lock.Unlock()
			return 0, err
		}

		slot.addr = addr
		slot.valid = true
		slot.dirty = false

		// Publish the mapping.  A concurrent pin of the same address may have
		// loaded its own slot first, in that case its slot is authoritative
		// and this one is abandoned so no address is ever cached twice.
		if existing, loaded := p.pageToSlot.LoadOrStore(addr, idx); loaded && existing.(int) != idx {
			slot.valid = false
			slot.lock.Unlock()
			return -1, nil
		}

		return idx, nil
	}

	return 0, ErrPoolExhausted
}

// getPageFile returns the page file for fileID, opening it on first use
func (p *BufferPool) getPageFile(fileID uint64) (*PageFile, error) {
	if v, ok := p.pageFiles.Load(fileID); ok {
		return v.(*PageFile), nil
	}

	var pageFile *PageFile
	if p.inMemory {
		pageFile = OpenMemPageFile()
	} else {
		name := fmt.Sprintf("%0*d%s", PAGE_FILE_NUM_DIGITS, fileID, PAGE_FILE_EXTENSION)
		var err error
		pageFile, err = OpenPageFile(filepath.Join(p.dir, name), p.useDirectIO)
		if err != nil {
			return nil, err
		}
	}

	actual, loaded := p.pageFiles.LoadOrStore(fileID, pageFile)
	if loaded {
		// Another goroutine won the race, use its page file
		pageFile.Close()
		return actual.(*PageFile), nil
	}

	return pageFile, nil
}

// Flush writes back every dirty frame that is not currently pinned
func (p *BufferPool) Flush() error {
	for _, slot := range p.slots {
		if !slot.lock.TryLock() {
			continue
		}

		if slot.dirty {
			pageFile, err := p.getPageFile(slot.addr.FileID)
			if err != nil {
				slot.lock.Unlock()
				return err
			}
			if err := pageFile.WritePage(slot.addr.PageID, slot.data); err != nil {
				slot.lock.Unlock()
				return err
			}
			slot.dirty = false
		}

		slot.lock.Unlock()
	}

	return nil
}

// Close flushes the pool and syncs and closes every open page file
func (p *BufferPool) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}

	var closeErr error
	p.pageFiles.Range(func(_, v interface{}) bool {
		pageFile := v.(*PageFile)
		if err := pageFile.Sync(); err != nil && closeErr == nil {
			closeErr = err
		}
		if err := pageFile.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		return true
	})

	return closeErr
}
