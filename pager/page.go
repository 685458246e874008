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
	"encoding/binary"

	"github.com/pkg/errors"
)

// Slotted page layout:
//   free_start u16 | free_end u16 | cell pointers (body_off u16, body_len u16) | free space | cell bodies
// Cell pointers grow up from offset 4, cell bodies grow down from PAGE_SIZE.

const FREE_START_OFFSET = 0   // header word, offset of the next cell pointer
const FREE_END_OFFSET = 2     // header word, one past the next cell body
const CELL_POINTERS_OFFSET = 4
const CELL_POINTER_SIZE = 4

// Page is a read view over a pinned slotted page
type Page struct {
	guard *ReadGuard
}

// PageMut is a write view over a pinned slotted page
type PageMut struct {
	guard *WriteGuard
}

// OpenPage pins addr for reading
func OpenPage(pool *BufferPool, addr PageAddr) (*Page, error) {
	guard, err := pool.PinRead(addr)
	if err != nil {
		return nil, err
	}
	return &Page{guard: guard}, nil
}

// OpenPageMut pins addr for writing, initializing the header if the page is fresh
func OpenPageMut(pool *BufferPool, addr PageAddr) (*PageMut, error) {
	guard, err := pool.PinWrite(addr)
	if err != nil {
		return nil, err
	}

	page := &PageMut{guard: guard}
	data := guard.Data()
	if readU16(data, FREE_START_OFFSET) == 0 && readU16(data, FREE_END_OFFSET) == 0 {
		// Fresh page, set up the empty slotted layout
		writeU16(data, FREE_START_OFFSET, CELL_POINTERS_OFFSET)
		writeU16(data, FREE_END_OFFSET, PAGE_SIZE)
	}

	return page, nil
}

// Release unpins the page
func (p *Page) Release() {
	p.guard.Release()
}

// Release unpins the page
func (p *PageMut) Release() {
	p.guard.Release()
}

// NumCells returns the number of cells in the page
func (p *Page) NumCells() (int, error) {
	return numCells(p.guard.Data())
}

// NumCells returns the number of cells in the page
func (p *PageMut) NumCells() (int, error) {
	return numCells(p.guard.Data())
}

// ReadCell returns the body of cell i, a slice into the pinned frame.
// The slice is valid until Release.
func (p *Page) ReadCell(i int) ([]byte, error) {
	return readCell(p.guard.Data(), i)
}

// ReadCell returns the body of cell i, a slice into the pinned frame
func (p *PageMut) ReadCell(i int) ([]byte, error) {
	return readCell(p.guard.Data(), i)
}

// HasSpaceFor reports whether a cell of n body bytes fits in the page
func (p *PageMut) HasSpaceFor(n int) bool {
	data := p.guard.Data()
	freeStart := int(readU16(data, FREE_START_OFFSET))
	freeEnd := int(readU16(data, FREE_END_OFFSET))
	return freeEnd-freeStart >= n+CELL_POINTER_SIZE
}

// AllocateCell reserves a cell of n bytes and returns its writable body.
// Cells are immutable once written, there is no free or update.
func (p *PageMut) AllocateCell(n int) ([]byte, error) {
	if !p.HasSpaceFor(n) {
		return nil, ErrPageFull
	}

	data := p.guard.Data()
	freeStart := int(readU16(data, FREE_START_OFFSET))
	freeEnd := int(readU16(data, FREE_END_OFFSET))

	// Cell pointer, then shrink the free space from both ends
	writeU16(data, freeStart, uint16(freeEnd-n))
	writeU16(data, freeStart+2, uint16(n))
	writeU16(data, FREE_START_OFFSET, uint16(freeStart+CELL_POINTER_SIZE))
	writeU16(data, FREE_END_OFFSET, uint16(freeEnd-n))

	return data[freeEnd-n : freeEnd], nil
}

func readU16(data []byte, offset int) uint16 {
	return binary.LittleEndian.Uint16(data[offset : offset+2])
}

func writeU16(data []byte, offset int, value uint16) {
	binary.LittleEndian.PutUint16(data[offset:offset+2], value)
}

func numCells(data []byte) (int, error) {
	freeStart := int(readU16(data, FREE_START_OFFSET))
	freeEnd := int(readU16(data, FREE_END_OFFSET))
	if freeStart < CELL_POINTERS_OFFSET || freeStart > freeEnd || freeEnd > PAGE_SIZE {
		return 0, errors.Wrapf(ErrBadPageHeader, "free_start %d free_end %d", freeStart, freeEnd)
	}
	return (freeStart - CELL_POINTERS_OFFSET) / CELL_POINTER_SIZE, nil
}

func readCell(data []byte, i int) ([]byte, error) {
	count, err := numCells(data)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= count {
		return nil, errors.Wrapf(ErrCellOutOfRange, "cell %d of %d", i, count)
	}

	pointerOffset := CELL_POINTERS_OFFSET + i*CELL_POINTER_SIZE
	start := int(readU16(data, pointerOffset))
	end := start + int(readU16(data, pointerOffset+2))
	if start >= end || end > PAGE_SIZE {
		return nil, errors.Wrapf(ErrCellOutOfRange, "cell %d body %d..%d", i, start, end)
	}

	return data[start:end], nil
}
