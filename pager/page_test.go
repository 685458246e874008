// Package pager tests
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
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestSlottedPageInit(t *testing.T) {
	dir := setup(t)
	defer teardown(dir)

	pool, err := NewBufferPool(dir, Config{Slots: 4})
	if err != nil {
		t.Fatalf("Failed to create buffer pool: %v", err)
	}
	defer pool.Close()

	page, err := OpenPageMut(pool, PageAddr{FileID: 1, PageID: 0})
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}
	defer page.Release()

	count, err := page.NumCells()
	if err != nil {
		t.Fatalf("NumCells failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("Fresh page has %d cells", count)
	}
	if !page.HasSpaceFor(PAGE_SIZE - CELL_POINTERS_OFFSET - CELL_POINTER_SIZE) {
		t.Fatal("Fresh page should fit a maximal cell")
	}
	if page.HasSpaceFor(PAGE_SIZE) {
		t.Fatal("Fresh page cannot fit a PAGE_SIZE cell")
	}
}

func TestSlottedPageAllocateAndRead(t *testing.T) {
	dir := setup(t)
	defer teardown(dir)

	pool, err := NewBufferPool(dir, Config{Slots: 4})
	if err != nil {
		t.Fatalf("Failed to create buffer pool: %v", err)
	}
	defer pool.Close()

	page, err := OpenPageMut(pool, PageAddr{FileID: 1, PageID: 0})
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}

	cells := [][]byte{
		[]byte("first cell"),
		[]byte("b"),
		bytes.Repeat([]byte{0xAB}, 500),
	}
	for _, cell := range cells {
		body, err := page.AllocateCell(len(cell))
		if err != nil {
			t.Fatalf("AllocateCell failed: %v", err)
		}
		copy(body, cell)
	}

	count, err := page.NumCells()
	if err != nil {
		t.Fatalf("NumCells failed: %v", err)
	}
	if count != len(cells) {
		t.Fatalf("Expected %d cells, got %d", len(cells), count)
	}
	for i, expected := range cells {
		got, err := page.ReadCell(i)
		if err != nil {
			t.Fatalf("ReadCell(%d) failed: %v", i, err)
		}
		if !bytes.Equal(got, expected) {
			t.Fatalf("Cell %d mismatch", i)
		}
	}
	page.Release()

	// Read back through a fresh read pin
	readPage, err := OpenPage(pool, PageAddr{FileID: 1, PageID: 0})
	if err != nil {
		t.Fatalf("Failed to open page for read: %v", err)
	}
	defer readPage.Release()

	got, err := readPage.ReadCell(0)
	if err != nil {
		t.Fatalf("ReadCell failed: %v", err)
	}
	if !bytes.Equal(got, cells[0]) {
		t.Fatal("Cell 0 mismatch after re-pin")
	}
}

func TestSlottedPageFillToCapacity(t *testing.T) {
	dir := setup(t)
	defer teardown(dir)

	pool, err := NewBufferPool(dir, Config{Slots: 4})
	if err != nil {
		t.Fatalf("Failed to create buffer pool: %v", err)
	}
	defer pool.Close()

	page, err := OpenPageMut(pool, PageAddr{FileID: 1, PageID: 0})
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}
	defer page.Release()

	// Fill with fixed size cells until the page reports no space
	const cellSize = 100
	written := 0
	for page.HasSpaceFor(cellSize) {
		body, err := page.AllocateCell(cellSize)
		if err != nil {
			t.Fatalf("AllocateCell failed with space available: %v", err)
		}
		copy(body, []byte(fmt.Sprintf("cell-%d", written)))
		written++
	}

	if _, err := page.AllocateCell(cellSize); !errors.Is(err, ErrPageFull) {
		t.Fatalf("Expected ErrPageFull, got %v", err)
	}

	// Header stays sane and every cell reads back its stamp
	count, err := page.NumCells()
	if err != nil {
		t.Fatalf("NumCells failed: %v", err)
	}
	if count != written {
		t.Fatalf("Expected %d cells, got %d", written, count)
	}
	for i := 0; i < written; i++ {
		got, err := page.ReadCell(i)
		if err != nil {
			t.Fatalf("ReadCell(%d) failed: %v", i, err)
		}
		stamp := []byte(fmt.Sprintf("cell-%d", i))
		if !bytes.Equal(got[:len(stamp)], stamp) {
			t.Fatalf("Cell %d stamp mismatch", i)
		}
		if len(got) != cellSize {
			t.Fatalf("Cell %d has length %d", i, len(got))
		}
	}
}

func TestSlottedPageCellOutOfRange(t *testing.T) {
	dir := setup(t)
	defer teardown(dir)

	pool, err := NewBufferPool(dir, Config{Slots: 4})
	if err != nil {
		t.Fatalf("Failed to create buffer pool: %v", err)
	}
	defer pool.Close()

	page, err := OpenPageMut(pool, PageAddr{FileID: 1, PageID: 0})
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}
	defer page.Release()

	if _, err := page.ReadCell(0); !errors.Is(err, ErrCellOutOfRange) {
		t.Fatalf("Expected ErrCellOutOfRange on empty page, got %v", err)
	}

	if _, err := page.AllocateCell(10); err != nil {
		t.Fatalf("AllocateCell failed: %v", err)
	}
	if _, err := page.ReadCell(1); !errors.Is(err, ErrCellOutOfRange) {
		t.Fatalf("Expected ErrCellOutOfRange past the end, got %v", err)
	}
	if _, err := page.ReadCell(-1); !errors.Is(err, ErrCellOutOfRange) {
		t.Fatalf("Expected ErrCellOutOfRange for negative index, got %v", err)
	}
}

func TestSlottedPageCorruptHeader(t *testing.T) {
	dir := setup(t)
	defer teardown(dir)

	pool, err := NewBufferPool(dir, Config{Slots: 4})
	if err != nil {
		t.Fatalf("Failed to create buffer pool: %v", err)
	}
	defer pool.Close()

	// Scribble an impossible header directly into the frame
	guard, err := pool.PinWrite(PageAddr{FileID: 1, PageID: 0})
	if err != nil {
		t.Fatalf("Failed to pin: %v", err)
	}
	guard.Data()[0] = 0xFF
	guard.Data()[1] = 0xFF
	guard.Data()[2] = 0x01
	guard.Data()[3] = 0x00
	guard.Release()

	page, err := OpenPage(pool, PageAddr{FileID: 1, PageID: 0})
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}
	defer page.Release()

	if _, err := page.NumCells(); !errors.Is(err, ErrBadPageHeader) {
		t.Fatalf("Expected ErrBadPageHeader, got %v", err)
	}
}
