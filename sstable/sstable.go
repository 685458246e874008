// Package sstable
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
package sstable

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/mdakram28/thordb/entry"
	"github.com/mdakram28/thordb/pager"
	"github.com/mdakram28/thordb/varint"
)

const META_PAGE = 0       // page holding the metadata cell
const FIRST_DATA_PAGE = 1 // first page holding entry cells

var ErrBadMeta = errors.New("sstable metadata corrupt")

// Meta is the summary record stored in the sole cell of page 0.
// Layout: id | entry_count | start_page | end_page | min_seq | max_seq, all
// u64 LE, then u32-prefixed min and max keys.
type Meta struct {
	ID         uint64
	EntryCount uint64
	StartPage  uint64
	EndPage    uint64
	MinSeq     entry.SeqNum
	MaxSeq     entry.SeqNum
	MinKey     []byte
	MaxKey     []byte
}

// Writer streams sorted entries into the slotted pages of a dedicated page
// file.  Callers must feed entries in (key asc, seq desc) order, the writer
// does not validate the ordering.
type Writer struct {
	pool        *pager.BufferPool
	fileID      uint64
	currentPage pager.PageAddr
	pageMut     *pager.PageMut
	entryCount  uint64
	minKey      []byte
	maxKey      []byte
	minSeq      entry.SeqNum
	maxSeq      entry.SeqNum
	compress    bool
}

// NewWriter creates a writer for a new SSTable identified by fileID.
// Page 0 is reserved for metadata, data starts at page 1.
func NewWriter(pool *pager.BufferPool, fileID uint64, compress bool) (*Writer, error) {
	addr := pager.PageAddr{FileID: fileID, PageID: FIRST_DATA_PAGE}
	pageMut, err := pager.OpenPageMut(pool, addr)
	if err != nil {
		return nil, err
	}

	return &Writer{
		pool:        pool,
		fileID:      fileID,
		currentPage: addr,
		pageMut:     pageMut,
		minSeq:      math.MaxUint64,
		compress:    compress,
	}, nil
}

// WriteEntry appends one entry.  When the current page lacks space the
// writer overflows to the next page, ordering is preserved because entries
// arrive sorted.
func (w *Writer) WriteEntry(e entry.Entry) error {
	if w.compress && !e.Tombstone {
		e.Value = snappy.Encode(nil, e.Value)
	}

	cell := wrapCell(e.Append(nil))

	if !w.pageMut.HasSpaceFor(len(cell)) {
		w.pageMut.Release()
		w.currentPage = w.currentPage.NextPage()
		pageMut, err := pager.OpenPageMut(w.pool, w.currentPage)
		if err != nil {
			w.pageMut = nil
			return err
		}
		w.pageMut = pageMut
	}

	body, err := w.pageMut.AllocateCell(len(cell))
	if err != nil {
		return err
	}
	copy(body, cell)

	w.entryCount++
	if w.minKey == nil {
		w.minKey = append([]byte(nil), e.Key...)
	}
	w.maxKey = append(w.maxKey[:0], e.Key...)
	if e.Seq < w.minSeq {
		w.minSeq = e.Seq
	}
	if e.Seq > w.maxSeq {
		w.maxSeq = e.Seq
	}

	return nil
}

// Finish writes the metadata cell to page 0 and returns the summary record
func (w *Writer) Finish() (Meta, error) {
	w.pageMut.Release()
	w.pageMut = nil

	minSeq := w.minSeq
	if minSeq == math.MaxUint64 {
		minSeq = 0 // empty table
	}

	meta := Meta{
		ID:         w.fileID,
		EntryCount: w.entryCount,
		StartPage:  FIRST_DATA_PAGE,
		EndPage:    w.currentPage.PageID,
		MinSeq:     minSeq,
		MaxSeq:     w.maxSeq,
		MinKey:     w.minKey,
		MaxKey:     w.maxKey,
	}

	metaPage, err := pager.OpenPageMut(w.pool, pager.PageAddr{FileID: w.fileID, PageID: META_PAGE})
	if err != nil {
		return Meta{}, err
	}
	defer metaPage.Release()

	cell := wrapCell(meta.append(nil))
	body, err := metaPage.AllocateCell(len(cell))
	if err != nil {
		return Meta{}, err
	}
	copy(body, cell)

	return meta, nil
}

func (m *Meta) append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, m.ID)
	dst = binary.LittleEndian.AppendUint64(dst, m.EntryCount)
	dst = binary.LittleEndian.AppendUint64(dst, m.StartPage)
	dst = binary.LittleEndian.AppendUint64(dst, m.EndPage)
	dst = binary.LittleEndian.AppendUint64(dst, m.MinSeq)
	dst = binary.LittleEndian.AppendUint64(dst, m.MaxSeq)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(m.MinKey)))
	dst = append(dst, m.MinKey...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(m.MaxKey)))
	dst = append(dst, m.MaxKey...)
	return dst
}

func parseMeta(data []byte) (Meta, error) {
	var m Meta
	if len(data) < 6*8+4 {
		return m, ErrBadMeta
	}

	m.ID = binary.LittleEndian.Uint64(data[0:])
	m.EntryCount = binary.LittleEndian.Uint64(data[8:])
	m.StartPage = binary.LittleEndian.Uint64(data[16:])
	m.EndPage = binary.LittleEndian.Uint64(data[24:])
	m.MinSeq = binary.LittleEndian.Uint64(data[32:])
	m.MaxSeq = binary.LittleEndian.Uint64(data[40:])
	pos := 48

	minKeyLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if len(data)-pos < minKeyLen+4 {
		return m, ErrBadMeta
	}
	m.MinKey = append([]byte(nil), data[pos:pos+minKeyLen]...)
	pos += minKeyLen

	maxKeyLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if len(data)-pos < maxKeyLen {
		return m, ErrBadMeta
	}
	m.MaxKey = append([]byte(nil), data[pos:pos+maxKeyLen]...)

	return m, nil
}

// wrapCell wraps a payload as a single-field cell, one null-bitmap byte with
// the field present, then a varint length and the payload bytes
func wrapCell(payload []byte) []byte {
	cell := make([]byte, 0, 1+varint.Len(uint64(len(payload)))+len(payload))
	cell = append(cell, 0)
	cell = varint.Append(cell, uint64(len(payload)))
	return append(cell, payload...)
}

// unwrapCell returns the payload of a single-field cell
func unwrapCell(cell []byte) ([]byte, error) {
	if len(cell) < 2 {
		return nil, errors.Wrap(ErrBadMeta, "cell too short")
	}

	payloadLen, n, err := varint.Decode(cell[1:])
	if err != nil {
		return nil, err
	}
	offset := 1 + n
	if uint64(len(cell)-offset) < payloadLen {
		return nil, errors.New("cell payload truncated")
	}

	return cell[offset : offset+int(payloadLen)], nil
}

// Reader reads an immutable SSTable through the buffer pool
type Reader struct {
	pool     *pager.BufferPool
	Meta     Meta
	compress bool
}

// OpenReader opens the SSTable identified by fileID
func OpenReader(pool *pager.BufferPool, fileID uint64, compress bool) (*Reader, error) {
	page, err := pager.OpenPage(pool, pager.PageAddr{FileID: fileID, PageID: META_PAGE})
	if err != nil {
		return nil, err
	}
	defer page.Release()

	cell, err := page.ReadCell(0)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable %d metadata cell", fileID)
	}
	payload, err := unwrapCell(cell)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable %d metadata cell", fileID)
	}
	meta, err := parseMeta(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable %d", fileID)
	}

	return &Reader{pool: pool, Meta: meta, compress: compress}, nil
}

// MightContain reports whether key falls inside the table's key range
func (r *Reader) MightContain(key []byte) bool {
	return bytes.Compare(key, r.Meta.MinKey) >= 0 && bytes.Compare(key, r.Meta.MaxKey) <= 0
}

// Get returns every entry for key in stored order, seq descending.
// Pages are scanned in order, each page prunes on its first and last keys,
// within a page a binary search finds the first occurrence and the scan
// continues into the following page only while the page ends on the key.
func (r *Reader) Get(key []byte) ([]entry.Entry, error) {
	if !r.MightContain(key) {
		return nil, nil
	}

	var results []entry.Entry

	for pageID := r.Meta.StartPage; pageID <= r.Meta.EndPage; pageID++ {
		page, err := pager.OpenPage(r.pool, pager.PageAddr{FileID: r.Meta.ID, PageID: pageID})
		if err != nil {
			return nil, err
		}

		numCells, err := page.NumCells()
		if err != nil {
			page.Release()
			return nil, err
		}
		if numCells == 0 {
			page.Release()
			continue
		}

		first, err := r.readEntry(page, 0)
		if err != nil {
			page.Release()
			return nil, err
		}
		if bytes.Compare(key, first.Key) < 0 {
			// Pages hold ascending keys, nothing further can match
			page.Release()
			break
		}

		last, err := r.readEntry(page, numCells-1)
		if err != nil {
			page.Release()
			return nil, err
		}
		if bytes.Compare(key, last.Key) > 0 {
			page.Release()
			continue
		}

		firstIdx, err := r.binarySearchFirst(page, key, numCells)
		if err != nil {
			page.Release()
			return nil, err
		}
		if firstIdx >= 0 {
			for i := firstIdx; i < numCells; i++ {
				e, err := r.readEntry(page, i)
				if err != nil {
					page.Release()
					return nil, err
				}
				if !bytes.Equal(e.Key, key) {
					break
				}
				results = append(results, e)
			}
		}
		page.Release()

		// Duplicates can spill into the next page only when this page ends
		// on the probe key
		if len(results) > 0 && !bytes.Equal(last.Key, key) {
			break
		}
	}

	return results, nil
}

// binarySearchFirst finds the lowest cell index whose key equals key,
// -1 when the page has no such cell
func (r *Reader) binarySearchFirst(page *pager.Page, key []byte, numCells int) (int, error) {
	left, right := 0, numCells
	result := -1

	for left < right {
		mid := left + (right-left)/2
		e, err := r.readEntry(page, mid)
		if err != nil {
			return 0, err
		}

		switch bytes.Compare(e.Key, key) {
		case -1:
			left = mid + 1
		case 0:
			result = mid
			right = mid // keep looking left for the first occurrence
		case 1:
			right = mid
		}
	}

	return result, nil
}

func (r *Reader) readEntry(page *pager.Page, cellIdx int) (entry.Entry, error) {
	cell, err := page.ReadCell(cellIdx)
	if err != nil {
		return entry.Entry{}, err
	}
	payload, err := unwrapCell(cell)
	if err != nil {
		return entry.Entry{}, err
	}
	e, _, err := entry.Decode(payload)
	if err != nil {
		return entry.Entry{}, err
	}

	if r.compress && !e.Tombstone {
		e.Value, err = snappy.Decode(nil, e.Value)
		if err != nil {
			return entry.Entry{}, errors.Wrap(err, "decompress sstable value")
		}
	}

	return e, nil
}

// Iter returns an iterator over every entry in stored order
func (r *Reader) Iter() *Iterator {
	return &Iterator{
		reader:      r,
		currentPage: r.Meta.StartPage,
	}
}

// ReadAll collects every entry in stored order
func (r *Reader) ReadAll() ([]entry.Entry, error) {
	var results []entry.Entry
	it := r.Iter()
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return results, nil
		}
		results = append(results, e)
	}
}

// Iterator walks an SSTable cell by cell across its data pages.
// The page is re-pinned per cell so frames stay evictable between calls.
type Iterator struct {
	reader      *Reader
	currentPage uint64
	currentCell int
	cellsInPage int
	initialized bool
	finished    bool
}

// Next returns the next entry, false when the table is exhausted
func (it *Iterator) Next() (entry.Entry, bool, error) {
	if it.finished {
		return entry.Entry{}, false, nil
	}

	if !it.initialized {
		it.initialized = true
		ok, err := it.loadCurrentPage()
		if err != nil {
			return entry.Entry{}, false, err
		}
		if !ok {
			return entry.Entry{}, false, nil
		}
	}

	for {
		if it.currentCell < it.cellsInPage {
			page, err := pager.OpenPage(it.reader.pool, pager.PageAddr{FileID: it.reader.Meta.ID, PageID: it.currentPage})
			if err != nil {
				return entry.Entry{}, false, err
			}

			cellIdx := it.currentCell
			it.currentCell++
			e, err := it.reader.readEntry(page, cellIdx)
			page.Release()
			if err != nil {
				return entry.Entry{}, false, err
			}
			return e, true, nil
		}

		it.currentPage++
		ok, err := it.loadCurrentPage()
		if err != nil {
			return entry.Entry{}, false, err
		}
		if !ok {
			return entry.Entry{}, false, nil
		}
	}
}

func (it *Iterator) loadCurrentPage() (bool, error) {
	if it.currentPage > it.reader.Meta.EndPage {
		it.finished = true
		return false, nil
	}

	page, err := pager.OpenPage(it.reader.pool, pager.PageAddr{FileID: it.reader.Meta.ID, PageID: it.currentPage})
	if err != nil {
		return false, err
	}
	defer page.Release()

	cells, err := page.NumCells()
	if err != nil {
		return false, err
	}
	it.cellsInPage = cells
	it.currentCell = 0
	return true, nil
}
