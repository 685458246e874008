// Package memtable
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
package memtable

import (
	"bytes"
	"math"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/mdakram28/thordb/entry"
)

const BTREE_DEGREE = 32          // btree node degree
const ENTRY_OVERHEAD = 8 + 16    // approximate per-entry bookkeeping bytes

// record is the tree item, ordered by key ascending then seq descending so
// the newest version of a key is the first in its prefix range.
type record struct {
	key       []byte
	seq       entry.SeqNum
	value     []byte
	tombstone bool
}

func recordLess(a, b record) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.seq > b.seq
}

// MemTable is the in-memory sorted buffer of pending writes.
// It is not internally synchronized, the engine serializes access.
type MemTable struct {
	tree      *btree.BTreeG[record]
	sizeBytes int            // approximate byte accounting for the flush trigger
	nextSeq   *atomic.Uint64 // sequence number allocator
}

// New creates an empty memtable, sequence numbers start at 1
func New() *MemTable {
	return NewWithSeq(1)
}

// NewWithSeq creates an empty memtable whose next sequence number is seq.
// Used after a flush or a recovery to keep seqnums monotonic.
func NewWithSeq(seq entry.SeqNum) *MemTable {
	m := &MemTable{
		tree:    btree.NewG(BTREE_DEGREE, recordLess),
		nextSeq: &atomic.Uint64{},
	}
	m.nextSeq.Store(seq)
	return m
}

func (m *MemTable) allocSeq() entry.SeqNum {
	return m.nextSeq.Add(1) - 1
}

// CurrentSeqNum returns the next sequence number to be allocated
func (m *MemTable) CurrentSeqNum() entry.SeqNum {
	return m.nextSeq.Load()
}

// Put inserts a key-value pair and returns the sequence number assigned
func (m *MemTable) Put(key, value []byte) entry.SeqNum {
	seq := m.allocSeq()
	m.PutWithSeq(key, value, seq)
	return seq
}

// PutWithSeq inserts with an explicit sequence number, used during WAL replay
func (m *MemTable) PutWithSeq(key, value []byte, seq entry.SeqNum) {
	m.sizeBytes += len(key) + len(value) + ENTRY_OVERHEAD
	m.tree.ReplaceOrInsert(record{key: append([]byte(nil), key...), seq: seq, value: append([]byte(nil), value...)})
}

// Delete inserts a tombstone and returns the sequence number assigned
func (m *MemTable) Delete(key []byte) entry.SeqNum {
	seq := m.allocSeq()
	m.DeleteWithSeq(key, seq)
	return seq
}

// DeleteWithSeq inserts a tombstone with an explicit sequence number
func (m *MemTable) DeleteWithSeq(key []byte, seq entry.SeqNum) {
	m.sizeBytes += len(key) + ENTRY_OVERHEAD
	m.tree.ReplaceOrInsert(record{key: append([]byte(nil), key...), seq: seq, tombstone: true})
}

// Get returns the newest record for key.
// found is false when the key was never written, tombstone is true when the
// newest record is a deletion.
func (m *MemTable) Get(key []byte) (value []byte, tombstone bool, found bool) {
	pivot := record{key: key, seq: math.MaxUint64}
	m.tree.AscendGreaterOrEqual(pivot, func(r record) bool {
		if bytes.Equal(r.key, key) {
			value = r.value
			tombstone = r.tombstone
			found = true
		}
		return false // only the first item in the prefix range
	})
	return value, tombstone, found
}

// GetAll returns every version of key, newest first
func (m *MemTable) GetAll(key []byte) []entry.Entry {
	var results []entry.Entry
	pivot := record{key: key, seq: math.MaxUint64}
	m.tree.AscendGreaterOrEqual(pivot, func(r record) bool {
		if !bytes.Equal(r.key, key) {
			return false
		}
		results = append(results, r.toEntry())
		return true
	})
	return results
}

// All returns every entry in (key asc, seq desc) order
func (m *MemTable) All() []entry.Entry {
	results := make([]entry.Entry, 0, m.tree.Len())
	m.tree.Ascend(func(r record) bool {
		results = append(results, r.toEntry())
		return true
	})
	return results
}

// Len returns the number of entries
func (m *MemTable) Len() int {
	return m.tree.Len()
}

// Empty reports whether the memtable holds no entries
func (m *MemTable) Empty() bool {
	return m.tree.Len() == 0
}

// SizeBytes returns the approximate memory footprint, the flush trigger input
func (m *MemTable) SizeBytes() int {
	return m.sizeBytes
}

func (r record) toEntry() entry.Entry {
	key := append([]byte(nil), r.key...)
	if r.tombstone {
		return entry.Delete(key, r.seq)
	}
	return entry.Put(key, r.seq, append([]byte(nil), r.value...))
}
