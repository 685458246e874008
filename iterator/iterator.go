// Package iterator
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
package iterator

import (
	"bytes"
	"container/heap"

	"github.com/mdakram28/thordb/entry"
)

// Stream is a sorted sequence of entries
type Stream interface {
	// Next returns the next entry, false when the stream is exhausted
	Next() (entry.Entry, bool)
}

// sliceStream walks a materialized entry slice
type sliceStream struct {
	entries []entry.Entry
	pos     int
}

// NewSliceStream wraps an already sorted entry slice as a Stream
func NewSliceStream(entries []entry.Entry) Stream {
	return &sliceStream{entries: entries}
}

func (s *sliceStream) Next() (entry.Entry, bool) {
	if s.pos >= len(s.entries) {
		return entry.Entry{}, false
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true
}

// heapItem is one pending entry plus the source it came from
type heapItem struct {
	entry  entry.Entry
	source int
}

// entryHeap is a min-heap over (key asc, seq desc), ties broken by source
// index so the merge order is deterministic
type entryHeap []heapItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if c := entry.Compare(&h[i].entry, &h[j].entry); c != 0 {
		return c < 0
	}
	return h[i].source < h[j].source
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }

func (h *entryHeap) Pop() interface{} {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

// MergeIterator yields the global (key asc, seq desc) merge of k sorted streams
type MergeIterator struct {
	sources     []Stream
	heap        entryHeap
	initialized bool
}

// NewMergeIterator creates a merge over the given sorted sources
func NewMergeIterator(sources []Stream) *MergeIterator {
	return &MergeIterator{sources: sources}
}

func (m *MergeIterator) initialize() {
	if m.initialized {
		return
	}
	m.initialized = true

	// Prime the heap with one entry from each source
	for idx, source := range m.sources {
		if e, ok := source.Next(); ok {
			m.heap = append(m.heap, heapItem{entry: e, source: idx})
		}
	}
	heap.Init(&m.heap)
}

// Next returns the next entry in merge order
func (m *MergeIterator) Next() (entry.Entry, bool) {
	m.initialize()

	if m.heap.Len() == 0 {
		return entry.Entry{}, false
	}

	item := heap.Pop(&m.heap).(heapItem)

	// Refill from the popped source
	if e, ok := m.sources[item.source].Next(); ok {
		heap.Push(&m.heap, heapItem{entry: e, source: item.source})
	}

	return item.entry, true
}

// LatestVersionIterator drops every entry whose key matched the previously
// yielded one.  Over a (key asc, seq desc) stream that keeps exactly the
// newest version of each key.
type LatestVersionIterator struct {
	inner   Stream
	lastKey []byte
	started bool
}

// NewLatestVersionIterator wraps a sorted stream
func NewLatestVersionIterator(inner Stream) *LatestVersionIterator {
	return &LatestVersionIterator{inner: inner}
}

// Next returns the next entry with a not-yet-seen key
func (it *LatestVersionIterator) Next() (entry.Entry, bool) {
	for {
		e, ok := it.inner.Next()
		if !ok {
			return entry.Entry{}, false
		}
		if it.started && bytes.Equal(it.lastKey, e.Key) {
			continue
		}
		it.started = true
		it.lastKey = e.Key
		return e, true
	}
}

// LiveEntriesIterator drops tombstones
type LiveEntriesIterator struct {
	inner Stream
}

// NewLiveEntriesIterator wraps a stream
func NewLiveEntriesIterator(inner Stream) *LiveEntriesIterator {
	return &LiveEntriesIterator{inner: inner}
}

// Next returns the next live entry
func (it *LiveEntriesIterator) Next() (entry.Entry, bool) {
	for {
		e, ok := it.inner.Next()
		if !ok {
			return entry.Entry{}, false
		}
		if e.IsTombstone() {
			continue
		}
		return e, true
	}
}
