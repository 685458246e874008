// Package memtable tests
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
	"testing"
)

func TestPutAndGet(t *testing.T) {
	mem := New()
	mem.Put([]byte("key1"), []byte("value1"))
	mem.Put([]byte("key2"), []byte("value2"))

	value, tombstone, found := mem.Get([]byte("key1"))
	if !found || tombstone || !bytes.Equal(value, []byte("value1")) {
		t.Fatalf("key1 mismatch: %q %v %v", value, tombstone, found)
	}

	value, _, found = mem.Get([]byte("key2"))
	if !found || !bytes.Equal(value, []byte("value2")) {
		t.Fatalf("key2 mismatch: %q", value)
	}

	if _, _, found := mem.Get([]byte("key3")); found {
		t.Fatal("key3 should be absent")
	}
}

func TestOverwrite(t *testing.T) {
	mem := New()
	mem.Put([]byte("key"), []byte("v1"))
	mem.Put([]byte("key"), []byte("v2"))

	// Latest value is returned
	value, _, found := mem.Get([]byte("key"))
	if !found || !bytes.Equal(value, []byte("v2")) {
		t.Fatalf("Expected v2, got %q", value)
	}

	// Both versions are reachable, newest first
	all := mem.GetAll([]byte("key"))
	if len(all) != 2 {
		t.Fatalf("Expected 2 versions, got %d", len(all))
	}
	if !bytes.Equal(all[0].Value, []byte("v2")) || !bytes.Equal(all[1].Value, []byte("v1")) {
		t.Fatalf("Versions out of order: %q %q", all[0].Value, all[1].Value)
	}
}

func TestDelete(t *testing.T) {
	mem := New()
	mem.Put([]byte("key"), []byte("value"))
	mem.Delete([]byte("key"))

	// Newest record is the tombstone
	_, tombstone, found := mem.Get([]byte("key"))
	if !found || !tombstone {
		t.Fatalf("Expected tombstone, got tombstone=%v found=%v", tombstone, found)
	}
}

func TestIterOrder(t *testing.T) {
	mem := New()
	mem.Put([]byte("c"), []byte("3"))
	mem.Put([]byte("a"), []byte("1"))
	mem.Put([]byte("b"), []byte("2"))

	entries := mem.All()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	expected := []string{"a", "b", "c"}
	for i, e := range entries {
		if string(e.Key) != expected[i] {
			t.Fatalf("Position %d: expected %q, got %q", i, expected[i], e.Key)
		}
	}
}

func TestDuplicateKeysOrdering(t *testing.T) {
	mem := New()
	seq1 := mem.Put([]byte("key"), []byte("first"))
	seq2 := mem.Put([]byte("key"), []byte("second"))

	if seq2 <= seq1 {
		t.Fatalf("Sequence numbers not monotonic: %d then %d", seq1, seq2)
	}

	// Iteration returns the same key twice, newer first
	entries := mem.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq != seq2 || entries[1].Seq != seq1 {
		t.Fatalf("Entries out of order: %d %d", entries[0].Seq, entries[1].Seq)
	}
}

func TestSeqNumPreservation(t *testing.T) {
	mem := New()
	mem.Put([]byte("a"), []byte("1"))
	mem.Put([]byte("b"), []byte("2"))

	fresh := NewWithSeq(mem.CurrentSeqNum())
	seq := fresh.Put([]byte("c"), []byte("3"))
	if seq != 3 {
		t.Fatalf("Expected seq 3 after two writes, got %d", seq)
	}
}

func TestReplayWithExplicitSeq(t *testing.T) {
	mem := New()
	mem.PutWithSeq([]byte("key"), []byte("old"), 5)
	mem.DeleteWithSeq([]byte("key"), 9)
	mem.PutWithSeq([]byte("key"), []byte("mid"), 7)

	// Replay must not advance the allocator
	if mem.CurrentSeqNum() != 1 {
		t.Fatalf("Replay advanced the seq counter to %d", mem.CurrentSeqNum())
	}

	all := mem.GetAll([]byte("key"))
	if len(all) != 3 {
		t.Fatalf("Expected 3 versions, got %d", len(all))
	}
	if all[0].Seq != 9 || !all[0].IsTombstone() {
		t.Fatalf("Newest version should be the seq 9 tombstone: %+v", all[0])
	}
	if all[1].Seq != 7 || all[2].Seq != 5 {
		t.Fatalf("Versions out of order: %d %d", all[1].Seq, all[2].Seq)
	}
}

func TestSizeAccounting(t *testing.T) {
	mem := New()
	if mem.SizeBytes() != 0 {
		t.Fatalf("Fresh memtable has size %d", mem.SizeBytes())
	}

	mem.Put([]byte("key"), []byte("value"))
	first := mem.SizeBytes()
	if first != 3+5+ENTRY_OVERHEAD {
		t.Fatalf("Unexpected size %d", first)
	}

	mem.Delete([]byte("key"))
	if mem.SizeBytes() != first+3+ENTRY_OVERHEAD {
		t.Fatalf("Unexpected size after delete %d", mem.SizeBytes())
	}

	if mem.Len() != 2 || mem.Empty() {
		t.Fatalf("Expected 2 entries, got %d", mem.Len())
	}
}

func TestEmptyKey(t *testing.T) {
	mem := New()
	mem.Put([]byte{}, []byte("empty"))

	value, _, found := mem.Get([]byte{})
	if !found || !bytes.Equal(value, []byte("empty")) {
		t.Fatalf("Empty key lookup failed: %q %v", value, found)
	}
}
