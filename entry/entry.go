// Package entry
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
package entry

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mdakram28/thordb/varint"
)

// SeqNum orders writes globally, higher is newer
type SeqNum = uint64

// Entry is a single versioned record.  A nil-or-present Value is
// disambiguated by the Tombstone flag since empty values are legal.
type Entry struct {
	Key       []byte // key bytes
	Seq       SeqNum // sequence number assigned by the engine
	Value     []byte // value bytes, nil for a tombstone
	Tombstone bool   // whether this entry records a deletion
}

// Put creates a live entry
func Put(key []byte, seq SeqNum, value []byte) Entry {
	return Entry{Key: key, Seq: seq, Value: value}
}

// Delete creates a tombstone entry
func Delete(key []byte, seq SeqNum) Entry {
	return Entry{Key: key, Seq: seq, Tombstone: true}
}

// IsTombstone reports whether the entry records a deletion
func (e *Entry) IsTombstone() bool {
	return e.Tombstone
}

// SerializedSize returns the encoded size of the entry in bytes
func (e *Entry) SerializedSize() int {
	size := varint.Len(uint64(len(e.Key))) + len(e.Key)
	size += 8 // seq
	size += 1 // tombstone flag
	if !e.Tombstone {
		size += varint.Len(uint64(len(e.Value))) + len(e.Value)
	}
	return size
}

// Append appends the wire encoding of the entry to dst.
// Format: varint key_len | key | seq u64 LE | tombstone u8 | [varint val_len | value]
func (e *Entry) Append(dst []byte) []byte {
	dst = varint.Append(dst, uint64(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = binary.LittleEndian.AppendUint64(dst, e.Seq)
	if e.Tombstone {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
		dst = varint.Append(dst, uint64(len(e.Value)))
		dst = append(dst, e.Value...)
	}
	return dst
}

// Decode decodes one entry from the front of data.
// Key and value bytes are copied out of data so the entry outlives the
// buffer it was read from.  Returns the entry and the bytes consumed.
func Decode(data []byte) (Entry, int, error) {
	var e Entry
	offset := 0

	keyLen, n, err := varint.Decode(data)
	if err != nil {
		return e, 0, errors.Wrap(err, "entry key length")
	}
	offset += n
	if uint64(len(data)-offset) < keyLen {
		return e, 0, errors.New("entry key truncated")
	}
	e.Key = append([]byte(nil), data[offset:offset+int(keyLen)]...)
	offset += int(keyLen)

	if len(data)-offset < 9 {
		return e, 0, errors.New("entry header truncated")
	}
	e.Seq = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	e.Tombstone = data[offset] != 0
	offset++

	if !e.Tombstone {
		valLen, n, err := varint.Decode(data[offset:])
		if err != nil {
			return e, 0, errors.Wrap(err, "entry value length")
		}
		offset += n
		if uint64(len(data)-offset) < valLen {
			return e, 0, errors.New("entry value truncated")
		}
		e.Value = append([]byte(nil), data[offset:offset+int(valLen)]...)
		offset += int(valLen)
	}

	return e, offset, nil
}

// Compare orders entries by key ascending then seq descending,
// so the newest version of a key sorts first.
func Compare(a, b *Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	if a.Seq > b.Seq {
		return -1
	}
	if a.Seq < b.Seq {
		return 1
	}
	return 0
}
