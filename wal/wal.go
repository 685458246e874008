// Package wal
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
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/mdakram28/thordb/entry"
)

const WAL_PUT = byte(1)    // record marker for a put
const WAL_DELETE = byte(2) // record marker for a delete

var ErrBadRecordType = errors.New("invalid wal record type")

// Wal is the append-only durability log for memtable operations.
// Records are pushed to the OS buffer after every logged operation, a
// truncated trailing record after a crash is tolerated by the reader.
type Wal struct {
	file     *os.File
	writer   *bufio.Writer
	path     string
	compress bool // snappy-compress values before logging
}

// Open creates or opens a WAL at path for appending
func Open(path string, compress bool) (*Wal, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}

	return &Wal{
		file:     file,
		writer:   bufio.NewWriter(file),
		path:     path,
		compress: compress,
	}, nil
}

// LogPut appends a put record.
// Format: 1u8 | seq u64 LE | key_len u32 LE | key | value_len u32 LE | value
func (w *Wal) LogPut(key, value []byte, seq entry.SeqNum) error {
	if w.compress {
		value = snappy.Encode(nil, value)
	}

	var header [13]byte
	header[0] = WAL_PUT
	binary.LittleEndian.PutUint64(header[1:9], seq)
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(key)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(key); err != nil {
		return err
	}

	var valueLen [4]byte
	binary.LittleEndian.PutUint32(valueLen[:], uint32(len(value)))
	if _, err := w.writer.Write(valueLen[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(value); err != nil {
		return err
	}

	return w.writer.Flush()
}

// LogDelete appends a delete record.
// Format: 2u8 | seq u64 LE | key_len u32 LE | key
func (w *Wal) LogDelete(key []byte, seq entry.SeqNum) error {
	var header [13]byte
	header[0] = WAL_DELETE
	binary.LittleEndian.PutUint64(header[1:9], seq)
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(key)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(key); err != nil {
		return err
	}

	return w.writer.Flush()
}

// Sync fsyncs the log to stable storage
func (w *Wal) Sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Path returns the log's file path
func (w *Wal) Path() string {
	return w.path
}

// Close flushes and closes the log
func (w *Wal) Close() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Reader replays a WAL during recovery
type Reader struct {
	file     *os.File
	reader   *bufio.Reader
	compress bool
}

// OpenReader opens a WAL for replay
func OpenReader(path string, compress bool) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &Reader{file: file, reader: bufio.NewReader(file), compress: compress}, nil
}

// ReadAll reads every complete record in file order.
// A truncated trailing record ends the replay cleanly, the records before it
// form the recovered state.
func (r *Reader) ReadAll() ([]entry.Entry, error) {
	var entries []entry.Entry

	for {
		e, ok, err := r.readRecord()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// Close closes the underlying file
func (r *Reader) Close() error {
	return r.file.Close()
}

func (r *Reader) readRecord() (entry.Entry, bool, error) {
	var none entry.Entry

	recordType, err := r.reader.ReadByte()
	if err == io.EOF {
		return none, false, nil
	}
	if err != nil {
		return none, false, err
	}

	var header [12]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return none, false, nil // torn record, stop here
		}
		return none, false, err
	}
	seq := binary.LittleEndian.Uint64(header[0:8])
	keyLen := binary.LittleEndian.Uint32(header[8:12])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r.reader, key); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return none, false, nil
		}
		return none, false, err
	}

	switch recordType {
	case WAL_PUT:
		var valueLenBuf [4]byte
		if _, err := io.ReadFull(r.reader, valueLenBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return none, false, nil
			}
			return none, false, err
		}
		value := make([]byte, binary.LittleEndian.Uint32(valueLenBuf[:]))
		if _, err := io.ReadFull(r.reader, value); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return none, false, nil
			}
			return none, false, err
		}

		if r.compress {
			value, err = snappy.Decode(nil, value)
			if err != nil {
				return none, false, errors.Wrap(err, "decompress wal value")
			}
		}

		return entry.Put(key, seq, value), true, nil

	case WAL_DELETE:
		return entry.Delete(key, seq), true, nil

	default:
		return none, false, errors.Wrapf(ErrBadRecordType, "type %d", recordType)
	}
}

// Delete removes a WAL file
func Delete(path string) error {
	return os.Remove(path)
}
