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
	"io"
	"os"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// pageStore is the positioned I/O surface a page file needs from its backing
type pageStore interface {
	io.ReaderAt
	io.WriterAt
}

// PageFile is a file partitioned into PAGE_SIZE pages addressed by page index
type PageFile struct {
	lock  *sync.Mutex // serializes positioned I/O on the backing
	store pageStore   // the backing, an *os.File or an in-memory file
	file  *os.File    // non nil when disk backed, used for Sync and Close
}

// OpenPageFile opens or creates a page file at path.
// With useDirectIO the file is opened with O_DIRECT, callers must then hand
// in frames allocated with directio.AlignedBlock.
func OpenPageFile(path string, useDirectIO bool) (*PageFile, error) {
	var file *os.File
	var err error

	if useDirectIO {
		file, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	} else {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open page file %s", path)
	}

	return &PageFile{lock: &sync.Mutex{}, store: file, file: file}, nil
}

// OpenMemPageFile creates a page file backed by process memory
func OpenMemPageFile() *PageFile {
	return &PageFile{lock: &sync.Mutex{}, store: memfile.New(nil)}
}

// ReadPage reads page pageID into buf.
// A short read is zero-filled when create is set, otherwise it is corruption.
func (p *PageFile) ReadPage(pageID uint64, buf []byte, create bool) error {
	if len(buf) != PAGE_SIZE {
		return ErrBadPageSize
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	n, err := p.store.ReadAt(buf, int64(pageID)*PAGE_SIZE)
	if n == PAGE_SIZE {
		return nil
	}

	if create {
		// The page does not exist yet, hand back a zeroed page
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	if err == nil || err == io.EOF {
		return errors.Wrapf(ErrShortRead, "page %d", pageID)
	}
	return errors.Wrapf(err, "read page %d", pageID)
}

// WritePage writes buf as page pageID
func (p *PageFile) WritePage(pageID uint64, buf []byte) error {
	if len(buf) != PAGE_SIZE {
		return ErrBadPageSize
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if _, err := p.store.WriteAt(buf, int64(pageID)*PAGE_SIZE); err != nil {
		return errors.Wrapf(err, "write page %d", pageID)
	}

	return nil
}

// Sync pushes written pages to stable storage
func (p *PageFile) Sync() error {
	if p.file == nil {
		return nil
	}
	return p.file.Sync()
}

// Close closes the backing file
func (p *PageFile) Close() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}
