// Package thordb
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
package thordb

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mdakram28/thordb/entry"
	"github.com/mdakram28/thordb/iterator"
	"github.com/mdakram28/thordb/memtable"
	"github.com/mdakram28/thordb/pager"
	"github.com/mdakram28/thordb/sstable"
	"github.com/mdakram28/thordb/wal"
)

const WAL_FILE = "wal.log"                           // the write ahead log file name
const MANIFEST_FILE = "manifest"                     // the manifest file name
const PAGES_DIR = "pages"                            // subdirectory holding page files
const LOG_FILE = "thordb.log"                        // the log file name
const DEFAULT_FLUSH_THRESHOLD = 4 * 1024 * 1024      // default memtable flush threshold in bytes
const DEFAULT_FLUSH_INTERVAL = 1 * time.Second       // default background buffer pool flush interval

// Config configures a ThorDB instance
type Config struct {
	Directory              string        // the directory where the database files are stored
	MemtableFlushThreshold int           // memtable size in bytes that triggers a flush
	FlushInterval          time.Duration // background buffer pool flush interval
	BufferPoolSlots        int           // buffer pool frames, pager default when zero
	Logging                bool          // whether to log to the log file
	Compress               bool          // snappy-compress values in the WAL and SSTables
	UseDirectIO            bool          // open page files with O_DIRECT
	InMemory               bool          // back the page store with memory, for tests and benchmarks
}

// ThorDB is an embedded LSM key-value store over a paged buffer pool
type ThorDB struct {
	config        Config
	pool          *pager.BufferPool // shared page cache for all sstables
	memtable      *memtable.MemTable
	memtableLock  *sync.RWMutex // read write lock for the memtable
	wal           *wal.Wal      // the write ahead log
	walLock       *sync.RWMutex // read write lock for the wal
	sstables      []*sstable.Reader // newest first
	sstablesLock  *sync.RWMutex     // read write lock for sstables
	nextSSTableID *atomic.Uint64    // next sstable file id
	logger        *logrus.Logger
	logFile       *os.File
	wg            *sync.WaitGroup // wait group for background operations
	exit          chan struct{}   // channel to signal background operations to exit
}

// Stats describes the current shape of the store
type Stats struct {
	MemtableEntries   int // entries buffered in memory
	MemtableSizeBytes int // approximate memtable footprint
	SSTableCount      int // number of on-disk sorted runs
	TotalEntries      int // memtable entries plus every sstable's entry count
}

// Open opens a ThorDB instance at config.Directory, creating it if needed.
// An existing WAL is replayed into the memtable and the manifest's SSTables
// are reopened.
func Open(config Config) (*ThorDB, error) {
	if config.MemtableFlushThreshold <= 0 {
		config.MemtableFlushThreshold = DEFAULT_FLUSH_THRESHOLD
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DEFAULT_FLUSH_INTERVAL
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	pool, err := pager.NewBufferPool(filepath.Join(config.Directory, PAGES_DIR), pager.Config{
		Slots:       config.BufferPoolSlots,
		UseDirectIO: config.UseDirectIO,
		InMemory:    config.InMemory,
	})
	if err != nil {
		return nil, err
	}

	db := &ThorDB{
		config:        config,
		pool:          pool,
		memtableLock:  &sync.RWMutex{},
		walLock:       &sync.RWMutex{},
		sstables:      make([]*sstable.Reader, 0),
		sstablesLock:  &sync.RWMutex{},
		nextSSTableID: &atomic.Uint64{},
		logger:        logrus.New(),
		wg:            &sync.WaitGroup{},
		exit:          make(chan struct{}),
	}

	// If logging is set we open a log file and point the logger at it
	if config.Logging {
		logFile, err := os.OpenFile(filepath.Join(config.Directory, LOG_FILE), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		db.logFile = logFile
		db.logger.SetOutput(logFile)
	} else {
		db.logger.SetOutput(io.Discard)
	}

	// Open the SSTables listed in the manifest
	if err := db.loadSSTables(); err != nil {
		return nil, err
	}

	// Replay the WAL into a fresh memtable if one exists
	if err := db.recoverMemtable(); err != nil {
		return nil, err
	}

	// Open the write ahead log
	walHandle, err := wal.Open(filepath.Join(config.Directory, WAL_FILE), config.Compress)
	if err != nil {
		return nil, err
	}
	db.wal = walHandle

	// Start the background buffer pool flusher
	db.wg.Add(1)
	go db.backgroundFlusher()
	db.printLog("Background flusher started")

	db.printLog("ThorDB opened successfully")

	return db, nil
}

// Close stops background operations, flushes a non-empty memtable, flushes
// the buffer pool and closes every file
func (db *ThorDB) Close() error {
	db.printLog("Closing up")

	// Signal the background operations to exit and wait for them
	close(db.exit)
	db.wg.Wait()

	// When there is anything in the memtable we flush it to disk
	db.memtableLock.RLock()
	pending := !db.memtable.Empty()
	db.memtableLock.RUnlock()
	if pending {
		db.printLog("Memtable is non-empty and is being flushed to disk")
		if err := db.Flush(); err != nil {
			return err
		}
	}

	// Flush the pool and sync and close the page files
	if err := db.pool.Close(); err != nil {
		return err
	}

	db.printLog("Closing WAL")
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			return err
		}
	}

	if db.logFile != nil {
		if err := db.logFile.Close(); err != nil {
			return err
		}
	}

	return nil
}

// printLog prints a log message to the log file
func (db *ThorDB) printLog(msg string) {
	db.logger.Info(msg)
}

// backgroundFlusher periodically flushes the buffer pool until Close
func (db *ThorDB) backgroundFlusher() {
	defer db.wg.Done()

	ticker := time.NewTicker(db.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.pool.Flush(); err != nil {
				db.logger.WithError(err).Warn("Background buffer pool flush failed")
			}
		case <-db.exit:
			return
		}
	}
}

// recoverMemtable replays the WAL, seeding the seqnum counter past the
// highest sequence number in the loaded SSTables and the log
func (db *ThorDB) recoverMemtable() error {
	walPath := filepath.Join(db.config.Directory, WAL_FILE)

	// Start from the newest flushed seqnum so new writes stay newer than the runs
	var maxSeq entry.SeqNum
	for _, reader := range db.sstables {
		if reader.Meta.MaxSeq > maxSeq {
			maxSeq = reader.Meta.MaxSeq
		}
	}

	if _, err := os.Stat(walPath); err != nil {
		if os.IsNotExist(err) {
			db.memtable = memtable.NewWithSeq(maxSeq + 1)
			return nil
		}
		return err
	}

	reader, err := wal.OpenReader(walPath, db.config.Compress)
	if err != nil {
		return err
	}
	defer reader.Close()

	records, err := reader.ReadAll()
	if err != nil {
		return errors.Wrap(err, "replay wal")
	}

	// Seed the seq counter past everything in the log so new writes stay newer
	for _, record := range records {
		if record.Seq > maxSeq {
			maxSeq = record.Seq
		}
	}

	db.memtable = memtable.NewWithSeq(maxSeq + 1)
	for _, record := range records {
		if record.Tombstone {
			db.memtable.DeleteWithSeq(record.Key, record.Seq)
		} else {
			db.memtable.PutWithSeq(record.Key, record.Value, record.Seq)
		}
	}

	if len(records) > 0 {
		db.printLog("Recovered memtable from WAL")
	}

	return nil
}

// loadSSTables opens every SSTable listed in the manifest, newest first
func (db *ThorDB) loadSSTables() error {
	manifestPath := filepath.Join(db.config.Directory, MANIFEST_FILE)

	content, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			db.nextSSTableID.Store(1)
			return nil
		}
		return err
	}

	var maxID uint64
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		id, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			db.logger.Warnf("Skipping unparsable manifest line %q", line)
			continue
		}

		reader, err := sstable.OpenReader(db.pool, id, db.config.Compress)
		if err != nil {
			db.logger.WithError(err).Warnf("Failed to open sstable %d", id)
			continue
		}

		if id > maxID {
			maxID = id
		}
		db.sstables = append(db.sstables, reader)
	}

	// Newest first
	sort.Slice(db.sstables, func(i, j int) bool {
		return db.sstables[i].Meta.ID > db.sstables[j].Meta.ID
	})

	db.nextSSTableID.Store(maxID + 1)
	return nil
}

// saveManifest rewrites the manifest from the current SSTable list
func (db *ThorDB) saveManifest() error {
	db.sstablesLock.RLock()
	ids := make([]string, 0, len(db.sstables))
	for _, reader := range db.sstables {
		ids = append(ids, strconv.FormatUint(reader.Meta.ID, 10))
	}
	db.sstablesLock.RUnlock()

	manifestPath := filepath.Join(db.config.Directory, MANIFEST_FILE)
	return os.WriteFile(manifestPath, []byte(strings.Join(ids, "\n")), 0644)
}

// Put puts a key-value pair and returns the sequence number assigned
func (db *ThorDB) Put(key, value []byte) (entry.SeqNum, error) {
	db.memtableLock.Lock()
	seq := db.memtable.Put(key, value)
	db.memtableLock.Unlock()

	db.walLock.Lock()
	err := db.wal.LogPut(key, value, seq)
	db.walLock.Unlock()
	if err != nil {
		return seq, err
	}

	if err := db.maybeFlush(); err != nil {
		return seq, err
	}

	return seq, nil
}

// Delete deletes a key and returns the sequence number assigned
func (db *ThorDB) Delete(key []byte) (entry.SeqNum, error) {
	db.memtableLock.Lock()
	seq := db.memtable.Delete(key)
	db.memtableLock.Unlock()

	db.walLock.Lock()
	err := db.wal.LogDelete(key, seq)
	db.walLock.Unlock()
	if err != nil {
		return seq, err
	}

	if err := db.maybeFlush(); err != nil {
		return seq, err
	}

	return seq, nil
}

// Get returns the latest value for key.
// found is false when the key is absent or its newest version is a tombstone.
func (db *ThorDB) Get(key []byte) ([]byte, bool, error) {
	// Check the memtable first
	db.memtableLock.RLock()
	value, tombstone, ok := db.memtable.Get(key)
	if ok {
		result := append([]byte(nil), value...)
		db.memtableLock.RUnlock()
		if tombstone {
			return nil, false, nil
		}
		return result, true, nil
	}
	db.memtableLock.RUnlock()

	// Check the SSTables newest to oldest
	db.sstablesLock.RLock()
	defer db.sstablesLock.RUnlock()
	for _, reader := range db.sstables {
		matches, err := reader.Get(key)
		if err != nil {
			return nil, false, err
		}
		if len(matches) > 0 {
			// First match is the newest, a tombstone surfaces as absent
			newest := matches[0]
			if newest.Tombstone {
				return nil, false, nil
			}
			return newest.Value, true, nil
		}
	}

	return nil, false, nil
}

// GetAll returns every version of key, newest first
func (db *ThorDB) GetAll(key []byte) ([]entry.Entry, error) {
	var all []entry.Entry

	db.memtableLock.RLock()
	all = append(all, db.memtable.GetAll(key)...)
	db.memtableLock.RUnlock()

	db.sstablesLock.RLock()
	for _, reader := range db.sstables {
		matches, err := reader.Get(key)
		if err != nil {
			db.sstablesLock.RUnlock()
			return nil, err
		}
		all = append(all, matches...)
	}
	db.sstablesLock.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].Seq > all[j].Seq
	})

	return all, nil
}

// Scan returns a merged stream over the memtable and every SSTable in
// (key asc, seq desc) order
func (db *ThorDB) Scan() (iterator.Stream, error) {
	var sources []iterator.Stream

	db.memtableLock.RLock()
	sources = append(sources, iterator.NewSliceStream(db.memtable.All()))
	db.memtableLock.RUnlock()

	db.sstablesLock.RLock()
	for _, reader := range db.sstables {
		entries, err := reader.ReadAll()
		if err != nil {
			db.sstablesLock.RUnlock()
			return nil, err
		}
		sources = append(sources, iterator.NewSliceStream(entries))
	}
	db.sstablesLock.RUnlock()

	return iterator.NewMergeIterator(sources), nil
}

// ScanLatest scans with only the newest version of each key
func (db *ThorDB) ScanLatest() (iterator.Stream, error) {
	scan, err := db.Scan()
	if err != nil {
		return nil, err
	}
	return iterator.NewLatestVersionIterator(scan), nil
}

// ScanLive scans with only live entries, no tombstones
func (db *ThorDB) ScanLive() (iterator.Stream, error) {
	latest, err := db.ScanLatest()
	if err != nil {
		return nil, err
	}
	return iterator.NewLiveEntriesIterator(latest), nil
}

// maybeFlush flushes the memtable when it crosses the configured threshold
func (db *ThorDB) maybeFlush() error {
	db.memtableLock.RLock()
	shouldFlush := db.memtable.SizeBytes() >= db.config.MemtableFlushThreshold
	db.memtableLock.RUnlock()

	if shouldFlush {
		return db.Flush()
	}

	return nil
}

// Flush freezes the memtable into a new SSTable.
// The WAL is deleted and the manifest rewritten only after the new run is
// durable, a crash in between replays the WAL into duplicate versions which
// the seq-descending read order resolves.
func (db *ThorDB) Flush() error {
	db.memtableLock.RLock()
	if db.memtable.Empty() {
		db.memtableLock.RUnlock()
		return nil
	}
	entries := db.memtable.All()
	db.memtableLock.RUnlock()

	db.walLock.RLock()
	walPath := db.wal.Path()
	db.walLock.RUnlock()

	// Write the new SSTable
	id := db.nextSSTableID.Add(1) - 1
	writer, err := sstable.NewWriter(db.pool, id, db.config.Compress)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := writer.WriteEntry(e); err != nil {
			return err
		}
	}
	if _, err := writer.Finish(); err != nil {
		return err
	}

	// Push the new run's pages to disk before dropping the WAL
	if err := db.pool.Flush(); err != nil {
		return err
	}

	reader, err := sstable.OpenReader(db.pool, id, db.config.Compress)
	if err != nil {
		return err
	}

	db.sstablesLock.Lock()
	db.sstables = append([]*sstable.Reader{reader}, db.sstables...)
	db.sstablesLock.Unlock()

	// Replace the memtable, preserving the sequence counter
	db.memtableLock.Lock()
	seq := db.memtable.CurrentSeqNum()
	db.memtable = memtable.NewWithSeq(seq)
	db.memtableLock.Unlock()

	// Swap in a fresh WAL
	db.walLock.Lock()
	if err := db.wal.Close(); err != nil {
		db.walLock.Unlock()
		return err
	}
	if err := wal.Delete(walPath); err != nil && !os.IsNotExist(err) {
		db.walLock.Unlock()
		return err
	}
	newWal, err := wal.Open(filepath.Join(db.config.Directory, WAL_FILE), db.config.Compress)
	if err != nil {
		db.walLock.Unlock()
		return err
	}
	db.wal = newWal
	db.walLock.Unlock()

	if err := db.saveManifest(); err != nil {
		return err
	}

	db.printLog("Flushed memtable")

	return nil
}

// Stats returns statistics about the store
func (db *ThorDB) Stats() Stats {
	db.memtableLock.RLock()
	stats := Stats{
		MemtableEntries:   db.memtable.Len(),
		MemtableSizeBytes: db.memtable.SizeBytes(),
	}
	db.memtableLock.RUnlock()

	db.sstablesLock.RLock()
	stats.SSTableCount = len(db.sstables)
	total := stats.MemtableEntries
	for _, reader := range db.sstables {
		total += int(reader.Meta.EntryCount)
	}
	db.sstablesLock.RUnlock()
	stats.TotalEntries = total

	return stats
}
