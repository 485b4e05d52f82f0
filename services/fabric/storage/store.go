// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists the root's topology mirror in BadgerDB.
//
// The root writes a snapshot after every move, reconcile and threshold
// change and reads it back on startup, so a restarted root resumes with the
// topology it last pushed instead of the configured initial layout.
//
// # Key Layout
//
//	topology/current             latest TopologySnapshot (JSON)
//	topology/history/{unixnano}  every snapshot ever written, oldest first
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

var (
	keyCurrent    = []byte("topology/current")
	prefixHistory = []byte("topology/history/")
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("topology store is closed")

// =============================================================================
// Configuration
// =============================================================================

// Config configures the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps everything in memory. Used by tests and by nodes
	// started without a state directory.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// HistoryLimit caps the retained history entries. Zero keeps all.
	HistoryLimit int `yaml:"history_limit"`

	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a durable on-disk configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		SyncWrites:   true,
		HistoryLimit: 256,
		GCInterval:   10 * time.Minute,
	}
}

// badgerLogger routes BadgerDB's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// TopologyStore
// =============================================================================

// TopologyStore implements root.Store on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions provide isolation.
type TopologyStore struct {
	db     *badger.DB
	limit  int
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens or creates the store.
//
// # Outputs
//
//   - *TopologyStore: Ready store. Close it on shutdown.
//   - error: Missing path or a database that cannot be opened.
func Open(cfg Config) (*TopologyStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent topology store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &TopologyStore{db: db, limit: cfg.HistoryLimit, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*TopologyStore, error) {
	return Open(Config{InMemory: true})
}

// SaveSnapshot writes snap as the current snapshot and appends it to the
// history, trimming the oldest entries beyond the configured limit.
func (s *TopologyStore) SaveSnapshot(ctx context.Context, snap datatypes.TopologySnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyCurrent, data); err != nil {
			return err
		}
		if err := txn.Set(historyKey(snap.UpdatedAt), data); err != nil {
			return err
		}
		return s.trimHistory(txn)
	})
	if err != nil {
		return s.wrap("save snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the current snapshot. The bool is false when none
// has been written yet.
func (s *TopologyStore) LoadSnapshot(ctx context.Context) (datatypes.TopologySnapshot, bool, error) {
	var snap datatypes.TopologySnapshot
	if err := ctx.Err(); err != nil {
		return snap, false, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyCurrent)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, s.wrap("load snapshot", err)
	}
	return snap, true, nil
}

// History returns up to limit snapshots, newest first. A non-positive limit
// returns all of them.
func (s *TopologyStore) History(ctx context.Context, limit int) ([]datatypes.TopologySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []datatypes.TopologySnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefixHistory
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefixHistory...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefixHistory); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var snap datatypes.TopologySnapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("read history", err)
	}
	return out, nil
}

// Close stops value log GC and closes the database.
func (s *TopologyStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *TopologyStore) trimHistory(txn *badger.Txn) error {
	if s.limit <= 0 {
		return nil
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefixHistory
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(prefixHistory); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	// The entry written in this transaction is visible to the iterator.
	for len(keys) > s.limit {
		if err := txn.Delete(keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

func (s *TopologyStore) runGC(interval time.Duration) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *TopologyStore) wrap(op string, err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// historyKey orders entries by write time. Big-endian keeps byte order equal
// to numeric order.
func historyKey(t time.Time) []byte {
	key := make([]byte, len(prefixHistory)+8)
	copy(key, prefixHistory)
	binary.BigEndian.PutUint64(key[len(prefixHistory):], uint64(t.UnixNano()))
	return key
}
