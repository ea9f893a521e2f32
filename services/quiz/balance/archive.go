// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package balance

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var eventPrefix = []byte("evt/")

// ArchiveConfig holds configuration for the BadgerDB event archive.
type ArchiveConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps the archive in memory. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Retention expires archived events after this long. Zero keeps them.
	Retention time.Duration

	// GCInterval is how often to run value log garbage collection.
	// Default: 10 minutes. Zero disables. Never runs in memory.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC (default: 0.5).
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger
}

// DefaultArchiveConfig returns production defaults.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		SyncWrites:     false,
		Retention:      30 * 24 * time.Hour,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Archive persists balance events in BadgerDB, keyed by time so iteration
// is chronological.
//
// Thread Safety: Safe for concurrent use.
type Archive struct {
	db        *badger.DB
	retention time.Duration
	seq       atomic.Uint32

	stopCh chan struct{}
	doneCh chan struct{}
	logger *slog.Logger
}

// OpenArchive opens the archive.
//
// Description:
//
//	Opens BadgerDB at cfg.Path, or in memory if cfg.InMemory is set, and
//	starts a value log GC loop when GCInterval is positive.
//
// Outputs:
//
//	*Archive - Call Close when done.
//	error - Non-nil if the path is missing or the database cannot open.
func OpenArchive(cfg ArchiveConfig) (*Archive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent archive")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open balance archive: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{
		db:        db,
		retention: cfg.Retention,
		logger:    logger.With(slog.String("component", "balance_archive")),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		a.stopCh = make(chan struct{})
		a.doneCh = make(chan struct{})
		go a.runGC(cfg.GCInterval, ratio)
	}
	return a, nil
}

// Append stores e under a key ordered by its timestamp.
func (a *Archive) Append(e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode balance event: %w", err)
	}

	key := make([]byte, len(eventPrefix)+12)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], uint64(e.Timestamp.UnixNano()))
	binary.BigEndian.PutUint32(key[len(eventPrefix)+8:], a.seq.Add(1))

	return a.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, value)
		if a.retention > 0 {
			entry = entry.WithTTL(a.retention)
		}
		return txn.SetEntry(entry)
	})
}

// Recent returns up to limit of the newest archived events, newest first.
func (a *Archive) Recent(limit int) ([]Event, error) {
	var out []Event
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = eventPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key with the prefix.
		seek := append(append([]byte(nil), eventPrefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(eventPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Event
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return fmt.Errorf("decode balance event: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Close stops GC and closes the database.
func (a *Archive) Close() error {
	if a.stopCh != nil {
		close(a.stopCh)
		<-a.doneCh
		a.stopCh = nil
	}
	return a.db.Close()
}

func (a *Archive) runGC(interval time.Duration, ratio float64) {
	defer close(a.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed.
			if err := a.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				a.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
