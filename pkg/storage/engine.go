// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package storage implements the MVCC storage engine on top of pebble. It
// keeps transactional locks, commit records and values in separate column
// families and reports, for every applied write batch, the logical ops that
// change feeds observe.
package storage

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/johnny-rice/tikv/pkg/storage/enginepb"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

// Reader is the read interface shared by the engine, its snapshots and write
// batches. *pebble.DB, *pebble.Snapshot and indexed *pebble.Batch implement
// it.
type Reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// Options configures an Engine.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps all data in memory.
	InMemory bool
	// Sync makes every write batch durable before it is acknowledged.
	Sync bool
	// CacheSize is the size of the block cache in bytes.
	CacheSize int64
}

// Engine is the storage engine of a node. Write batches are serialized; each
// applied batch is assigned the next applied index.
type Engine struct {
	db   *pebble.DB
	sync bool

	mu struct {
		syncutil.Mutex
		appliedIndex uint64
	}
}

// Open opens or creates an engine.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	po := &pebble.Options{}
	dir := opts.Dir
	if opts.InMemory {
		po.FS = vfs.NewMem()
		dir = ""
	} else if dir == "" {
		return nil, errors.New("storage: Options.Dir is required for on-disk engines")
	}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		po.Cache = cache
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "opening engine at %q", dir)
	}
	e := &Engine{db: db, sync: opts.Sync}
	val, closer, err := db.Get(appliedIndexKey)
	switch {
	case err == nil:
		e.mu.appliedIndex = binary.BigEndian.Uint64(val)
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		_ = db.Close()
		return nil, errors.Wrap(err, "reading applied index")
	}
	log.VEventf(ctx, 1, "opened engine at applied index %d", e.mu.appliedIndex)
	return e, nil
}

// Close closes the engine.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Reader returns a reader over the latest committed state.
func (e *Engine) Reader() Reader {
	return e.db
}

// AppliedIndex returns the index of the last applied write batch.
func (e *Engine) AppliedIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mu.appliedIndex
}

// Write runs fn against a new write batch and applies it. The returned entry
// carries the batch's applied index and the logical ops it produced. If fn
// returns an error nothing is applied.
func (e *Engine) Write(ctx context.Context, fn func(*WriteBatch) error) (enginepb.ChangeLogEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.db.NewIndexedBatch()
	defer func() { _ = b.Close() }()
	wb := &WriteBatch{batch: b}
	if err := fn(wb); err != nil {
		return enginepb.ChangeLogEntry{}, err
	}
	index := e.mu.appliedIndex + 1
	if err := b.Set(appliedIndexKey, binary.BigEndian.AppendUint64(nil, index), nil); err != nil {
		return enginepb.ChangeLogEntry{}, err
	}
	opt := pebble.NoSync
	if e.sync {
		opt = pebble.Sync
	}
	if err := b.Commit(opt); err != nil {
		return enginepb.ChangeLogEntry{}, errors.Wrap(err, "committing write batch")
	}
	e.mu.appliedIndex = index
	log.VEventf(ctx, 3, "applied batch #%d with %d ops", index, len(wb.ops))
	return enginepb.ChangeLogEntry{Index: index, Ops: wb.ops}, nil
}

// Snapshot is a consistent point-in-time view of the engine together with
// the applied index it reflects.
type Snapshot struct {
	*pebble.Snapshot
	// Index is the applied index of the last batch visible in the snapshot.
	Index uint64
}

var _ Reader = (*Snapshot)(nil)

// NewSnapshot takes a snapshot. The caller must Close it.
func (e *Engine) NewSnapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Snapshot{Snapshot: e.db.NewSnapshot(), Index: e.mu.appliedIndex}
}
