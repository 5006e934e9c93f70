// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package storage

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/storage/enginepb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

// CommittedWrite is a committed put or delete of a key.
type CommittedWrite struct {
	Type     enginepb.WriteType
	StartTs  hlc.Timestamp
	CommitTs hlc.Timestamp
	Value    []byte
}

// KeyDelta is the state of one key as seen by an incremental scan: its
// outstanding lock, if any, and its commits above the scan's start
// timestamp in chronological order.
type KeyDelta struct {
	Key       []byte
	Lock      *enginepb.Lock
	LockValue []byte
	Writes    []CommittedWrite
}

// DeltaScanner iterates over the keys of a span that changed after a given
// timestamp or are locked. Keys are visited in ascending order.
type DeltaScanner struct {
	r      Reader
	fromTs hlc.Timestamp

	lockIter, writeIter   *pebble.Iterator
	lockValid, writeValid bool
	lockUserKey           []byte
	writeUserKey          []byte
	writeTs               hlc.Timestamp
}

// NewDeltaScanner creates a scanner over span emitting commits with a commit
// timestamp above fromTs. The caller must Close it.
func NewDeltaScanner(r Reader, span regionpb.Span, fromTs hlc.Timestamp) (*DeltaScanner, error) {
	s := &DeltaScanner{r: r, fromTs: fromTs}
	lower, upper := spanBounds(lockPrefix, span)
	var err error
	if s.lockIter, err = r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper}); err != nil {
		return nil, err
	}
	lower, upper = spanBounds(writePrefix, span)
	if s.writeIter, err = r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper}); err != nil {
		_ = s.lockIter.Close()
		return nil, err
	}
	s.lockValid = s.lockIter.First()
	s.writeValid = s.writeIter.First()
	if err := s.decodeLockPos(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.decodeWritePos(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *DeltaScanner) decodeLockPos() error {
	if !s.lockValid {
		return s.lockIter.Error()
	}
	key, _, err := decodeUserKey(s.lockIter.Key()[1:])
	s.lockUserKey = key
	return err
}

func (s *DeltaScanner) decodeWritePos() error {
	if !s.writeValid {
		return s.writeIter.Error()
	}
	key, ts, err := decodeVersionedKey(s.writeIter.Key())
	s.writeUserKey, s.writeTs = key, ts
	return err
}

// Next returns the next changed key. ok is false once the scan is exhausted.
func (s *DeltaScanner) Next() (delta KeyDelta, ok bool, err error) {
	for s.lockValid || s.writeValid {
		var key []byte
		switch {
		case !s.writeValid:
			key = s.lockUserKey
		case !s.lockValid:
			key = s.writeUserKey
		case bytes.Compare(s.lockUserKey, s.writeUserKey) <= 0:
			key = s.lockUserKey
		default:
			key = s.writeUserKey
		}
		delta = KeyDelta{Key: key}

		if s.lockValid && bytes.Equal(s.lockUserKey, key) {
			lock, err := enginepb.DecodeLock(s.lockIter.Value())
			if err != nil {
				return KeyDelta{}, false, errors.Wrapf(err, "decoding lock of %q", key)
			}
			delta.Lock = &lock
			if lock.Type == enginepb.LockPut {
				if delta.LockValue, _, err = getCopy(s.r, defaultKey(key, lock.StartTs)); err != nil {
					return KeyDelta{}, false, err
				}
			}
			s.lockValid = s.lockIter.Next()
			if err := s.decodeLockPos(); err != nil {
				return KeyDelta{}, false, err
			}
		}

		for s.writeValid && bytes.Equal(s.writeUserKey, key) {
			if s.writeTs <= s.fromTs {
				// Versions are newest first, so the rest of this key is old.
				s.writeValid = s.writeIter.SeekGE(versionsUpperBound(writePrefix, key))
				if err := s.decodeWritePos(); err != nil {
					return KeyDelta{}, false, err
				}
				break
			}
			w, err := enginepb.DecodeWrite(s.writeIter.Value())
			if err != nil {
				return KeyDelta{}, false, errors.Wrapf(err, "decoding write of %q", key)
			}
			if w.Type == enginepb.WritePut || w.Type == enginepb.WriteDelete {
				cw := CommittedWrite{Type: w.Type, StartTs: w.StartTs, CommitTs: s.writeTs}
				if w.Type == enginepb.WritePut {
					if cw.Value, _, err = getCopy(s.r, defaultKey(key, w.StartTs)); err != nil {
						return KeyDelta{}, false, err
					}
				}
				delta.Writes = append(delta.Writes, cw)
			}
			s.writeValid = s.writeIter.Next()
			if err := s.decodeWritePos(); err != nil {
				return KeyDelta{}, false, err
			}
		}

		if delta.Lock == nil && len(delta.Writes) == 0 {
			continue
		}
		// Emit commits chronologically.
		for i, j := 0, len(delta.Writes)-1; i < j; i, j = i+1, j-1 {
			delta.Writes[i], delta.Writes[j] = delta.Writes[j], delta.Writes[i]
		}
		return delta, true, nil
	}
	return KeyDelta{}, false, nil
}

// Close releases the scanner's iterators.
func (s *DeltaScanner) Close() {
	if s.lockIter != nil {
		_ = s.lockIter.Close()
	}
	if s.writeIter != nil {
		_ = s.writeIter.Close()
	}
}

// ScanLocks calls fn for every lock in span.
func ScanLocks(r Reader, span regionpb.Span, fn func(key []byte, lock enginepb.Lock) error) error {
	lower, upper := spanBounds(lockPrefix, span)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for valid := it.First(); valid; valid = it.Next() {
		key, _, err := decodeUserKey(it.Key()[1:])
		if err != nil {
			return err
		}
		lock, err := enginepb.DecodeLock(it.Value())
		if err != nil {
			return err
		}
		if err := fn(key, lock); err != nil {
			return err
		}
	}
	return it.Error()
}

// ScanRaw calls fn for every raw key in span last written above fromTs,
// including tombstones.
func ScanRaw(
	r Reader, span regionpb.Span, fromTs hlc.Timestamp, fn func(key []byte, v enginepb.RawValue) error,
) error {
	lower, upper := spanBounds(rawPrefix, span)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for valid := it.First(); valid; valid = it.Next() {
		v, err := enginepb.DecodeRawValue(it.Value())
		if err != nil {
			return err
		}
		if v.Ts <= fromTs {
			continue
		}
		key, _, err := decodeUserKey(it.Key()[1:])
		if err != nil {
			return err
		}
		if err := fn(key, v); err != nil {
			return err
		}
	}
	return it.Error()
}
