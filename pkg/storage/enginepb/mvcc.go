// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package enginepb holds the MVCC record formats stored by the engine and the
// logical operations it reports for every applied write batch.
package enginepb

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

// LockType is the kind of write a lock stands for.
type LockType byte

const (
	// LockPut is a prewritten put.
	LockPut LockType = 'P'
	// LockDelete is a prewritten delete.
	LockDelete LockType = 'D'
	// LockLock is a read lock that carries no mutation.
	LockLock LockType = 'L'
	// LockPessimistic is acquired before prewrite by pessimistic
	// transactions.
	LockPessimistic LockType = 'S'
)

// Lock is the value of a lock record.
type Lock struct {
	Type    LockType
	Primary []byte
	StartTs hlc.Timestamp
	// Generation is bumped every time a pipelined transaction rewrites the
	// lock. Zero for regular transactions.
	Generation uint64
}

// Encode serializes the lock: type, start ts, generation, primary.
func (l Lock) Encode() []byte {
	buf := make([]byte, 0, 1+8+binary.MaxVarintLen64+len(l.Primary))
	buf = append(buf, byte(l.Type))
	buf = binary.BigEndian.AppendUint64(buf, uint64(l.StartTs))
	buf = binary.AppendUvarint(buf, l.Generation)
	return append(buf, l.Primary...)
}

// DecodeLock parses a lock encoded by Encode.
func DecodeLock(b []byte) (Lock, error) {
	if len(b) < 9 {
		return Lock{}, errors.Newf("lock record too short: %d bytes", len(b))
	}
	l := Lock{Type: LockType(b[0]), StartTs: hlc.Timestamp(binary.BigEndian.Uint64(b[1:9]))}
	gen, n := binary.Uvarint(b[9:])
	if n <= 0 {
		return Lock{}, errors.New("malformed lock generation")
	}
	l.Generation = gen
	l.Primary = append([]byte(nil), b[9+n:]...)
	return l, nil
}

// WriteType is the kind of a commit record.
type WriteType byte

const (
	// WritePut commits a put; the value lives in the default column.
	WritePut WriteType = 'P'
	// WriteDelete commits a delete.
	WriteDelete WriteType = 'D'
	// WriteLock commits a read lock.
	WriteLock WriteType = 'L'
	// WriteRollback protects a rolled back transaction from a late prewrite.
	WriteRollback WriteType = 'R'
)

// WriteTypeFromLock returns the commit record kind for a lock.
func WriteTypeFromLock(t LockType) WriteType {
	switch t {
	case LockPut:
		return WritePut
	case LockDelete:
		return WriteDelete
	default:
		return WriteLock
	}
}

// Write is the value of a commit record, keyed by (key, commit ts).
type Write struct {
	Type    WriteType
	StartTs hlc.Timestamp
}

// Encode serializes the write record.
func (w Write) Encode() []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, byte(w.Type))
	return binary.BigEndian.AppendUint64(buf, uint64(w.StartTs))
}

// DecodeWrite parses a write record encoded by Encode.
func DecodeWrite(b []byte) (Write, error) {
	if len(b) != 9 {
		return Write{}, errors.Newf("write record has %d bytes, expected 9", len(b))
	}
	return Write{Type: WriteType(b[0]), StartTs: hlc.Timestamp(binary.BigEndian.Uint64(b[1:]))}, nil
}

// RawValue is the value of a raw (non-transactional) key.
type RawValue struct {
	Ts      hlc.Timestamp
	Deleted bool
	Value   []byte
}

// Encode serializes the raw value.
func (v RawValue) Encode() []byte {
	buf := make([]byte, 0, 9+len(v.Value))
	buf = binary.BigEndian.AppendUint64(buf, uint64(v.Ts))
	if v.Deleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, v.Value...)
}

// DecodeRawValue parses a raw value encoded by Encode.
func DecodeRawValue(b []byte) (RawValue, error) {
	if len(b) < 9 {
		return RawValue{}, errors.Newf("raw value too short: %d bytes", len(b))
	}
	return RawValue{
		Ts:      hlc.Timestamp(binary.BigEndian.Uint64(b[:8])),
		Deleted: b[8] == 1,
		Value:   append([]byte(nil), b[9:]...),
	}, nil
}
