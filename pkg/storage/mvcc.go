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
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/johnny-rice/tikv/pkg/storage/enginepb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

var (
	// ErrKeyLocked is returned when a prewrite finds a lock of another
	// transaction.
	ErrKeyLocked = errors.New("key is locked by another transaction")
	// ErrWriteConflict is returned when a prewrite finds a commit newer than
	// its start timestamp.
	ErrWriteConflict = errors.New("write conflict")
	// ErrLockNotFound is returned when committing a transaction whose lock is
	// gone.
	ErrLockNotFound = errors.New("transaction lock not found")
)

// WriteBatch accumulates MVCC writes and the logical ops they produce. Reads
// through the batch observe its own pending writes.
type WriteBatch struct {
	batch *pebble.Batch
	ops   []enginepb.LogicalOp
}

func getCopy(r Reader, key []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), val...), true, nil
}

// MVCCGetLock returns the lock on key, if any.
func MVCCGetLock(r Reader, key []byte) (enginepb.Lock, bool, error) {
	val, ok, err := getCopy(r, lockKey(key))
	if err != nil || !ok {
		return enginepb.Lock{}, false, err
	}
	l, err := enginepb.DecodeLock(val)
	return l, err == nil, err
}

// writeVersion is one commit record of a key.
type writeVersion struct {
	commitTs hlc.Timestamp
	write    enginepb.Write
}

// mvccVisitWrites calls fn for each commit record of key with a commit
// timestamp at or below maxTs, newest first, until fn returns false.
func mvccVisitWrites(
	r Reader, key []byte, maxTs hlc.Timestamp, fn func(writeVersion) (bool, error),
) error {
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: writeKey(key, maxTs),
		UpperBound: versionsUpperBound(writePrefix, key),
	})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for valid := it.First(); valid; valid = it.Next() {
		_, commitTs, err := decodeVersionedKey(it.Key())
		if err != nil {
			return err
		}
		w, err := enginepb.DecodeWrite(it.Value())
		if err != nil {
			return err
		}
		if cont, err := fn(writeVersion{commitTs: commitTs, write: w}); err != nil || !cont {
			return err
		}
	}
	return it.Error()
}

// MVCCGetOldValue returns the value key had before a transaction starting at
// startTs, that is the latest committed put or delete with a commit
// timestamp below startTs. A nil value means the key did not exist.
func MVCCGetOldValue(r Reader, key []byte, startTs hlc.Timestamp) ([]byte, error) {
	if startTs.IsEmpty() {
		return nil, nil
	}
	var value []byte
	err := mvccVisitWrites(r, key, startTs.Prev(), func(v writeVersion) (bool, error) {
		switch v.write.Type {
		case enginepb.WritePut:
			val, ok, err := getCopy(r, defaultKey(key, v.write.StartTs))
			if err != nil {
				return false, err
			}
			if !ok {
				return false, errors.AssertionFailedf(
					"missing value of %q committed at %s", key, v.commitTs)
			}
			value = val
			return false, nil
		case enginepb.WriteDelete:
			return false, nil
		default:
			// Rollback and lock records carry no data.
			return true, nil
		}
	})
	return value, err
}

// MVCCGet returns the latest value of key visible at ts.
func MVCCGet(r Reader, key []byte, ts hlc.Timestamp) ([]byte, error) {
	return MVCCGetOldValue(r, key, ts.Next())
}

// Ops returns the logical ops accumulated so far.
func (wb *WriteBatch) Ops() []enginepb.LogicalOp {
	return wb.ops
}

// MVCCPrewrite writes a lock for a transaction starting at lock.StartTs.
// Writing the lock again with a higher generation rewrites it in place.
func (wb *WriteBatch) MVCCPrewrite(key, value []byte, lock enginepb.Lock) error {
	existing, ok, err := MVCCGetLock(wb.batch, key)
	if err != nil {
		return err
	}
	if ok {
		if existing.StartTs != lock.StartTs {
			return errors.Wrapf(ErrKeyLocked, "%q locked at %s", key, existing.StartTs)
		}
		if lock.Generation != 0 && lock.Generation <= existing.Generation {
			// Stale pipelined flush.
			return nil
		}
	} else {
		var conflict error
		if err := mvccVisitWrites(wb.batch, key, hlc.MaxTimestamp, func(v writeVersion) (bool, error) {
			if v.commitTs >= lock.StartTs || v.write.StartTs == lock.StartTs {
				conflict = errors.Wrapf(ErrWriteConflict,
					"%q written at %s, txn started at %s", key, v.commitTs, lock.StartTs)
			}
			return false, nil
		}); err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}
	}
	if err := wb.batch.Set(lockKey(key), lock.Encode(), nil); err != nil {
		return err
	}
	if lock.Type == enginepb.LockPut {
		if err := wb.batch.Set(defaultKey(key, lock.StartTs), value, nil); err != nil {
			return err
		}
	}
	wb.ops = append(wb.ops, &enginepb.PrewriteOp{
		Key:   append([]byte(nil), key...),
		Lock:  lock,
		Value: append([]byte(nil), value...),
	})
	return nil
}

// MVCCCommit commits the lock of the transaction starting at startTs.
// Committing an already committed transaction is a no-op.
func (wb *WriteBatch) MVCCCommit(key []byte, startTs, commitTs hlc.Timestamp) error {
	if commitTs <= startTs {
		return errors.AssertionFailedf("commit ts %s not above start ts %s", commitTs, startTs)
	}
	lock, ok, err := MVCCGetLock(wb.batch, key)
	if err != nil {
		return err
	}
	if !ok || lock.StartTs != startTs {
		committed := false
		if err := mvccVisitWrites(wb.batch, key, hlc.MaxTimestamp, func(v writeVersion) (bool, error) {
			if v.write.StartTs == startTs && v.write.Type != enginepb.WriteRollback {
				committed = true
				return false, nil
			}
			return v.commitTs > startTs, nil
		}); err != nil {
			return err
		}
		if committed {
			return nil
		}
		return errors.Wrapf(ErrLockNotFound, "%q at %s", key, startTs)
	}
	w := enginepb.Write{Type: enginepb.WriteTypeFromLock(lock.Type), StartTs: startTs}
	if err := wb.batch.Set(writeKey(key, commitTs), w.Encode(), nil); err != nil {
		return err
	}
	if err := wb.batch.Delete(lockKey(key), nil); err != nil {
		return err
	}
	var value []byte
	if w.Type == enginepb.WritePut {
		if value, _, err = getCopy(wb.batch, defaultKey(key, startTs)); err != nil {
			return err
		}
	}
	wb.ops = append(wb.ops, &enginepb.CommitOp{
		Key:      append([]byte(nil), key...),
		Type:     w.Type,
		StartTs:  startTs,
		CommitTs: commitTs,
		Value:    value,
	})
	return nil
}

// MVCCRollback removes the lock of the transaction starting at startTs and
// leaves a rollback record so that a late prewrite of it fails.
func (wb *WriteBatch) MVCCRollback(key []byte, startTs hlc.Timestamp) error {
	lock, ok, err := MVCCGetLock(wb.batch, key)
	if err != nil {
		return err
	}
	w := enginepb.Write{Type: enginepb.WriteRollback, StartTs: startTs}
	if err := wb.batch.Set(writeKey(key, startTs), w.Encode(), nil); err != nil {
		return err
	}
	if !ok || lock.StartTs != startTs {
		return nil
	}
	if err := wb.batch.Delete(lockKey(key), nil); err != nil {
		return err
	}
	if err := wb.batch.Delete(defaultKey(key, startTs), nil); err != nil {
		return err
	}
	wb.ops = append(wb.ops, &enginepb.RollbackOp{Key: append([]byte(nil), key...), StartTs: startTs})
	return nil
}

// RawPut writes a raw key.
func (wb *WriteBatch) RawPut(key, value []byte, ts hlc.Timestamp) error {
	v := enginepb.RawValue{Ts: ts, Value: value}
	if err := wb.batch.Set(rawKey(key), v.Encode(), nil); err != nil {
		return err
	}
	wb.ops = append(wb.ops, &enginepb.RawPutOp{
		Key: append([]byte(nil), key...), Value: append([]byte(nil), value...), Ts: ts,
	})
	return nil
}

// RawDelete deletes a raw key, leaving a tombstone so that incremental scans
// observe the delete.
func (wb *WriteBatch) RawDelete(key []byte, ts hlc.Timestamp) error {
	v := enginepb.RawValue{Ts: ts, Deleted: true}
	if err := wb.batch.Set(rawKey(key), v.Encode(), nil); err != nil {
		return err
	}
	wb.ops = append(wb.ops, &enginepb.RawDeleteOp{Key: append([]byte(nil), key...), Ts: ts})
	return nil
}

// RawGet returns the value of a raw key.
func RawGet(r Reader, key []byte) ([]byte, bool, error) {
	val, ok, err := getCopy(r, rawKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := enginepb.DecodeRawValue(val)
	if err != nil || v.Deleted {
		return nil, false, err
	}
	return v.Value, true, nil
}
