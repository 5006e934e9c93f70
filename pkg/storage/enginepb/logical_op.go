// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package enginepb

import (
	"fmt"

	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

// LogicalOp is one logical effect of an applied write batch, as observed by
// the change feed. The set of implementations is closed.
type LogicalOp interface {
	// OpKey returns the user key the op applies to.
	OpKey() []byte
	isLogicalOp()
}

// PrewriteOp reports a lock being written.
type PrewriteOp struct {
	Key   []byte
	Lock  Lock
	Value []byte
}

// CommitOp reports a lock being committed. Value is the committed value for
// puts.
type CommitOp struct {
	Key      []byte
	Type     WriteType
	StartTs  hlc.Timestamp
	CommitTs hlc.Timestamp
	Value    []byte
}

// RollbackOp reports a lock being rolled back.
type RollbackOp struct {
	Key     []byte
	StartTs hlc.Timestamp
}

// RawPutOp reports a raw put.
type RawPutOp struct {
	Key   []byte
	Value []byte
	Ts    hlc.Timestamp
}

// RawDeleteOp reports a raw delete.
type RawDeleteOp struct {
	Key []byte
	Ts  hlc.Timestamp
}

func (op *PrewriteOp) OpKey() []byte  { return op.Key }
func (op *CommitOp) OpKey() []byte    { return op.Key }
func (op *RollbackOp) OpKey() []byte  { return op.Key }
func (op *RawPutOp) OpKey() []byte    { return op.Key }
func (op *RawDeleteOp) OpKey() []byte { return op.Key }

func (*PrewriteOp) isLogicalOp()  {}
func (*CommitOp) isLogicalOp()    {}
func (*RollbackOp) isLogicalOp()  {}
func (*RawPutOp) isLogicalOp()    {}
func (*RawDeleteOp) isLogicalOp() {}

// ChangeLogEntry is the set of ops of one applied write batch. Index is the
// applied index of the batch; it increases with every batch.
type ChangeLogEntry struct {
	Index uint64
	Ops   []LogicalOp
}

// String implements fmt.Stringer.
func (e ChangeLogEntry) String() string {
	return fmt.Sprintf("#%d (%d ops)", e.Index, len(e.Ops))
}
