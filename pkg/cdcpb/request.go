// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package cdcpb defines the request and event types exchanged between the
// change feed subsystem and its consumers.
package cdcpb

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

// RequestID is chosen by the consumer to multiplex several subscriptions of
// the same region over one connection.
type RequestID uint64

// SafeValue implements the redact.SafeValue interface.
func (RequestID) SafeValue() {}

// ConnID identifies a consumer connection.
type ConnID uuid.UUID

// MakeConnID allocates a new random ConnID.
func MakeConnID() ConnID {
	return ConnID(uuid.New())
}

// String implements fmt.Stringer. Only the first block of the uuid is printed
// to keep log tags short.
func (c ConnID) String() string {
	return uuid.UUID(c).String()[:8]
}

// SafeValue implements the redact.SafeValue interface.
func (ConnID) SafeValue() {}

// KvAPI selects which flavour of data a subscription observes.
type KvAPI int32

const (
	// KvAPITxn observes transactional writes.
	KvAPITxn KvAPI = iota
	// KvAPIRaw observes raw, non-transactional writes.
	KvAPIRaw
)

// String implements fmt.Stringer.
func (a KvAPI) String() string {
	switch a {
	case KvAPITxn:
		return "txn"
	case KvAPIRaw:
		return "raw"
	default:
		return fmt.Sprintf("KvAPI(%d)", int32(a))
	}
}

// ExtraOp requests additional work per event.
type ExtraOp int32

const (
	// ExtraOpNoop requests nothing extra.
	ExtraOpNoop ExtraOp = iota
	// ExtraOpReadOldValue fills the OldValue of prewrite and commit rows with
	// the value the key had before the transaction.
	ExtraOpReadOldValue
)

// ChangeDataRequest subscribes to the changes of one region.
type ChangeDataRequest struct {
	RegionID    regionpb.RegionID
	RegionEpoch regionpb.Epoch
	RequestID   RequestID
	// CheckpointTs is the timestamp up to which the consumer already has all
	// committed data. The incremental scan emits commits above it.
	CheckpointTs hlc.Timestamp
	// Span restricts the subscription to part of the region. An empty span
	// means the whole region.
	Span    regionpb.Span
	KvAPI   KvAPI
	ExtraOp ExtraOp
}
