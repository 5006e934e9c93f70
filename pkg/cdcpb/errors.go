// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package cdcpb

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/regionpb"
)

// ErrorKind classifies a regional error. A consumer receiving one must drop
// the subscription and re-subscribe after refreshing its region metadata.
type ErrorKind int32

const (
	// ErrorUnknown is the zero value and never sent.
	ErrorUnknown ErrorKind = iota
	// ErrorEpochNotMatch is sent when the region split, merged or otherwise
	// changed its epoch. CurrentRegions holds the regions now covering the
	// span, when known.
	ErrorEpochNotMatch
	// ErrorRegionNotFound is sent when the region is gone from this node or
	// its data could not be scanned.
	ErrorRegionNotFound
	// ErrorNotLeader is sent when this node stopped leading the region.
	ErrorNotLeader
)

var errorKindNames = [...]string{
	ErrorUnknown:        "unknown",
	ErrorEpochNotMatch:  "epoch not match",
	ErrorRegionNotFound: "region not found",
	ErrorNotLeader:      "not leader",
}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int32(k))
}

// SafeValue implements the redact.SafeValue interface.
func (ErrorKind) SafeValue() {}

// Error is a regional error delivered to a subscription. It is always the
// last event of the subscription.
type Error struct {
	Kind           ErrorKind
	RegionID       regionpb.RegionID
	CurrentRegions []regionpb.Region
	Leader         uint64
	Message        string
}

var _ error = (*Error)(nil)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.RegionID, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// NewEpochNotMatch returns an ErrorEpochNotMatch for region id.
func NewEpochNotMatch(id regionpb.RegionID, current ...regionpb.Region) *Error {
	return &Error{Kind: ErrorEpochNotMatch, RegionID: id, CurrentRegions: current}
}

// NewRegionNotFound returns an ErrorRegionNotFound for region id.
func NewRegionNotFound(id regionpb.RegionID, msg string) *Error {
	return &Error{Kind: ErrorRegionNotFound, RegionID: id, Message: msg}
}

// NewNotLeader returns an ErrorNotLeader for region id.
func NewNotLeader(id regionpb.RegionID, leader uint64) *Error {
	return &Error{Kind: ErrorNotLeader, RegionID: id, Leader: leader}
}

// ErrorKindOf returns the kind of the regional error in err's chain, or
// ErrorUnknown.
func ErrorKindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorUnknown
}
