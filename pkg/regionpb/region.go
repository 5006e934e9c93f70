// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package regionpb defines the region metadata shared by the storage layer
// and the change feed subsystem.
package regionpb

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/redact"
)

// RegionID uniquely identifies a region.
type RegionID uint64

// SafeValue implements the redact.SafeValue interface.
func (RegionID) SafeValue() {}

// String implements fmt.Stringer.
func (r RegionID) String() string {
	return fmt.Sprintf("r%d", uint64(r))
}

// Key is a user key.
type Key []byte

// Compare compares two keys.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k, o)
}

// Equal returns whether two keys are identical.
func (k Key) Equal(o Key) bool {
	return bytes.Equal(k, o)
}

// Next returns the next key in lexicographic sort order.
func (k Key) Next() Key {
	return append(append(Key(nil), k...), 0)
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%q", []byte(k))
}

// Span is a half-open key range [Key, EndKey). An empty EndKey means the
// span extends to the end of the keyspace.
type Span struct {
	Key    Key
	EndKey Key
}

// Valid returns whether the span is non-empty.
func (s Span) Valid() bool {
	return len(s.EndKey) == 0 || s.Key.Compare(s.EndKey) < 0
}

// ContainsKey returns whether the span contains key.
func (s Span) ContainsKey(key Key) bool {
	return s.Key.Compare(key) <= 0 && (len(s.EndKey) == 0 || key.Compare(s.EndKey) < 0)
}

// Contains returns whether o is entirely within s.
func (s Span) Contains(o Span) bool {
	if s.Key.Compare(o.Key) > 0 {
		return false
	}
	if len(s.EndKey) == 0 {
		return true
	}
	return len(o.EndKey) != 0 && o.EndKey.Compare(s.EndKey) <= 0
}

// Equal returns whether the spans are identical.
func (s Span) Equal(o Span) bool {
	return s.Key.Equal(o.Key) && s.EndKey.Equal(o.EndKey)
}

// String implements fmt.Stringer.
func (s Span) String() string {
	end := "/Max"
	if len(s.EndKey) != 0 {
		end = s.EndKey.String()
	}
	return fmt.Sprintf("[%s, %s)", s.Key, end)
}

// Epoch is the version of a region's metadata. Version is bumped on splits
// and merges, ConfVer on membership changes.
type Epoch struct {
	Version uint64
	ConfVer uint64
}

// SafeFormat implements redact.SafeFormatter.
func (e Epoch) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("v%d/c%d", redact.Safe(e.Version), redact.Safe(e.ConfVer))
}

// String implements fmt.Stringer.
func (e Epoch) String() string {
	return redact.StringWithoutMarkers(e)
}

// Region describes a contiguous slice of the keyspace owned by a single
// replication group.
type Region struct {
	ID    RegionID
	Epoch Epoch
	Span  Span
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("%s%s@%s", r.ID, r.Span, r.Epoch)
}
