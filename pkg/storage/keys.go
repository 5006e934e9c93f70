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
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

// The engine keeps four logical column families in one pebble keyspace,
// separated by a one byte prefix:
//
//	l<key>            -> enginepb.Lock
//	w<key><^commitTs> -> enginepb.Write
//	d<key><^startTs>  -> value
//	r<key>            -> enginepb.RawValue
//
// User keys are escaped so that the encoding is order preserving and no
// encoded key is a prefix of another, and timestamps are stored inverted so
// that the newest version of a key sorts first.
const (
	lockPrefix    = 'l'
	writePrefix   = 'w'
	defaultPrefix = 'd'
	rawPrefix     = 'r'
	metaPrefix    = 'm'
)

const (
	escapeByte     = 0x00
	escapedZero    = 0xff
	escapedTerm    = 0x01
	timestampBytes = 8
)

var appliedIndexKey = []byte{metaPrefix, 'a', 'p', 'p', 'l', 'i', 'e', 'd'}

func encodeUserKey(dst, key []byte) []byte {
	for _, b := range key {
		dst = append(dst, b)
		if b == escapeByte {
			dst = append(dst, escapedZero)
		}
	}
	return append(dst, escapeByte, escapedTerm)
}

// decodeUserKey decodes an escaped user key from the front of b and returns
// the remainder.
func decodeUserKey(b []byte) (key, rest []byte, err error) {
	key = make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != escapeByte {
			key = append(key, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, errors.New("malformed key: truncated escape")
		}
		switch b[i+1] {
		case escapedZero:
			key = append(key, escapeByte)
			i++
		case escapedTerm:
			return key, b[i+2:], nil
		default:
			return nil, nil, errors.Newf("malformed key: unexpected escape %#x", b[i+1])
		}
	}
	return nil, nil, errors.New("malformed key: missing terminator")
}

func encodeTimestamp(dst []byte, ts hlc.Timestamp) []byte {
	return binary.BigEndian.AppendUint64(dst, ^uint64(ts))
}

func decodeTimestamp(b []byte) (hlc.Timestamp, error) {
	if len(b) != timestampBytes {
		return 0, errors.Newf("malformed timestamp suffix of %d bytes", len(b))
	}
	return hlc.Timestamp(^binary.BigEndian.Uint64(b)), nil
}

func lockKey(key []byte) []byte {
	return encodeUserKey([]byte{lockPrefix}, key)
}

func writeKey(key []byte, commitTs hlc.Timestamp) []byte {
	return encodeTimestamp(encodeUserKey([]byte{writePrefix}, key), commitTs)
}

func defaultKey(key []byte, startTs hlc.Timestamp) []byte {
	return encodeTimestamp(encodeUserKey([]byte{defaultPrefix}, key), startTs)
}

func rawKey(key []byte) []byte {
	return encodeUserKey([]byte{rawPrefix}, key)
}

// versionsUpperBound returns the exclusive upper bound of all versions of
// key in the column family with the given prefix.
func versionsUpperBound(prefix byte, key []byte) []byte {
	b := encodeUserKey([]byte{prefix}, key)
	b[len(b)-1]++
	return b
}

// spanBounds returns the pebble bounds of span within a column family.
func spanBounds(prefix byte, span regionpb.Span) (lower, upper []byte) {
	lower = encodeUserKey([]byte{prefix}, span.Key)
	// The terminator sorts before any continuation of the key, so strip it to
	// make the lower bound inclusive of span.Key itself.
	lower = lower[:len(lower)-2]
	if len(span.EndKey) == 0 {
		return lower, []byte{prefix + 1}
	}
	upper = encodeUserKey([]byte{prefix}, span.EndKey)
	return lower, upper[:len(upper)-2]
}

// decodeVersionedKey splits a write or default key into user key and
// timestamp.
func decodeVersionedKey(b []byte) (key []byte, ts hlc.Timestamp, err error) {
	key, rest, err := decodeUserKey(b[1:])
	if err != nil {
		return nil, 0, err
	}
	ts, err = decodeTimestamp(rest)
	return key, ts, err
}
