// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package cdc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/storage"
	"github.com/johnny-rice/tikv/pkg/util/cache"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/retry"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

const oldValueCacheShards = 16

// oldValueEntryOverhead approximates the memory of a cache entry beyond its
// key and value bytes.
const oldValueEntryOverhead = 64

type oldValueKey struct {
	key     string
	startTs hlc.Timestamp
}

type oldValueShard struct {
	syncutil.Mutex
	cache *cache.UnorderedCache[oldValueKey, []byte]
	bytes int64
}

// OldValueCache caches the value a key had before a transaction wrote it,
// keyed by the key and the transaction's start timestamp. It is shared by all
// delegates of a node. Misses and evicted entries are read from the storage
// engine.
type OldValueCache struct {
	reader     storage.Reader
	metrics    *Metrics
	shards     [oldValueCacheShards]oldValueShard
	retryOpts  retry.Options
	updates    atomic.Int64
	shardQuota int64
}

// NewOldValueCache makes a cache bounded by memoryQuota bytes and, if
// positive, maxEntries entries. Loads go through reader.
func NewOldValueCache(
	reader storage.Reader, memoryQuota ByteSize, maxEntries int, metrics *Metrics,
) *OldValueCache {
	c := &OldValueCache{
		reader:     reader,
		metrics:    metrics,
		shardQuota: int64(memoryQuota) / oldValueCacheShards,
		retryOpts: retry.Options{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			Multiplier:     2,
			MaxRetries:     5,
		},
	}
	shardEntries := 0
	if maxEntries > 0 {
		shardEntries = max(maxEntries/oldValueCacheShards, 1)
	}
	for i := range c.shards {
		s := &c.shards[i]
		s.cache = cache.NewTypedUnorderedCache(cache.TypedConfig[oldValueKey, []byte]{
			Policy: cache.CacheLRU,
			ShouldEvict: func(size int, _ oldValueKey, _ []byte) bool {
				return s.bytes > c.shardQuota || (shardEntries > 0 && size > shardEntries)
			},
			OnEvicted: func(k oldValueKey, v []byte) {
				s.bytes -= entrySize(k, v)
				metrics.OldValueCacheEvictions.Inc()
				metrics.OldValueCacheBytes.Sub(float64(entrySize(k, v)))
			},
		})
	}
	return c
}

func entrySize(k oldValueKey, v []byte) int64 {
	return int64(len(k.key)+len(v)) + oldValueEntryOverhead
}

func (c *OldValueCache) shard(key []byte) *oldValueShard {
	return &c.shards[xxhash.Sum64(key)%oldValueCacheShards]
}

// GetOrLoad returns the value key had before the transaction starting at
// startTs, nil if it did not exist. On a miss the value is read from the
// engine, retrying transient failures, and inserted.
func (c *OldValueCache) GetOrLoad(
	ctx context.Context, key []byte, startTs hlc.Timestamp,
) ([]byte, error) {
	s := c.shard(key)
	k := oldValueKey{key: string(key), startTs: startTs}
	s.Lock()
	v, ok := s.cache.Get(k)
	s.Unlock()
	if ok {
		c.metrics.OldValueCacheHits.Inc()
		return v, nil
	}
	c.metrics.OldValueCacheMisses.Inc()

	var err error
	for r := retry.StartWithCtx(ctx, c.retryOpts); r.Next(); {
		if v, err = storage.MVCCGetOldValue(c.reader, key, startTs); err == nil {
			break
		}
		log.VEventf(ctx, 2, "reading old value of %q at %s: %v", key, startTs, err)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading old value of %q", key)
	}
	c.insert(s, k, v)
	return v, nil
}

func (c *OldValueCache) insert(s *oldValueShard, k oldValueKey, v []byte) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.cache.Get(k); ok {
		return
	}
	size := entrySize(k, v)
	s.bytes += size
	c.metrics.OldValueCacheBytes.Add(float64(size))
	s.cache.Add(k, v)
	c.updates.Add(1)
}

// UpdateCount returns the number of values inserted since the cache was
// made.
func (c *OldValueCache) UpdateCount() int64 {
	return c.updates.Load()
}

// Len returns the number of cached values.
func (c *OldValueCache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.Lock()
		n += s.cache.Len()
		s.Unlock()
	}
	return n
}

// Clear drops every cached value. It is called once no delegate needs old
// values anymore.
func (c *OldValueCache) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.Lock()
		s.cache.Clear()
		c.metrics.OldValueCacheBytes.Sub(float64(s.bytes))
		s.bytes = 0
		s.Unlock()
	}
}
