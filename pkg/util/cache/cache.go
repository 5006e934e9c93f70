// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package cache provides an in-memory cache with pluggable eviction.
package cache

import "container/list"

// EvictionPolicy is the cache eviction policy.
type EvictionPolicy int

// Constants describing LRU and FIFO cache eviction policies respectively.
const (
	CacheLRU  EvictionPolicy = iota // Least recently used
	CacheFIFO                       // First in, first out
)

// TypedConfig specifies the eviction policy, eviction trigger callback and
// eviction listener callback.
type TypedConfig[K comparable, V any] struct {
	// Policy is one of the consts listed for EvictionPolicy.
	Policy EvictionPolicy

	// ShouldEvict is a callback function executed each time a new entry is
	// added to the cache. It supplies cache size, and the oldest entry's key
	// and value. If the function returns true, the oldest entry is evicted.
	ShouldEvict func(size int, key K, value V) bool

	// OnEvicted optionally specifies a callback function to be executed when
	// an entry is purged from the cache by the eviction policy.
	OnEvicted func(key K, value V)
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// UnorderedCache is a cache which supports custom eviction triggers and two
// eviction policies: LRU and FIFO. It is not safe for concurrent use.
type UnorderedCache[K comparable, V any] struct {
	TypedConfig[K, V]
	ll    *list.List
	items map[K]*list.Element
}

// NewTypedUnorderedCache creates a new cache from the config.
func NewTypedUnorderedCache[K comparable, V any](config TypedConfig[K, V]) *UnorderedCache[K, V] {
	return &UnorderedCache[K, V]{
		TypedConfig: config,
		ll:          list.New(),
		items:       make(map[K]*list.Element),
	}
}

// Add adds a value to the cache, replacing any existing value for key.
func (c *UnorderedCache[K, V]) Add(key K, value V) {
	if e, ok := c.items[key]; ok {
		e.Value.(*entry[K, V]).value = value
		if c.Policy == CacheLRU {
			c.ll.MoveToFront(e)
		}
	} else {
		c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value})
	}
	for c.ll.Len() > 0 {
		oldest := c.ll.Back().Value.(*entry[K, V])
		if c.ShouldEvict == nil || !c.ShouldEvict(c.ll.Len(), oldest.key, oldest.value) {
			break
		}
		c.removeElement(c.ll.Back(), true)
	}
}

// Get looks up a key's value from the cache. Under the LRU policy the entry
// becomes the most recently used.
func (c *UnorderedCache[K, V]) Get(key K) (value V, ok bool) {
	e, hit := c.items[key]
	if !hit {
		return value, false
	}
	if c.Policy == CacheLRU {
		c.ll.MoveToFront(e)
	}
	return e.Value.(*entry[K, V]).value, true
}

// Del removes the provided key from the cache. OnEvicted is not called.
func (c *UnorderedCache[K, V]) Del(key K) {
	if e, ok := c.items[key]; ok {
		c.removeElement(e, false)
	}
}

// Clear removes all entries. OnEvicted is not called.
func (c *UnorderedCache[K, V]) Clear() {
	c.ll.Init()
	clear(c.items)
}

// Len returns the number of items in the cache.
func (c *UnorderedCache[K, V]) Len() int {
	return c.ll.Len()
}

func (c *UnorderedCache[K, V]) removeElement(e *list.Element, evicted bool) {
	c.ll.Remove(e)
	ent := e.Value.(*entry[K, V])
	delete(c.items, ent.key)
	if evicted && c.OnEvicted != nil {
		c.OnEvicted(ent.key, ent.value)
	}
}
