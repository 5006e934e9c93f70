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
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"
)

// ByteSize is a size in bytes which is written in configuration files in
// human readable form, e.g. "64 MiB".
type ByteSize int64

// String implements fmt.Stringer.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// UnmarshalYAML accepts both plain integers and humanized sizes.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return errors.Wrapf(err, "invalid byte size %q", s)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

const (
	defaultMinTsInterval             = time.Second
	defaultIncrementalScanConcurrency = 6
	defaultIncrementalScanSpeedLimit = ByteSize(128 << 20)
	defaultIncrementalScanBatchSize  = 1024
	defaultIncrementalScanBatchBytes = ByteSize(1 << 20)
	defaultOldValueCacheMemoryQuota  = ByteSize(512 << 20)
	defaultSinkMemoryQuota           = ByteSize(512 << 20)
	defaultRegionWorkers             = 4
	defaultStalledRegionThreshold    = time.Minute
)

// Config configures the change feed subsystem of a node.
type Config struct {
	// MinTsInterval is the period of the resolved timestamp tick.
	MinTsInterval time.Duration `yaml:"min-ts-interval"`
	// IncrementalScanConcurrency is the number of incremental scans that may
	// read from storage at once. Further scans wait.
	IncrementalScanConcurrency int `yaml:"incremental-scan-concurrency"`
	// IncrementalScanSpeedLimit caps the bytes per second read by all
	// incremental scans of the node.
	IncrementalScanSpeedLimit ByteSize `yaml:"incremental-scan-speed-limit"`
	// IncrementalScanBatchSize is the maximum number of rows per scan batch.
	IncrementalScanBatchSize int `yaml:"incremental-scan-batch-size"`
	// IncrementalScanBatchBytes is the maximum size of a scan batch.
	IncrementalScanBatchBytes ByteSize `yaml:"incremental-scan-batch-bytes"`
	// OldValueCacheMemoryQuota bounds the memory of the old value cache.
	OldValueCacheMemoryQuota ByteSize `yaml:"old-value-cache-memory-quota"`
	// OldValueCacheEntries additionally bounds the number of cached old
	// values. Zero leaves the cache bounded by memory alone.
	OldValueCacheEntries int `yaml:"old-value-cache-entries"`
	// SinkMemoryQuota bounds the memory buffered for a single connection.
	// A connection exceeding it is closed.
	SinkMemoryQuota ByteSize `yaml:"sink-memory-quota"`
	// RegionWorkers is the number of workers processing region events.
	RegionWorkers int `yaml:"region-workers"`
	// ReloadDelegateOnMerge makes the target of a merge keep its
	// subscriptions by rescanning the merged range instead of failing them
	// with an epoch error.
	ReloadDelegateOnMerge bool `yaml:"reload-delegate-on-merge"`
	// StalledRegionThreshold is the resolved timestamp lag above which a
	// region is reported as stalled.
	StalledRegionThreshold time.Duration `yaml:"stalled-region-threshold"`
}

// SetDefaults fills in zero fields with their defaults.
func (c *Config) SetDefaults() {
	if c.MinTsInterval == 0 {
		c.MinTsInterval = defaultMinTsInterval
	}
	if c.IncrementalScanConcurrency == 0 {
		c.IncrementalScanConcurrency = defaultIncrementalScanConcurrency
	}
	if c.IncrementalScanSpeedLimit == 0 {
		c.IncrementalScanSpeedLimit = defaultIncrementalScanSpeedLimit
	}
	if c.IncrementalScanBatchSize == 0 {
		c.IncrementalScanBatchSize = defaultIncrementalScanBatchSize
	}
	if c.IncrementalScanBatchBytes == 0 {
		c.IncrementalScanBatchBytes = defaultIncrementalScanBatchBytes
	}
	if c.OldValueCacheMemoryQuota == 0 {
		c.OldValueCacheMemoryQuota = defaultOldValueCacheMemoryQuota
	}
	if c.SinkMemoryQuota == 0 {
		c.SinkMemoryQuota = defaultSinkMemoryQuota
	}
	if c.RegionWorkers == 0 {
		c.RegionWorkers = defaultRegionWorkers
	}
	if c.StalledRegionThreshold == 0 {
		c.StalledRegionThreshold = defaultStalledRegionThreshold
	}
}

// Validate returns an error if the config is unusable.
func (c *Config) Validate() error {
	switch {
	case c.MinTsInterval < 0:
		return errors.Newf("min-ts-interval must be positive, got %s", c.MinTsInterval)
	case c.IncrementalScanConcurrency < 0:
		return errors.Newf("incremental-scan-concurrency must be positive, got %d", c.IncrementalScanConcurrency)
	case c.IncrementalScanBatchSize < 0:
		return errors.Newf("incremental-scan-batch-size must be positive, got %d", c.IncrementalScanBatchSize)
	case c.IncrementalScanSpeedLimit < 0:
		return errors.Newf("incremental-scan-speed-limit must not be negative, got %d", c.IncrementalScanSpeedLimit)
	case c.OldValueCacheEntries < 0:
		return errors.Newf("old-value-cache-entries must not be negative, got %d", c.OldValueCacheEntries)
	case c.RegionWorkers < 0:
		return errors.Newf("region-workers must be positive, got %d", c.RegionWorkers)
	}
	return nil
}

// LoadConfig reads a YAML config file. Missing fields take their defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	cfg.SetDefaults()
	return cfg, cfg.Validate()
}
