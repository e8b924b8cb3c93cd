// Package config provides centralized configuration for the storage
// engine.
//
// All values have sensible defaults and can be overridden through
// environment variables or, via Load, an optional YAML/JSON file layered
// on top of the environment with github.com/spf13/viper. There is no
// command-line flag parsing here and no main package in this module —
// embedding programs own their own CLI surface; this package only owns
// the options table the engine itself needs at Open time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every option the store recognizes at Open time.
type Config struct {
	// Storage Directory Layout
	// ========================

	// StorageDirectory is the root of the on-disk layout: root.bin,
	// types.dict, and one channel_NNN/ directory per channel.
	// Environment: NEBULA_STORAGE_DIR
	// Default: "./data"
	StorageDirectory string

	// ChannelCount is fixed at store creation and immutable thereafter.
	// Opening an existing store does not compare it against the channel
	// directories already on disk, so a different count is not detected.
	// Environment: NEBULA_CHANNEL_COUNT
	// Default: 8
	ChannelCount int

	// Data File Bounds
	// ================

	// DataFileMinimumSize is the lower data file bound. Validate requires
	// DataFileMaximumSize to exceed it; housekeeping does not consult it
	// when choosing a file to retire.
	// Environment: NEBULA_DATA_FILE_MIN_SIZE (bytes)
	// Default: 64 KiB
	DataFileMinimumSize int64

	// DataFileMaximumSize triggers rollover: an append that would push
	// a channel's current file past this size creates the next file
	// instead.
	// Environment: NEBULA_DATA_FILE_MAX_SIZE (bytes)
	// Default: 64 MiB
	DataFileMaximumSize int64

	// RetirementThreshold is the liveBytes/logicalSize ratio below
	// which a non-current file becomes eligible for consolidation.
	// Environment: NEBULA_RETIREMENT_THRESHOLD
	// Default: 0.5
	RetirementThreshold float64

	// Entity Cache
	// ============

	// EntityCacheThreshold is the per-channel cache byte budget; a
	// sweep evicts down to EntityCacheThreshold*0.8 once exceeded.
	// Environment: NEBULA_CACHE_THRESHOLD (bytes)
	// Default: 32 MiB
	EntityCacheThreshold int64

	// EntityCacheTimeoutMs is the max age before an unused cache entry
	// is eligible for eviction during a sweep.
	// Environment: NEBULA_CACHE_TIMEOUT_MS
	// Default: 60000 (1 minute)
	EntityCacheTimeoutMs int64

	// Housekeeping
	// ============

	// HousekeepingIntervalMs is the period between housekeeping ticks.
	// Environment: NEBULA_HOUSEKEEPING_INTERVAL_MS
	// Default: 1000
	HousekeepingIntervalMs int64

	// HousekeepingTimeBudgetNs bounds the work a single tick may do
	// before yielding; a phase exceeding it resumes next tick.
	// Environment: NEBULA_HOUSEKEEPING_BUDGET_NS
	// Default: 50,000,000 (50ms)
	HousekeepingTimeBudgetNs int64

	// HousekeepingOnStartup runs one full (unbounded) tick before the
	// store starts serving requests.
	// Environment: NEBULA_HOUSEKEEPING_ON_STARTUP
	// Default: false
	HousekeepingOnStartup bool

	// Recovery
	// ========

	// ValidateOnStartup rescans every data file to rebuild the entity
	// index from scratch instead of trusting a persisted snapshot.
	// Environment: NEBULA_VALIDATE_ON_STARTUP
	// Default: false
	ValidateOnStartup bool

	// BackupDirectory names a location for backup copies. It is loaded
	// and carried in Config, but the store does not read it: commits are
	// not mirrored there.
	// Environment: NEBULA_BACKUP_DIR
	// Default: ""
	BackupDirectory string

	// Blob File System Backend
	// ========================

	// UseBlobFS selects a pluggable BFS backend instead of the default
	// local-filesystem one.
	// Environment: NEBULA_USE_BLOBFS
	// Default: false
	UseBlobFS bool

	// BlobFSType names the backend: "localfs", "s3blob", "kvblob", or
	// "logblob". Ignored when UseBlobFS is false.
	// Environment: NEBULA_BLOBFS_TYPE
	// Default: "localfs"
	BlobFSType string

	// BlobFSConnection is the backend-specific connection string (S3
	// bucket/region, badger directory, log-broker data directory).
	// Environment: NEBULA_BLOBFS_CONNECTION
	// Default: ""
	BlobFSConnection string

	// BlobFSUseCache is loaded and carried in Config, but store.Open does
	// not read it: the selected backend is used without a blob read
	// cache (the entity cache is unaffected).
	// Environment: NEBULA_BLOBFS_USE_CACHE
	// Default: true
	BlobFSUseCache bool

	// Metrics
	// =======

	// MetricsEnabled registers the core's counters with a prometheus
	// registry; exporting/scraping that registry is the embedding
	// program's concern, not this engine's.
	// Environment: NEBULA_METRICS_ENABLED
	// Default: true
	MetricsEnabled bool

	// Logging
	// =======

	// LogLevel names the minimum log level: trace, debug, info, warn,
	// error. store.Open does not apply it; logger.SetLevel does.
	// Environment: NEBULA_LOG_LEVEL
	// Default: "info"
	LogLevel string

	// LogHuman selects a human-readable console writer instead of JSON
	// output; useful in development, noisier in production. store.Open
	// does not apply it; logger.Configure does.
	// Environment: NEBULA_LOG_HUMAN
	// Default: false
	LogHuman bool
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		StorageDirectory:         "./data",
		ChannelCount:             8,
		DataFileMinimumSize:      64 * 1024,
		DataFileMaximumSize:      64 * 1024 * 1024,
		RetirementThreshold:      0.5,
		EntityCacheThreshold:     32 * 1024 * 1024,
		EntityCacheTimeoutMs:     int64(time.Minute / time.Millisecond),
		HousekeepingIntervalMs:   1000,
		HousekeepingTimeBudgetNs: 50_000_000,
		HousekeepingOnStartup:    false,
		ValidateOnStartup:        false,
		BackupDirectory:          "",
		UseBlobFS:                false,
		BlobFSType:               "localfs",
		BlobFSConnection:         "",
		BlobFSUseCache:           true,
		MetricsEnabled:           true,
		LogLevel:                 "info",
		LogHuman:                 false,
	}
}

// LoadEnv overlays environment variables (NEBULA_*) onto the defaults.
// This is the lowest-priority tier; Load layers an optional file on top
// of this.
func LoadEnv() *Config {
	c := Default()
	if v := os.Getenv("NEBULA_STORAGE_DIR"); v != "" {
		c.StorageDirectory = v
	}
	if v, ok := envInt("NEBULA_CHANNEL_COUNT"); ok {
		c.ChannelCount = v
	}
	if v, ok := envInt64("NEBULA_DATA_FILE_MIN_SIZE"); ok {
		c.DataFileMinimumSize = v
	}
	if v, ok := envInt64("NEBULA_DATA_FILE_MAX_SIZE"); ok {
		c.DataFileMaximumSize = v
	}
	if v, ok := envFloat("NEBULA_RETIREMENT_THRESHOLD"); ok {
		c.RetirementThreshold = v
	}
	if v, ok := envInt64("NEBULA_CACHE_THRESHOLD"); ok {
		c.EntityCacheThreshold = v
	}
	if v, ok := envInt64("NEBULA_CACHE_TIMEOUT_MS"); ok {
		c.EntityCacheTimeoutMs = v
	}
	if v, ok := envInt64("NEBULA_HOUSEKEEPING_INTERVAL_MS"); ok {
		c.HousekeepingIntervalMs = v
	}
	if v, ok := envInt64("NEBULA_HOUSEKEEPING_BUDGET_NS"); ok {
		c.HousekeepingTimeBudgetNs = v
	}
	if v, ok := envBool("NEBULA_HOUSEKEEPING_ON_STARTUP"); ok {
		c.HousekeepingOnStartup = v
	}
	if v, ok := envBool("NEBULA_VALIDATE_ON_STARTUP"); ok {
		c.ValidateOnStartup = v
	}
	if v := os.Getenv("NEBULA_BACKUP_DIR"); v != "" {
		c.BackupDirectory = v
	}
	if v, ok := envBool("NEBULA_USE_BLOBFS"); ok {
		c.UseBlobFS = v
	}
	if v := os.Getenv("NEBULA_BLOBFS_TYPE"); v != "" {
		c.BlobFSType = v
	}
	if v := os.Getenv("NEBULA_BLOBFS_CONNECTION"); v != "" {
		c.BlobFSConnection = v
	}
	if v, ok := envBool("NEBULA_BLOBFS_USE_CACHE"); ok {
		c.BlobFSUseCache = v
	}
	if v, ok := envBool("NEBULA_METRICS_ENABLED"); ok {
		c.MetricsEnabled = v
	}
	if v := os.Getenv("NEBULA_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := envBool("NEBULA_LOG_HUMAN"); ok {
		c.LogHuman = v
	}
	return c
}

// Validate checks internal consistency; it does not check the on-disk
// layout (nothing compares ChannelCount against the channel
// directories actually present).
func (c *Config) Validate() error {
	if c.ChannelCount <= 0 {
		return fmt.Errorf("config: ChannelCount must be positive, got %d", c.ChannelCount)
	}
	if c.DataFileMaximumSize <= c.DataFileMinimumSize {
		return fmt.Errorf("config: DataFileMaximumSize (%d) must exceed DataFileMinimumSize (%d)",
			c.DataFileMaximumSize, c.DataFileMinimumSize)
	}
	if c.RetirementThreshold <= 0 || c.RetirementThreshold >= 1 {
		return fmt.Errorf("config: RetirementThreshold must be in (0,1), got %v", c.RetirementThreshold)
	}
	switch c.BlobFSType {
	case "localfs", "s3blob", "kvblob", "logblob":
	default:
		return fmt.Errorf("config: unknown BlobFSType %q", c.BlobFSType)
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	return n, err == nil
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}
