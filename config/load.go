package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Load overlays an optional YAML/JSON file on top of the environment and
// defaults. Precedence, highest first: file values explicitly set,
// NEBULA_* environment variables, defaults. configPath == "" skips the
// file layer entirely and is equivalent to LoadEnv.
//
// This is a thin convenience for embedding programs that already keep a
// config file around for their own settings; it does not parse command
// line flags and does not know about a "config" subcommand — building
// that CLI surface is explicitly the embedding program's job, not this
// package's.
func Load(configPath string) (*Config, error) {
	base := LoadEnv()
	if configPath == "" {
		return base, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	bindDefaults(v, base)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return base, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
	}

	cfg := *base
	cfg.StorageDirectory = v.GetString("storage_directory")
	cfg.ChannelCount = v.GetInt("channel_count")
	cfg.DataFileMinimumSize = v.GetInt64("data_file_minimum_size")
	cfg.DataFileMaximumSize = v.GetInt64("data_file_maximum_size")
	cfg.RetirementThreshold = v.GetFloat64("retirement_threshold")
	cfg.EntityCacheThreshold = v.GetInt64("entity_cache_threshold")
	cfg.EntityCacheTimeoutMs = v.GetInt64("entity_cache_timeout_ms")
	cfg.HousekeepingIntervalMs = v.GetInt64("housekeeping_interval_ms")
	cfg.HousekeepingTimeBudgetNs = v.GetInt64("housekeeping_time_budget_ns")
	cfg.HousekeepingOnStartup = v.GetBool("housekeeping_on_startup")
	cfg.ValidateOnStartup = v.GetBool("validate_on_startup")
	cfg.BackupDirectory = v.GetString("backup_directory")
	cfg.UseBlobFS = v.GetBool("use_blob_fs")
	cfg.BlobFSType = v.GetString("blob_fs_type")
	cfg.BlobFSConnection = v.GetString("blob_fs_connection")
	cfg.BlobFSUseCache = v.GetBool("blob_fs_use_cache")
	cfg.MetricsEnabled = v.GetBool("metrics_enabled")
	cfg.LogLevel = v.GetString("log_level")
	cfg.LogHuman = v.GetBool("log_human")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindDefaults seeds viper with the env/default-derived values so keys
// absent from the config file still resolve instead of zeroing out.
func bindDefaults(v *viper.Viper, base *Config) {
	v.SetDefault("storage_directory", base.StorageDirectory)
	v.SetDefault("channel_count", base.ChannelCount)
	v.SetDefault("data_file_minimum_size", base.DataFileMinimumSize)
	v.SetDefault("data_file_maximum_size", base.DataFileMaximumSize)
	v.SetDefault("retirement_threshold", base.RetirementThreshold)
	v.SetDefault("entity_cache_threshold", base.EntityCacheThreshold)
	v.SetDefault("entity_cache_timeout_ms", base.EntityCacheTimeoutMs)
	v.SetDefault("housekeeping_interval_ms", base.HousekeepingIntervalMs)
	v.SetDefault("housekeeping_time_budget_ns", base.HousekeepingTimeBudgetNs)
	v.SetDefault("housekeeping_on_startup", base.HousekeepingOnStartup)
	v.SetDefault("validate_on_startup", base.ValidateOnStartup)
	v.SetDefault("backup_directory", base.BackupDirectory)
	v.SetDefault("use_blob_fs", base.UseBlobFS)
	v.SetDefault("blob_fs_type", base.BlobFSType)
	v.SetDefault("blob_fs_connection", base.BlobFSConnection)
	v.SetDefault("blob_fs_use_cache", base.BlobFSUseCache)
	v.SetDefault("metrics_enabled", base.MetricsEnabled)
	v.SetDefault("log_level", base.LogLevel)
	v.SetDefault("log_human", base.LogHuman)
}
