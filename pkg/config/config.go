// Package config holds the tunables a store opens with: the persistent
// Options baked into a database's first open and the ambient LoggerConfig
// used to wire log/slog, both with yaml tags. This package does no
// loading itself; cmd/lsmdb reads them from a YAML file.
package config

import (
	"lsmkv/pkg/compress"
)

// Options configures how a database is opened and how its tables are
// built, mirroring spec.md §6's recognized option set.
type Options struct {
	CreateIfMissing      bool          `yaml:"create_if_missing"`
	ErrorIfExists        bool          `yaml:"error_if_exists"`
	ParanoidChecks       bool          `yaml:"paranoid_checks"`
	WriteBufferSize      int           `yaml:"write_buffer_size" validate:"min=0"`
	MaxOpenFiles         int           `yaml:"max_open_files" validate:"min=1"`
	BlockSize            int           `yaml:"block_size" validate:"min=1"`
	BlockRestartInterval int           `yaml:"block_restart_interval" validate:"min=1"`
	MaxFileSize          int           `yaml:"max_file_size" validate:"min=1"`
	Compression          compress.Type `yaml:"compression"`
	ReuseLogs            bool          `yaml:"reuse_logs"`
	BlockCacheCapacity   int           `yaml:"block_cache_capacity" validate:"min=0"`
	FilterBitsPerKey     int           `yaml:"filter_bits_per_key" validate:"min=0"`
}

// ReadOptions configures a single read (Get or iterator creation).
type ReadOptions struct {
	VerifyChecksums bool
	FillCache       bool
	// Snapshot pins the read to a sequence number captured earlier.
	// A nil Snapshot reads at the database's latest sequence.
	Snapshot Snapshot
}

// WriteOptions configures a single write (Put, Delete, or Write).
type WriteOptions struct {
	Sync bool
}

// Snapshot identifies a previously-captured read point by its sequence
// number. The concrete type lives in pkg/db (snapshot.go); this
// interface lets config stay free of an import cycle.
type Snapshot interface {
	SequenceNumber() uint64
}

// LoggerConfig configures the slog handler every package logs through.
type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Config is the root configuration document: logger plus database
// Options, loaded from YAML via github.com/goccy/go-yaml.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	DB     Options      `yaml:"db" validate:"required"`
}

// Default returns a baseline configuration matching spec.md §6's
// recognized defaults.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		DB: Options{
			CreateIfMissing:      true,
			WriteBufferSize:      4 << 20,
			MaxOpenFiles:         1000,
			BlockSize:            4096,
			BlockRestartInterval: 16,
			MaxFileSize:          2 << 20,
			Compression:          compress.TypeNone,
			BlockCacheCapacity:   8 << 20,
			FilterBitsPerKey:     10,
		},
	}
}
