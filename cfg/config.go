package cfg

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// StoreType selects the collaborator backing sequences, the event log and
// checkpoint lists
type StoreType string

const (
	StorePebble StoreType = "pebble" // Durable pebble database under DataDir
	StoreMemory StoreType = "memory" // Process-local, lost on restart
)

// LockConfiguration controls the lock manager
type LockConfiguration struct {
	BucketCount          int  `toml:"bucket_count"`
	MutexCount           int  `toml:"mutex_count"` // 1 disables split mutexes
	DeadlockDetection    bool `toml:"deadlock_detection"`
	MaxDeadlockDepth     int  `toml:"max_deadlock_depth"`
	MaxDeadlockRequests  int  `toml:"max_deadlock_requests"` // Requests examined per search
	HeadPoolHighWater    int  `toml:"head_pool_high_water"`
	RequestPoolHighWater int  `toml:"request_pool_high_water"`
	EscalationThreshold  int  `toml:"escalation_threshold"` // Row locks per table, 0 disables
	DefaultTimeoutMS     int  `toml:"default_timeout_ms"`   // -1 waits forever
}

// TxnBufferConfiguration controls the statement registry
type TxnBufferConfiguration struct {
	ShardCount int  `toml:"shard_count"`
	VisibleAll bool `toml:"visible_all"` // Start in visible-to-all mode
}

// GlobalStateConfiguration controls read-level bookkeeping
type GlobalStateConfiguration struct {
	MergeWriteThreshold uint64 `toml:"merge_write_threshold"` // Credit that triggers read-level release
	Replication         bool   `toml:"replication"`           // Track sync transactions
}

// StoreConfiguration controls the collaborator store
type StoreConfiguration struct {
	Type             StoreType `toml:"type"`
	CacheSizeMB      int       `toml:"cache_size_mb"`
	MemTableSizeMB   int       `toml:"mem_table_size_mb"`
	SeqBandwidth     uint64    `toml:"seq_bandwidth"`     // Sequence values leased per persist
	CompressionLevel int       `toml:"compression_level"` // 0 raw, 1 fastest to 4 best
	RestoreCacheSize int       `toml:"restore_cache_size"`
}

// MergeConfiguration controls the background merge pass
type MergeConfiguration struct {
	IntervalMS          int `toml:"interval_ms"`
	CheckpointIntervalS int `toml:"checkpoint_interval_s"` // 0 disables periodic checkpoints
}

// AdminConfiguration for the HTTP admin surface
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	// Secret, when set, is required as X-Txcore-Secret or a bearer token.
	Secret string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	DataDir string `toml:"data_dir"`

	Lock        LockConfiguration        `toml:"lock"`
	TxnBuffer   TxnBufferConfiguration   `toml:"txn_buffer"`
	GlobalState GlobalStateConfiguration `toml:"global_state"`
	Store       StoreConfiguration       `toml:"store"`
	Merge       MergeConfiguration       `toml:"merge"`
	Admin       AdminConfiguration       `toml:"admin"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a fresh configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		DataDir: "./txcore-data",

		Lock: LockConfiguration{
			BucketCount:          4096,
			MutexCount:           16,
			DeadlockDetection:    true, // Forces a single mutex
			MaxDeadlockDepth:     32,
			MaxDeadlockRequests:  4096,
			HeadPoolHighWater:    1024,
			RequestPoolHighWater: 4096,
			EscalationThreshold:  5000,
			DefaultTimeoutMS:     10000,
		},

		TxnBuffer: TxnBufferConfiguration{
			ShardCount: 64,
			VisibleAll: false,
		},

		GlobalState: GlobalStateConfiguration{
			MergeWriteThreshold: 10000,
			Replication:         false,
		},

		Store: StoreConfiguration{
			Type:             StorePebble,
			CacheSizeMB:      64,
			MemTableSizeMB:   32,
			SeqBandwidth:     1000,
			CompressionLevel: 3,
			RestoreCacheSize: 16,
		},

		Merge: MergeConfiguration{
			IntervalMS:          1000,
			CheckpointIntervalS: 60,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8090,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.Store.Type == StorePebble {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	l := Config.Lock
	if l.BucketCount < 1 {
		return fmt.Errorf("lock bucket count must be >= 1")
	}
	if l.MutexCount < 1 {
		return fmt.Errorf("lock mutex count must be >= 1")
	}
	if l.DeadlockDetection && l.MutexCount > 1 {
		log.Warn().
			Int("mutex_count", l.MutexCount).
			Msg("Deadlock detection enabled, lock table will use a single mutex")
	}
	if l.MaxDeadlockDepth < 1 {
		return fmt.Errorf("max deadlock depth must be >= 1")
	}
	if l.MaxDeadlockRequests < 1 {
		return fmt.Errorf("max deadlock requests must be >= 1")
	}
	if l.HeadPoolHighWater < 0 || l.RequestPoolHighWater < 0 {
		return fmt.Errorf("lock pool high-water marks must be >= 0")
	}
	if l.EscalationThreshold < 0 {
		return fmt.Errorf("escalation threshold must be >= 0")
	}
	if l.DefaultTimeoutMS < -1 {
		return fmt.Errorf("invalid default lock timeout: %d", l.DefaultTimeoutMS)
	}

	if Config.TxnBuffer.ShardCount < 1 {
		return fmt.Errorf("transaction buffer shard count must be >= 1")
	}

	switch Config.Store.Type {
	case StorePebble:
		if Config.DataDir == "" {
			return fmt.Errorf("data directory required for pebble store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid store type: %s", Config.Store.Type)
	}
	if Config.Store.SeqBandwidth < 1 {
		return fmt.Errorf("sequence bandwidth must be >= 1")
	}
	if Config.Store.CompressionLevel < 0 || Config.Store.CompressionLevel > 4 {
		return fmt.Errorf("invalid compression level: %d", Config.Store.CompressionLevel)
	}
	if Config.Store.RestoreCacheSize < 1 {
		return fmt.Errorf("restore cache size must be >= 1")
	}

	if Config.Merge.IntervalMS < 1 {
		return fmt.Errorf("merge interval must be >= 1ms")
	}
	if Config.Merge.CheckpointIntervalS < 0 {
		return fmt.Errorf("checkpoint interval must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", Config.Logging.Format)
	}

	return nil
}

// StorePath returns the directory of the pebble store
func StorePath() string {
	return Config.StorePath()
}

func (c *Configuration) StorePath() string {
	return path.Join(c.DataDir, "txstate")
}
