// Package config loads manager configuration from a TOML file plus
// environment variable overrides, and exposes a hot-reloadable
// snapshot. Warren configures itself from cobra flags alone; this
// pattern is enriched from the rest of the retrieval pack, which reaches
// for go-toml and godotenv for layered file+env configuration.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Snapshot is one immutable, fully-resolved configuration value. A new
// Snapshot replaces the old one atomically on reload; in-flight
// scheduling ticks keep using whichever Snapshot they loaded at tick
// start.
type Snapshot struct {
	TickInterval       time.Duration
	DefaultPrioritizer string
	DefaultSelector    string

	Storage StorageConfig
	Lock    LockConfig
	MQ      MQConfig
	API     APIConfig
}

type StorageConfig struct {
	Backend    string // "bolt" | "postgres"
	BoltPath   string
	PostgresDSN string
}

type LockConfig struct {
	Backend string // "filelock" | "postgres" | "redis" | "etcd" | "raft"
	Addr    string
}

type MQConfig struct {
	Backend  string // "redis" | "local"
	RedisAddr string
}

type APIConfig struct {
	ListenAddr    string
	MetricsAddr   string
}

// fileConfig is the literal TOML shape on disk; env overrides are
// applied after unmarshalling, not baked into the struct tags.
type fileConfig struct {
	TickIntervalSeconds int    `toml:"tick_interval_seconds"`
	DefaultPrioritizer  string `toml:"default_prioritizer"`
	DefaultSelector     string `toml:"default_selector"`

	Storage struct {
		Backend     string `toml:"backend"`
		BoltPath    string `toml:"bolt_path"`
		PostgresDSN string `toml:"postgres_dsn"`
	} `toml:"storage"`

	Lock struct {
		Backend string `toml:"backend"`
		Addr    string `toml:"addr"`
	} `toml:"lock"`

	MQ struct {
		Backend   string `toml:"backend"`
		RedisAddr string `toml:"redis_addr"`
	} `toml:"mq"`

	API struct {
		ListenAddr  string `toml:"listen_addr"`
		MetricsAddr string `toml:"metrics_addr"`
	} `toml:"api"`
}

func defaultFileConfig() fileConfig {
	var fc fileConfig
	fc.TickIntervalSeconds = 5
	fc.DefaultPrioritizer = "fifo"
	fc.DefaultSelector = "concentrated"
	fc.Storage.Backend = "bolt"
	fc.Storage.BoltPath = "./sokovan.db"
	fc.Lock.Backend = "filelock"
	fc.Lock.Addr = "./sokovan.lock"
	fc.MQ.Backend = "local"
	fc.API.ListenAddr = ":7070"
	fc.API.MetricsAddr = ":9090"
	return fc
}

// Load reads path (defaulting to $CONFIG or ./manager.toml), loads a
// .env file from the working directory via godotenv if present, applies
// environment overrides (STORE_DSN, LOCK_BACKEND, MQ_ADDR and the
// SOKOVAN_* variables), and returns a resolved Snapshot.
func Load(path string) (*Snapshot, error) {
	if path == "" {
		path = os.Getenv("CONFIG")
	}
	if path == "" {
		path = "./manager.toml"
	}

	_ = godotenv.Load() // best-effort; absence of .env is not an error

	fc := defaultFileConfig()
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&fc)

	return &Snapshot{
		TickInterval:       time.Duration(fc.TickIntervalSeconds) * time.Second,
		DefaultPrioritizer: fc.DefaultPrioritizer,
		DefaultSelector:    fc.DefaultSelector,
		Storage: StorageConfig{
			Backend:     fc.Storage.Backend,
			BoltPath:    fc.Storage.BoltPath,
			PostgresDSN: fc.Storage.PostgresDSN,
		},
		Lock: LockConfig{Backend: fc.Lock.Backend, Addr: fc.Lock.Addr},
		MQ:   MQConfig{Backend: fc.MQ.Backend, RedisAddr: fc.MQ.RedisAddr},
		API:  APIConfig{ListenAddr: fc.API.ListenAddr, MetricsAddr: fc.API.MetricsAddr},
	}, nil
}

func applyEnvOverrides(fc *fileConfig) {
	if v := os.Getenv("SOKOVAN_STORAGE_BACKEND"); v != "" {
		fc.Storage.Backend = v
	}
	if v := os.Getenv("SOKOVAN_POSTGRES_DSN"); v != "" {
		fc.Storage.PostgresDSN = v
	}
	if v := os.Getenv("SOKOVAN_LOCK_BACKEND"); v != "" {
		fc.Lock.Backend = v
	}
	if v := os.Getenv("SOKOVAN_MQ_REDIS_ADDR"); v != "" {
		fc.MQ.RedisAddr = v
	}
	if v := os.Getenv("SOKOVAN_API_LISTEN_ADDR"); v != "" {
		fc.API.ListenAddr = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		fc.Storage.PostgresDSN = v
	}
	if v := os.Getenv("LOCK_BACKEND"); v != "" {
		fc.Lock.Backend = v
	}
	if v := os.Getenv("MQ_ADDR"); v != "" {
		fc.MQ.RedisAddr = v
	}
}

// Store holds a hot-reloadable configuration snapshot behind an
// atomic.Pointer, so the scheduler loop and API server can pick up
// config changes without a restart.
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore wraps an initial snapshot in a reloadable Store.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Current returns the latest snapshot.
func (s *Store) Current() *Snapshot {
	return s.ptr.Load()
}

// Reload re-reads path and swaps in the new snapshot atomically.
func (s *Store) Reload(path string) error {
	next, err := Load(path)
	if err != nil {
		return err
	}
	s.ptr.Store(next)
	return nil
}
