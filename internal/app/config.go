package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config defines how the relay server runs. Everything is env-driven with
// working defaults so a bare `chatrelay-server` starts locally.
type Config struct {
	Addr      string `env:"CHATRELAY_ADDR" envDefault:":8080"`
	DBPath    string `env:"CHATRELAY_DB_PATH"`
	UploadDir string `env:"CHATRELAY_UPLOAD_DIR" envDefault:"data/upload"`

	MaxChunkSize    int64 `env:"CHATRELAY_MAX_CHUNK_SIZE" envDefault:"8388608"`
	HistoryCap      int64 `env:"CHATRELAY_HISTORY_CAP" envDefault:"10"`
	HistoryPageSize int   `env:"CHATRELAY_HISTORY_PAGE" envDefault:"50"`

	HistoryMaxAge        time.Duration `env:"CHATRELAY_HISTORY_MAX_AGE" envDefault:"720h"`
	RetentionSweepEvery  time.Duration `env:"CHATRELAY_RETENTION_SWEEP" envDefault:"24h"`
	UploadSessionTTL     time.Duration `env:"CHATRELAY_UPLOAD_TTL" envDefault:"1h"`
	UploadSweepEvery     time.Duration `env:"CHATRELAY_UPLOAD_SWEEP" envDefault:"1h"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	return cfg, nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CHATRELAY_DATA_DIR"); env != "" {
		return filepath.Join(env, "chatrelay.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatrelay", "chatrelay.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Chatrelay", "chatrelay.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Chatrelay", "chatrelay.db")
		}
		return filepath.Join(home, ".local", "share", "chatrelay", "chatrelay.db")
	}
	return filepath.Join(".", ".chatrelay", "chatrelay.db")
}
