package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/creasty/defaults"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Config holds all engine settings. Values are resolved in three layers:
// struct defaults, then the YAML file pointed to by CONFIG_FILE, then
// environment variables. Environment variables win.
type Config struct {
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count" default:"5"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay" default:"2s"`
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout" default:"5s"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries" default:"3"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseFilePath          string        `koanf:"database_file_path"`

	// CacheDir is where downloaded format files and in-flight temp files live.
	CacheDir string `koanf:"cache_dir" default:"./cache"`

	// DeviceID identifies this install in per-device reading positions.
	// DeviceName is the human-readable label other devices see.
	DeviceID   string `koanf:"device_id"`
	DeviceName string `koanf:"device_name"`

	// FetchConcurrency bounds concurrent per-book metadata fetches during a
	// library sync. Small self-hosted servers often limit concurrent
	// connections, so the default is fully serialized.
	FetchConcurrency int `koanf:"fetch_concurrency" default:"1"`

	// RequestsPerSecond paces all requests to a single server.
	RequestsPerSecond float64 `koanf:"requests_per_second" default:"4"`

	HTTPTimeout time.Duration `koanf:"http_timeout" default:"60s"`

	// AutoSyncIntervalMinutes is how often libraries flagged auto-update are
	// re-synced. Zero disables the background loop.
	AutoSyncIntervalMinutes int `koanf:"auto_sync_interval_minutes" default:"60"`
}

const configFileENV = "CONFIG_FILE"

func New() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")

	configFile := os.Getenv(configFileENV)
	if configFile == "" {
		configFile = "./folio.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", configFile)
		}
	}

	// Environment variables override file values. FOO_BAR maps to foo_bar.
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	if cfg.DatabaseFilePath == "" {
		return nil, errors.Errorf(
			"missing required config: set DATABASE_FILE_PATH or %s in the config file",
			toSnakeCase("DatabaseFilePath"),
		)
	}
	if cfg.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		cfg.DeviceID = hostname
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = cfg.DeviceID
	}
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 1
	}

	return cfg, nil
}

// NewForTest returns a config suitable for unit tests: in-memory database and
// a throwaway cache directory under the system temp dir.
func NewForTest() *Config {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	cfg.DatabaseFilePath = ":memory:"
	cfg.CacheDir = fmt.Sprintf("%s/folio-test-%d", os.TempDir(), os.Getpid())
	cfg.DeviceID = "test-device"
	cfg.DeviceName = "Test Device"
	return cfg
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
