package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
	DriverMySQL   = "mysql"
)

const envPrefix = "DLI_"

var ErrInvalid = errors.New("invalid config")

// Duration reads "5s" style values from TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Listen           string   `toml:"listen"`
	MetadataDir      string   `toml:"metadata_dir"`
	StoreDriver      string   `toml:"store_driver"`
	StorePath        string   `toml:"store_path"`
	StoreDSN         string   `toml:"store_dsn"`
	LockTimeout      Duration `toml:"lock_timeout"`
	SessionIdle      Duration `toml:"session_idle"` // 0 - sessions never expire
	CatalogCacheSize int64    `toml:"catalog_cache_size"`
	LogDev           bool     `toml:"log_dev"`
	LogLevel         string   `toml:"log_level"`
}

func defaults() Config {
	return Config{
		Listen:           "127.0.0.1:3200",
		MetadataDir:      "metadata",
		StoreDriver:      DriverMemory,
		StorePath:        "db/segments",
		LockTimeout:      Duration{5 * time.Second},
		SessionIdle:      Duration{30 * time.Minute},
		CatalogCacheSize: 64,
		LogDev:           true,
		LogLevel:         "info",
	}
}

// NewConfig reads the process flags and environment
func NewConfig() (*Config, error) {
	return Parse(os.Args[1:], os.Getenv)
}

// Parse builds a Config. Precedence: defaults < TOML file < DLI_* env < flags.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	const msg = "config.Parse:"

	c := defaults()
	var set Config
	fs := flag.NewFlagSet("dlistash", flag.ContinueOnError)
	file := fs.String("config", "", "TOML config file")
	fs.StringVar(&set.Listen, "listen", c.Listen, "gRPC listen address")
	fs.StringVar(&set.MetadataDir, "metadata", c.MetadataDir, "directory of *.layout.yaml, *.dbd.yaml, *.psb.yaml")
	fs.StringVar(&set.StoreDriver, "store", c.StoreDriver, "segment store: memory, leveldb or mysql")
	fs.StringVar(&set.StorePath, "store-path", c.StorePath, "leveldb directory")
	fs.StringVar(&set.StoreDSN, "store-dsn", c.StoreDSN, "mysql DSN")
	fs.DurationVar(&set.LockTimeout.Duration, "lock-timeout", c.LockTimeout.Duration, "storage lock wait")
	fs.DurationVar(&set.SessionIdle.Duration, "session-idle", c.SessionIdle.Duration, "close sessions idle this long, 0 - never")
	fs.Int64Var(&set.CatalogCacheSize, "catalog-cache", c.CatalogCacheSize, "resolved PSB cache size")
	fs.BoolVar(&set.LogDev, "log-dev", c.LogDev, "development logger")
	fs.StringVar(&set.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}

	if *file == "" {
		*file = getenv(envPrefix + "CONFIG")
	}
	if *file != "" {
		md, err := toml.DecodeFile(*file, &c)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", msg, *file, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("%s %w: %s: unknown keys %v", msg, ErrInvalid, *file, keys)
		}
	}

	if err := c.applyEnv(getenv); err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			c.Listen = set.Listen
		case "metadata":
			c.MetadataDir = set.MetadataDir
		case "store":
			c.StoreDriver = set.StoreDriver
		case "store-path":
			c.StorePath = set.StorePath
		case "store-dsn":
			c.StoreDSN = set.StoreDSN
		case "lock-timeout":
			c.LockTimeout = set.LockTimeout
		case "session-idle":
			c.SessionIdle = set.SessionIdle
		case "catalog-cache":
			c.CatalogCacheSize = set.CatalogCacheSize
		case "log-dev":
			c.LogDev = set.LogDev
		case "log-level":
			c.LogLevel = set.LogLevel
		}
	})

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s %w", msg, err)
	}
	return &c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("METADATA_DIR", &c.MetadataDir)
	str("STORE_DRIVER", &c.StoreDriver)
	str("STORE_PATH", &c.StorePath)
	str("STORE_DSN", &c.StoreDSN)
	str("LOG_LEVEL", &c.LogLevel)

	for key, dst := range map[string]*time.Duration{
		"LOCK_TIMEOUT": &c.LockTimeout.Duration,
		"SESSION_IDLE": &c.SessionIdle.Duration,
	} {
		if v := getenv(envPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalid, envPrefix, key, err)
			}
			*dst = d
		}
	}
	if v := getenv(envPrefix + "CATALOG_CACHE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %sCATALOG_CACHE_SIZE: %v", ErrInvalid, envPrefix, err)
		}
		c.CatalogCacheSize = n
	}
	if v := getenv(envPrefix + "LOG_DEV"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sLOG_DEV: %v", ErrInvalid, envPrefix, err)
		}
		c.LogDev = b
	}
	return nil
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(c.StoreDriver)
	switch c.StoreDriver {
	case DriverMemory:
	case DriverLevelDB:
		if c.StorePath == "" {
			return fmt.Errorf("%w: leveldb needs store_path", ErrInvalid)
		}
	case DriverMySQL:
		if c.StoreDSN == "" {
			return fmt.Errorf("%w: mysql needs store_dsn", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: store_driver %q", ErrInvalid, c.StoreDriver)
	}
	if c.Listen == "" {
		return fmt.Errorf("%w: empty listen address", ErrInvalid)
	}
	if c.LockTimeout.Duration <= 0 {
		return fmt.Errorf("%w: lock_timeout must be positive", ErrInvalid)
	}
	if c.SessionIdle.Duration < 0 {
		return fmt.Errorf("%w: negative session_idle", ErrInvalid)
	}
	if c.CatalogCacheSize <= 0 {
		return fmt.Errorf("%w: catalog_cache_size must be positive", ErrInvalid)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}
