// Package config loads the YAML configuration shared by the marketdata and
// feedworker binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"market-data-pipeline/internal/domain"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendFile       = "file"
	BackendPostgres   = "postgres"
	BackendClickhouse = "clickhouse"
	BackendRedis      = "redis"
)

// Config is the root configuration document.
type Config struct {
	Logging      Logging      `yaml:"logging"`
	Session      Session      `yaml:"session"`
	Storage      Storage      `yaml:"storage"`
	Ticks        Ticks        `yaml:"ticks"`
	Feed         Feed         `yaml:"feed"`
	CandleSource CandleSource `yaml:"candle_source"`
	Historical   Historical   `yaml:"historical"`
	Instruments  []Instrument `yaml:"instruments"`
	MetricsAddr  string       `yaml:"metrics_addr"`
}

// Logging selects the log format and level.
type Logging struct {
	Format string `yaml:"format"` // json or text
	Level  string `yaml:"level"`
}

// Session is the trading session in local exchange time.
type Session struct {
	Timezone string `yaml:"timezone"`
	Open     string `yaml:"open"`  // HH:MM
	Close    string `yaml:"close"` // HH:MM
}

// Storage selects the candle store backend.
type Storage struct {
	Backend       string `yaml:"backend"`
	DataDir       string `yaml:"data_dir"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
}

// Ticks selects where the Tick Snapshot lives.
type Ticks struct {
	Backend   string        `yaml:"backend"`
	Path      string        `yaml:"path"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

// Feed configures the tick source, the worker and its supervisor.
type Feed struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	Mode           string        `yaml:"mode"`
	WriteInterval  time.Duration `yaml:"write_interval"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	StaleFactor    int           `yaml:"stale_factor"`
	StartupCheck   time.Duration `yaml:"startup_check"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
	WorkerBinary   string        `yaml:"worker_binary"`
	InProcess      bool          `yaml:"in_process"`
}

// CandleSource configures the historical candle HTTP endpoint.
type CandleSource struct {
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// Historical tunes the historical manager.
type Historical struct {
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	BackfillStep time.Duration `yaml:"backfill_step"`
	MinUpdateAge time.Duration `yaml:"min_update_age"`
	// CacheFile persists cached series between runs; empty disables it.
	CacheFile    string        `yaml:"cache_file"`
}

// Instrument maps a symbol to its broker token.
type Instrument struct {
	Symbol   string `yaml:"symbol"`
	Token    string `yaml:"token"`
	Exchange string `yaml:"exchange"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: Logging{Format: "text", Level: "info"},
		Session: Session{
			Timezone: domain.DefaultSessionTimezone,
			Open:     domain.DefaultSessionOpen,
			Close:    domain.DefaultSessionClose,
		},
		Storage: Storage{Backend: BackendFile, DataDir: "data/historical"},
		Ticks:   Ticks{Backend: BackendFile, Path: "data/live/live_feed_data.json"},
		Feed: Feed{
			Mode:           "quote",
			WriteInterval:  2 * time.Second,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			StaleFactor:    5,
			StartupCheck:   2 * time.Second,
			GracePeriod:    5 * time.Second,
			RestartDelay:   time.Second,
			WorkerBinary:   "feedworker",
		},
		CandleSource: CandleSource{Timeout: 30 * time.Second},
		Historical: Historical{
			CacheTTL:     300 * time.Second,
			BackfillStep: time.Hour,
			MinUpdateAge: time.Minute,
			CacheFile:    "data/cache/processor_cache.json",
		},
		Instruments: []Instrument{{Symbol: "NIFTY", Token: "99926000", Exchange: domain.DefaultExchange}},
		MetricsAddr: ":9090",
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.DomainSession(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for the file backend"))
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	case BackendClickhouse:
		if c.Storage.ClickhouseDSN == "" {
			errs = append(errs, errors.New("storage.clickhouse_dsn is required for the clickhouse backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, file, postgres, clickhouse", c.Storage.Backend))
	}

	switch c.Ticks.Backend {
	case BackendMemory:
		if !c.Feed.InProcess {
			errs = append(errs, errors.New("ticks.backend memory requires feed.in_process: a worker process cannot share memory with the supervisor"))
		}
	case BackendFile:
		if c.Ticks.Path == "" {
			errs = append(errs, errors.New("ticks.path is required for the file backend"))
		}
	case BackendRedis:
		if c.Ticks.RedisAddr == "" {
			errs = append(errs, errors.New("ticks.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ticks.backend %q is not one of memory, file, redis", c.Ticks.Backend))
	}

	if c.Feed.WriteInterval <= 0 {
		errs = append(errs, errors.New("feed.write_interval must be positive"))
	}
	if c.Feed.StaleFactor < 1 {
		errs = append(errs, errors.New("feed.stale_factor must be at least 1"))
	}
	if c.Feed.MaxBackoff < c.Feed.InitialBackoff {
		errs = append(errs, errors.New("feed.max_backoff must not be below feed.initial_backoff"))
	}
	if c.CandleSource.MaxRetries < 0 {
		errs = append(errs, errors.New("candle_source.max_retries must not be negative"))
	}
	if c.Historical.BackfillStep <= 0 {
		errs = append(errs, errors.New("historical.backfill_step must be positive"))
	}

	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		sym := strings.ToUpper(strings.TrimSpace(inst.Symbol))
		switch {
		case sym == "":
			errs = append(errs, fmt.Errorf("instruments[%d]: symbol is required", i))
		case inst.Token == "":
			errs = append(errs, fmt.Errorf("instruments[%d] %s: token is required", i, inst.Symbol))
		case seen[sym]:
			errs = append(errs, fmt.Errorf("instruments[%d]: duplicate symbol %s", i, inst.Symbol))
		}
		seen[sym] = true
	}

	return errors.Join(errs...)
}

// DomainSession builds the trading session.
func (c *Config) DomainSession() (domain.Session, error) {
	return domain.NewSession(c.Session.Timezone, c.Session.Open, c.Session.Close)
}

// DomainInstruments returns the configured instruments with the default
// exchange filled in.
func (c *Config) DomainInstruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		exchange := inst.Exchange
		if exchange == "" {
			exchange = domain.DefaultExchange
		}
		out = append(out, domain.Instrument{
			Symbol:   strings.TrimSpace(inst.Symbol),
			Token:    inst.Token,
			Exchange: exchange,
		})
	}
	return out
}

// FindInstrument looks up an instrument by symbol, ignoring case.
func (c *Config) FindInstrument(symbol string) (domain.Instrument, bool) {
	for _, inst := range c.DomainInstruments() {
		if strings.EqualFold(inst.Symbol, symbol) {
			return inst, true
		}
	}
	return domain.Instrument{}, false
}
