package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/velocityphp/velocity-cache/cache"
	"github.com/velocityphp/velocity-cache/env"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for every environment variable read by ApplyEnv.
const EnvPrefix = "VELOCITY_CACHE"

// Storage drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// maxL1TTL bounds Config.MemoryL1TTL, and with it how stale the
// process-local tier may get.
const maxL1TTL = time.Minute

// Drivers lists the accepted values of Config.Driver.
var Drivers = []string{DriverFile, DriverSQLite, DriverRedis, DriverMemory}

// Duration is a time.Duration that reads "90s", "1d" or "2w" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := env.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BreakerConfig configures the circuit breaker placed in front of the store.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	MaxFailures      int      `yaml:"max_failures"`
	Timeout          Duration `yaml:"timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
}

// Config describes how to build a cache.
type Config struct {
	// Driver selects the storage backend: file, sqlite, redis or memory.
	Driver string `yaml:"driver"`
	// Dir is the root directory of the file store.
	Dir string `yaml:"dir"`
	// DB is the SQLite database path.
	DB string `yaml:"db"`
	// RedisURL is a redis:// URL for the redis driver.
	RedisURL string `yaml:"redis_url"`
	// RedisPrefix is prepended to every redis key.
	RedisPrefix string `yaml:"redis_prefix"`
	// DefaultTTL applies when a caller passes a zero TTL.
	DefaultTTL Duration `yaml:"default_ttl"`
	// SweepInterval runs a background sweep when non-zero (sqlite and memory).
	SweepInterval Duration `yaml:"sweep_interval"`
	// QueryTimeout bounds each sqlite or redis operation.
	QueryTimeout Duration `yaml:"query_timeout"`
	// Namespaces, when non-empty, is the set of namespaces the CLI accepts.
	Namespaces []string `yaml:"namespaces"`
	// MemoryL1 puts a process-local store in front of the redis driver.
	// Another process's delete or invalidation does not reach this tier, so
	// a stale value can be served for up to MemoryL1TTL. Other drivers
	// reject it.
	MemoryL1 bool `yaml:"memory_l1"`
	// MemoryL1TTL caps how long an entry stays in the process-local tier.
	MemoryL1TTL Duration `yaml:"memory_l1_ttl"`
	// SingleFlight collapses concurrent Remember misses for the same key.
	SingleFlight bool `yaml:"single_flight"`
	// Metrics enables prometheus metrics and tracing spans around the store.
	Metrics bool          `yaml:"metrics"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Driver:       DriverFile,
		Dir:          "storage/cache",
		DB:           "storage/cache.db",
		RedisURL:     "redis://127.0.0.1:6379/0",
		RedisPrefix:  "velocity",
		DefaultTTL:   Duration(cache.DefaultExpires),
		QueryTimeout: Duration(cache.DefaultQueryTimeout),
		MemoryL1TTL:  Duration(cache.DefaultL1TTL),
		Namespaces:   append([]string(nil), cache.DefaultNamespaces...),
		Breaker: BreakerConfig{
			MaxFailures:      5,
			Timeout:          Duration(30 * time.Second),
			SuccessThreshold: 3,
		},
	}
}

// Load reads a YAML file over Default. An empty path returns Default.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: opening %s", path)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrapf(err, "config: parsing %s", path)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with VELOCITY_CACHE_* variables resolved through lookup.
// Empty values are ignored.
func (c *Config) ApplyEnv(lookup env.Lookup) error {
	get := func(name string) (string, bool) {
		val, ok := lookup(EnvPrefix + "_" + name)
		val = strings.TrimSpace(val)
		return val, ok && val != ""
	}
	str := func(name string, dst *string) {
		if val, ok := get(name); ok {
			*dst = val
		}
	}
	dur := func(name string, dst *Duration) error {
		if val, ok := get(name); ok {
			d, err := env.ParseDuration(val)
			if err != nil {
				return errors.Wrapf(err, "config: %s_%s", EnvPrefix, name)
			}
			*dst = Duration(d)
		}
		return nil
	}
	flag := func(name string, dst *bool) error {
		if val, ok := get(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return errors.Wrapf(err, "config: %s_%s", EnvPrefix, name)
			}
			*dst = b
		}
		return nil
	}

	str("DRIVER", &c.Driver)
	str("DIR", &c.Dir)
	str("DB", &c.DB)
	str("REDIS_URL", &c.RedisURL)
	str("REDIS_PREFIX", &c.RedisPrefix)
	if val, ok := get("NAMESPACES"); ok {
		c.Namespaces = splitList(val)
	}
	var errs error
	for name, dst := range map[string]*Duration{
		"DEFAULT_TTL":    &c.DefaultTTL,
		"SWEEP_INTERVAL": &c.SweepInterval,
		"QUERY_TIMEOUT":  &c.QueryTimeout,
		"MEMORY_L1_TTL":  &c.MemoryL1TTL,
	} {
		errs = errors.CombineErrors(errs, dur(name, dst))
	}
	for name, dst := range map[string]*bool{
		"MEMORY_L1":     &c.MemoryL1,
		"SINGLE_FLIGHT": &c.SingleFlight,
		"METRICS":       &c.Metrics,
		"BREAKER":       &c.Breaker.Enabled,
	} {
		errs = errors.CombineErrors(errs, flag(name, dst))
	}
	return errs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs error
	switch c.Driver {
	case DriverFile:
		if c.Dir == "" {
			errs = errors.CombineErrors(errs, errors.New("config: dir is required for the file driver"))
		}
	case DriverSQLite, DriverMemory:
	case DriverRedis:
		if c.RedisURL == "" {
			errs = errors.CombineErrors(errs, errors.New("config: redis_url is required for the redis driver"))
		}
	default:
		errs = errors.CombineErrors(errs, errors.Newf("config: unknown driver %q (want one of %s)", c.Driver, strings.Join(Drivers, ", ")))
	}
	if c.DefaultTTL < 0 {
		errs = errors.CombineErrors(errs, errors.New("config: default_ttl must not be negative"))
	}
	if c.MemoryL1 && c.Driver != DriverRedis {
		errs = errors.CombineErrors(errs, errors.Newf("config: memory_l1 is only supported by the redis driver, not %s", c.Driver))
	}
	if c.MemoryL1 && (c.MemoryL1TTL.Std() < time.Second || c.MemoryL1TTL.Std() > maxL1TTL) {
		errs = errors.CombineErrors(errs, errors.Newf("config: memory_l1_ttl must be between 1s and %s", maxL1TTL))
	}
	if c.SweepInterval < 0 {
		errs = errors.CombineErrors(errs, errors.New("config: sweep_interval must not be negative"))
	}
	for _, ns := range c.Namespaces {
		if err := cache.ValidateNamespace(ns); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "config: namespace %q", ns))
		}
	}
	if c.Breaker.Enabled && c.Breaker.MaxFailures < 1 {
		errs = errors.CombineErrors(errs, errors.New("config: breaker.max_failures must be at least 1"))
	}
	return errs
}

// AllowsNamespace reports whether ns may be used. An empty Namespaces list allows every valid name.
func (c Config) AllowsNamespace(ns string) bool {
	if len(c.Namespaces) == 0 {
		return cache.ValidateNamespace(ns) == nil
	}
	for _, allowed := range c.Namespaces {
		if allowed == ns {
			return true
		}
	}
	return false
}
