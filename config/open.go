package config

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/velocityphp/velocity-cache/cache"
	"github.com/velocityphp/velocity-cache/logger"
	"github.com/velocityphp/velocity-cache/resilience"
	"go.opentelemetry.io/otel"
)

// Open validates cfg and builds a cache from it.
//
// A configuration error is returned as is. A storage failure is not: it is
// logged once at error level and the returned cache is disabled, so every
// read misses and every write is dropped. When reg is non-nil and
// cfg.Metrics is set the store reports to reg and to the global tracer provider.
func Open(ctx context.Context, cfg Config, log logger.Logger, reg prometheus.Registerer) (*cache.Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []cache.CacheOption{cache.WithLogger(log), cache.WithDefaultTTL(cfg.DefaultTTL.Std())}
	if cfg.SingleFlight {
		opts = append(opts, cache.WithSingleFlight())
	}

	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithKV(log, "driver", cfg.Driver).Error("[cache] storage unavailable, caching is disabled: %s", err)
		return cache.New(cache.NewDisabled(err), opts...), nil
	}
	if closer != nil {
		opts = append(opts, cache.WithCloser(closer))
	}
	if cfg.MemoryL1 {
		store = cache.NewTiered(cache.NewInMemory(ctx, storeOptions(cfg)...), store, cfg.MemoryL1TTL.Std())
	}
	if cfg.Breaker.Enabled {
		store = cache.NewGuarded(store, resilience.Config{
			MaxFailures:      cfg.Breaker.MaxFailures,
			Timeout:          cfg.Breaker.Timeout.Std(),
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		})
	}
	if cfg.Metrics && reg != nil {
		instrumented, err := cache.NewInstrumented(store, reg, otel.GetTracerProvider())
		if err != nil {
			store.Close()
			if closer != nil {
				closer.Close()
			}
			return nil, errors.Wrap(err, "config: registering cache metrics")
		}
		store = instrumented
	}
	log.Debug("[cache] ready (driver=%s)", cfg.Driver)
	return cache.New(store, opts...), nil
}

func storeOptions(cfg Config) []cache.Option {
	return []cache.Option{
		cache.WithExpires(cfg.DefaultTTL.Std()),
		cache.WithQueryTimeout(cfg.QueryTimeout.Std()),
		cache.WithExpiryCheck(cfg.SweepInterval.Std()),
		cache.WithPrefix(cfg.RedisPrefix),
	}
}

// openStore returns the backend for cfg.Driver and, for redis, the client to
// close once the cache is closed.
func openStore(ctx context.Context, cfg Config) (cache.Store, io.Closer, error) {
	opts := storeOptions(cfg)
	switch cfg.Driver {
	case DriverFile:
		store, err := cache.NewFile(cfg.Dir, opts...)
		return store, nil, err
	case DriverSQLite:
		store, err := cache.NewSQLite(ctx, cfg.DB, opts...)
		return store, nil, err
	case DriverMemory:
		return cache.NewInMemory(ctx, opts...), nil, nil
	case DriverRedis:
		client, err := dialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedis(client, opts...), client, nil
	}
	return nil, nil, errors.Newf("config: unknown driver %q", cfg.Driver)
}

// dialRedis connects and pings, retrying briefly so a redis that is still
// starting up does not disable the cache.
func dialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "config: parsing redis_url")
	}
	client := redis.NewClient(redisOpts)
	err = resilience.Retry(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "config: connecting to redis at %s", redisOpts.Addr)
	}
	return client, nil
}
