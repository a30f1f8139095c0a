package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/velocityphp/velocity-cache/cache"

// allNamespaces labels operations that span every namespace.
const allNamespaces = "*"

// Operation results recorded in velocity_cache_operations_total.
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultOK    = "ok"
	resultError = "error"
)

var durationBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

type instrumentedStore struct {
	next       Store
	operations *prometheus.CounterVec
	removed    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	tracer     trace.Tracer
}

var _ Store = (*instrumentedStore)(nil)

// NewInstrumented wraps next so every call is counted, timed and traced.
// Collectors are registered with reg; a nil reg skips registration and a
// nil tp disables tracing. Wrapping several stores with the same
// registerer shares the collectors.
func NewInstrumented(next Store, reg prometheus.Registerer, tp trace.TracerProvider) (Store, error) {
	operations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total number of cache operations by result",
		},
		[]string{"op", "namespace", "result"},
	)
	removed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "cache",
			Name:      "removed_entries_total",
			Help:      "Entries removed by invalidation, clearing and sweeping",
		},
		[]string{"op", "namespace"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "velocity",
			Subsystem: "cache",
			Name:      "operation_duration_seconds",
			Help:      "Cache operation latency in seconds",
			Buckets:   durationBuckets,
		},
		[]string{"op"},
	)
	if reg != nil {
		var err error
		if operations, err = register(reg, operations); err != nil {
			return nil, err
		}
		if removed, err = register(reg, removed); err != nil {
			return nil, err
		}
		if duration, err = register(reg, duration); err != nil {
			return nil, err
		}
	}
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &instrumentedStore{
		next:       next,
		operations: operations,
		removed:    removed,
		duration:   duration,
		tracer:     tp.Tracer(tracerName),
	}, nil
}

// register adds c to reg, or returns the collector already registered under the same description.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "cache: registering metrics")
	}
	return c, nil
}

func (s *instrumentedStore) start(ctx context.Context, op, ns string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	attrs = append(attrs, attribute.String("cache.namespace", ns))
	ctx, span := s.tracer.Start(ctx, "cache."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (s *instrumentedStore) finish(span trace.Span, started time.Time, op, ns, result string, err error) {
	s.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		result = resultError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.operations.WithLabelValues(op, ns, result).Inc()
	span.End()
}

func (s *instrumentedStore) countRemoved(span trace.Span, op, ns string, n int) {
	span.SetAttributes(attribute.Int("cache.removed", n))
	if n > 0 {
		s.removed.WithLabelValues(op, ns).Add(float64(n))
	}
}

func (s *instrumentedStore) Get(ctx context.Context, ns string, key string) (bool, *Entry, error) {
	ctx, span, started := s.start(ctx, "get", ns, attribute.String("cache.key", key))
	found, entry, err := s.next.Get(ctx, ns, key)
	span.SetAttributes(attribute.Bool("cache.hit", found))
	result := resultMiss
	if found {
		result = resultHit
	}
	s.finish(span, started, "get", ns, result, err)
	return found, entry, err
}

func (s *instrumentedStore) Set(ctx context.Context, ns string, key string, payload []byte, ttl time.Duration) error {
	ctx, span, started := s.start(ctx, "set", ns,
		attribute.String("cache.key", key),
		attribute.Int("cache.bytes", len(payload)),
		attribute.Int64("cache.ttl_seconds", int64(ttl/time.Second)),
	)
	err := s.next.Set(ctx, ns, key, payload, ttl)
	s.finish(span, started, "set", ns, resultOK, err)
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, ns string, key string) (bool, error) {
	ctx, span, started := s.start(ctx, "delete", ns, attribute.String("cache.key", key))
	found, err := s.next.Delete(ctx, ns, key)
	result := resultMiss
	if found {
		result = resultHit
	}
	s.finish(span, started, "delete", ns, result, err)
	return found, err
}

func (s *instrumentedStore) InvalidatePattern(ctx context.Context, ns string, pattern string) (int, error) {
	ctx, span, started := s.start(ctx, "invalidate", ns, attribute.String("cache.pattern", pattern))
	n, err := s.next.InvalidatePattern(ctx, ns, pattern)
	s.countRemoved(span, "invalidate", ns, n)
	s.finish(span, started, "invalidate", ns, resultOK, err)
	return n, err
}

func (s *instrumentedStore) ClearAll(ctx context.Context) (int, error) {
	ctx, span, started := s.start(ctx, "clear", allNamespaces)
	n, err := s.next.ClearAll(ctx)
	s.countRemoved(span, "clear", allNamespaces, n)
	s.finish(span, started, "clear", allNamespaces, resultOK, err)
	return n, err
}

func (s *instrumentedStore) Sweep(ctx context.Context) (int, error) {
	ctx, span, started := s.start(ctx, "sweep", allNamespaces)
	n, err := s.next.Sweep(ctx)
	s.countRemoved(span, "sweep", allNamespaces, n)
	s.finish(span, started, "sweep", allNamespaces, resultOK, err)
	return n, err
}

func (s *instrumentedStore) Stats(ctx context.Context) (Stats, error) {
	ctx, span, started := s.start(ctx, "stats", allNamespaces)
	stats, err := s.next.Stats(ctx)
	span.SetAttributes(
		attribute.Int64("cache.entries", stats.TotalEntries),
		attribute.Int64("cache.active", stats.ActiveEntries),
	)
	s.finish(span, started, "stats", allNamespaces, resultOK, err)
	return stats, err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
