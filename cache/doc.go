// Package cache provides a namespaced request/response cache with
// interchangeable storage backends and a read-through Remember helper.
//
// # Store Interface
//
// The [Store] interface holds JSON documents partitioned by namespace. Every
// backend has the same observable behavior: an entry whose expiry has
// passed is never returned, and the read that discovers it deletes it.
// [Store.Sweep] removes expired entries that nobody reads again. A miss is
// (false, nil, nil), never an error.
//
// # Implementations
//
//   - [NewFile]: One JSON document per entry under a root directory, with
//     one subdirectory per namespace. Keys are sanitized with [SanitizeKey]
//     so they can never address anything outside their namespace directory.
//     Writes go to a temp file that is renamed into place, so readers see
//     either the old document or the new one.
//
//   - [NewSQLite]: A single cache_entries table in an embedded database
//     using [modernc.org/sqlite] (pure Go, no CGO). The namespace is folded
//     into the key as "namespace:key". Writes are a single upsert. WAL mode
//     is enabled for file-backed databases.
//
//   - [NewRedis]: Entries stored as msgpack records under
//     "prefix:namespace:key" using [github.com/redis/go-redis/v9], with
//     native Redis expiry. The caller owns the [redis.Client].
//
//   - [NewInMemory]: A process-local map. Payloads are copied in and out.
//
//   - [NewComposite]: Chains stores in order. Get returns the first hit;
//     mutations reach every store.
//
//   - [NewDisabled]: Used when storage cannot be opened. Reads miss and
//     mutations fail with [ErrDisabled].
//
// Two decorators wrap any Store: [NewInstrumented] counts, times and traces
// every call with Prometheus and OpenTelemetry, and [NewGuarded] puts a
// circuit breaker in front of a backend that may become unavailable.
//
// # Cache
//
// [Cache] is the handle collaborators use. It turns every storage fault
// into a logged miss or a false result, so a broken cache never fails a
// request:
//
//	c := cache.New(store, cache.WithLogger(log))
//	c.Set(ctx, cache.NamespaceAPI, key, response, 5*time.Minute)
//	v, ok := c.Get(ctx, cache.NamespaceAPI, key)
//
// Values read through [Cache.Get] come back as a [Value], a tagged variant
// over the JSON types. [GetAs] decodes straight into a Go type.
//
// # Remember
//
// [Remember] is the read-through idiom:
//
//	user, err := cache.Remember(ctx, c, cache.NamespaceUsers, cache.UserKey(id), time.Hour,
//	    func(ctx context.Context) (User, bool, error) {
//	        return db.FindUser(ctx, id)
//	    })
//
// On a hit the producer is not called. On a miss the producer runs and its
// result is cached unless it failed, reported found=false, or encoded to
// JSON null or false. Concurrent misses each run the producer unless the
// Cache was built with [WithSingleFlight].
//
// # Keys and Patterns
//
// [Key] and [APIKey] derive keys from an identifier plus parameters, hashing
// the parameters so equivalent requests share an entry. Patterns passed to
// [Cache.InvalidatePattern] use '*' as the only wildcard; every other
// character is literal on every backend.
package cache
