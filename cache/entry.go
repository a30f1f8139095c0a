package cache

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// Entry is a single cached document as returned by a Store.
type Entry struct {
	Namespace string
	Key       string
	// Value is the JSON encoding of the cached payload.
	Value     json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Decode unmarshals the entry's payload into out.
func (e *Entry) Decode(out any) error {
	if err := json.Unmarshal(e.Value, out); err != nil {
		return errors.Wrapf(err, "cache: decoding %s/%s", e.Namespace, e.Key)
	}
	return nil
}

// TTL returns the time left before the entry expires, measured from now.
func (e *Entry) TTL(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

func newEntry(ns, key string, payload []byte, createdAt, expiresAt int64) *Entry {
	return &Entry{
		Namespace: ns,
		Key:       key,
		Value:     json.RawMessage(payload),
		CreatedAt: time.Unix(createdAt, 0),
		ExpiresAt: time.Unix(expiresAt, 0),
	}
}

// expired reports whether an entry expiring at expiresAt (unix seconds) is
// past its lifetime. An entry expiring exactly now is already gone.
func expired(expiresAt int64, now time.Time) bool {
	return expiresAt <= now.Unix()
}

// lifetime clamps ttl to the shortest lifetime an entry can have.
func lifetime(ttl time.Duration) time.Duration {
	return max(ttl, time.Second)
}

// expiresAt returns the unix second at which an entry written at now with
// ttl expires. The instant now+ttl is rounded up to the next whole second,
// so an entry is never reported expired before its full ttl has elapsed.
func expiresAt(now time.Time, ttl time.Duration) int64 {
	d := lifetime(ttl)
	frac := int64(now.Nanosecond()) + int64(d%time.Second)
	secs := now.Unix() + int64(d/time.Second) + frac/int64(time.Second)
	if frac%int64(time.Second) != 0 {
		secs++
	}
	return secs
}

// checkPayload rejects documents that are not valid JSON before they reach storage.
func checkPayload(payload []byte) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return errors.Wrap(ErrSerialization, "payload is not a JSON document")
	}
	return nil
}

// negativePayload reports whether payload is the JSON literal null or false.
// Such results are never stored by Remember.
func negativePayload(payload []byte) bool {
	p := bytes.TrimSpace(payload)
	return bytes.Equal(p, []byte("null")) || bytes.Equal(p, []byte("false"))
}

// NamespaceStats holds the counters for a single namespace.
type NamespaceStats struct {
	Entries int64 `json:"entries"`
	Active  int64 `json:"active"`
	Expired int64 `json:"expired"`
	Bytes   int64 `json:"bytes"`
}

// Stats summarises the contents of a Store. Expired entries are those past
// their expiry that have not yet been read or swept.
type Stats struct {
	Namespaces     map[string]NamespaceStats `json:"namespaces"`
	TotalEntries   int64                     `json:"total_entries"`
	ActiveEntries  int64                     `json:"active_entries"`
	ExpiredEntries int64                     `json:"expired_entries"`
	TotalBytes     int64                     `json:"total_bytes"`
}

func newStats() Stats {
	return Stats{Namespaces: make(map[string]NamespaceStats)}
}

// add records one entry of size bytes in namespace ns.
func (s *Stats) add(ns string, size int64, isExpired bool) {
	s.addCounts(ns, 1, boolCount(!isExpired), boolCount(isExpired), size)
}

func (s *Stats) addCounts(ns string, entries, active, expired, size int64) {
	if s.Namespaces == nil {
		s.Namespaces = make(map[string]NamespaceStats)
	}
	n := s.Namespaces[ns]
	n.Entries += entries
	n.Active += active
	n.Expired += expired
	n.Bytes += size
	s.Namespaces[ns] = n
	s.TotalEntries += entries
	s.ActiveEntries += active
	s.ExpiredEntries += expired
	s.TotalBytes += size
}

// touch makes ns appear in the report even when it holds no entries.
func (s *Stats) touch(ns string) {
	if s.Namespaces == nil {
		s.Namespaces = make(map[string]NamespaceStats)
	}
	if _, ok := s.Namespaces[ns]; !ok {
		s.Namespaces[ns] = NamespaceStats{}
	}
}

// NamespaceNames returns the namespaces present in the report, sorted.
func (s Stats) NamespaceNames() []string {
	names := make([]string, 0, len(s.Namespaces))
	for ns := range s.Namespaces {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

func boolCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
