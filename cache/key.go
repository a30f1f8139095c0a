package cache

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	// maxNamespaceLength bounds namespace names, which become directory names.
	maxNamespaceLength = 64
	// maxKeyLength bounds sanitized keys, which become file names.
	maxKeyLength = 200
	// digestLength is the width of the hex digests appended to keys.
	digestLength = 16
)

func allowedKeyByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

// ValidateNamespace returns ErrInvalidNamespace unless ns is 1-64 characters of [A-Za-z0-9_-].
func ValidateNamespace(ns string) error {
	if ns == "" || len(ns) > maxNamespaceLength {
		return errors.Wrapf(ErrInvalidNamespace, "%q", ns)
	}
	for i := 0; i < len(ns); i++ {
		if !allowedKeyByte(ns[i]) {
			return errors.Wrapf(ErrInvalidNamespace, "%q", ns)
		}
	}
	return nil
}

// replaceDisallowed substitutes '_' for every byte outside [A-Za-z0-9_-].
// Multi-byte characters become one '_' per byte.
func replaceDisallowed(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; allowedKeyByte(c) {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// SanitizeKey maps an arbitrary caller key onto a string that is safe to use
// as a single path component. Separators, dots and NUL bytes can never
// survive, so the result cannot address anything outside its namespace
// directory. Keys longer than 200 bytes are truncated and suffixed with a
// digest of the full key.
func SanitizeKey(key string) string {
	s := replaceDisallowed(key)
	if s == "" {
		return "_"
	}
	if len(s) > maxKeyLength {
		s = s[:maxKeyLength-digestLength-1] + "_" + digest([]byte(key))
	}
	return s
}

func digest(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Key composes a cache key from an identifier and optional parameters.
// Parameters are encoded canonically (map keys sorted at every level) and
// hashed, so equivalent parameter sets produce the same key and different
// ones do not collide. A parameter JSON cannot encode, such as a func or a
// NaN, contributes only its type name, which keeps the key stable across
// processes.
func Key(id string, params map[string]any) string {
	if len(params) == 0 {
		return id
	}
	buf, err := json.Marshal(params)
	if err != nil {
		buf = encodeParams(params)
	}
	return id + "_" + digest(buf)
}

// encodeParams encodes params one value at a time, substituting the type
// name for any value that fails to encode.
func encodeParams(params map[string]any) []byte {
	fields := make(map[string]json.RawMessage, len(params))
	for k, v := range params {
		raw, err := json.Marshal(v)
		if err != nil {
			raw, _ = json.Marshal(fmt.Sprintf("!%T", v))
		}
		fields[k] = raw
	}
	buf, _ := json.Marshal(fields)
	return buf
}

// APIKey builds a key for an API response from its endpoint and query
// parameters. Values for the same parameter are sorted, so their order in
// the request does not matter.
func APIKey(endpoint string, query url.Values) string {
	id := replaceDisallowed(strings.Trim(endpoint, "/"))
	if id == "" {
		id = "root"
	}
	if len(query) == 0 {
		return id
	}
	canonical := make(url.Values, len(query))
	for k, vs := range query {
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		canonical[k] = sorted
	}
	return id + "_" + digest([]byte(canonical.Encode()))
}

// matchPattern reports whether key matches pattern, where '*' matches any
// run of bytes (including none) and every other byte matches itself.
func matchPattern(pattern, key string) bool {
	p, k := 0, 0
	star, mark := -1, 0
	for k < len(key) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = k
			p++
		case p < len(pattern) && pattern[p] == key[k]:
			p++
			k++
		case star >= 0:
			p = star + 1
			mark++
			k = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// likePattern translates a '*' pattern into a SQL LIKE expression using '\'
// as the escape character. The literal prefix is escaped as well.
func likePattern(prefix, pattern string) string {
	var sb strings.Builder
	write := func(s string, wildcard bool) {
		for i := 0; i < len(s); i++ {
			switch c := s[i]; c {
			case '\\', '%', '_':
				sb.WriteByte('\\')
				sb.WriteByte(c)
			case '*':
				if wildcard {
					sb.WriteByte('%')
				} else {
					sb.WriteByte(c)
				}
			default:
				sb.WriteByte(c)
			}
		}
	}
	write(prefix, false)
	write(pattern, true)
	return sb.String()
}

// redisPattern translates a '*' pattern into a Redis glob, escaping the
// other glob meta-characters.
func redisPattern(prefix, pattern string) string {
	var sb strings.Builder
	write := func(s string, wildcard bool) {
		for i := 0; i < len(s); i++ {
			switch c := s[i]; c {
			case '?', '[', ']', '\\', '^':
				sb.WriteByte('\\')
				sb.WriteByte(c)
			case '*':
				if !wildcard {
					sb.WriteByte('\\')
				}
				sb.WriteByte(c)
			default:
				sb.WriteByte(c)
			}
		}
	}
	write(prefix, false)
	write(pattern, true)
	return sb.String()
}

// filePattern translates a '*' pattern into a filepath.Glob pattern over
// sanitized file names. Sanitized names never contain glob meta-characters,
// so only the '*' wildcards survive.
func filePattern(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = replaceDisallowed(part)
	}
	return strings.Join(parts, "*") + fileExt
}
