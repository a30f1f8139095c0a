package env

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velocityphp/velocity-cache/logger"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected []Line
		wantErr  bool
	}{
		{
			name:     "empty",
			content:  "",
			expected: []Line{},
		},
		{
			name: "quotes comments and export",
			content: `
VELOCITY_CACHE_DRIVER=sqlite
VELOCITY_CACHE_DIR="/var/cache/velocity"
# a comment
export VELOCITY_CACHE_REDIS_PREFIX='app'
VELOCITY_CACHE_DEFAULT_TTL = 1d
`,
			expected: []Line{
				{Key: "VELOCITY_CACHE_DRIVER", Val: "sqlite"},
				{Key: "VELOCITY_CACHE_DIR", Val: "/var/cache/velocity"},
				{Key: "VELOCITY_CACHE_REDIS_PREFIX", Val: "app"},
				{Key: "VELOCITY_CACHE_DEFAULT_TTL", Val: "1d"},
			},
		},
		{
			name: "interpolation",
			content: `ROOT=/srv
DB=${ROOT}/cache.db
LATER=${NEXT}
NEXT=forward
MISSING=${NOPE}
DEFAULTED=${NOPE:-fallback}
EMPTY=${}
UNCLOSED=${ROOT`,
			expected: []Line{
				{Key: "ROOT", Val: "/srv"},
				{Key: "DB", Val: "/srv/cache.db"},
				{Key: "LATER", Val: "forward"},
				{Key: "NEXT", Val: "forward"},
				{Key: "MISSING", Val: "${NOPE}"},
				{Key: "DEFAULTED", Val: "fallback"},
				{Key: "EMPTY", Val: "${}"},
				{Key: "UNCLOSED", Val: "${ROOT"},
			},
		},
		{
			name:    "missing equals",
			content: "JUSTAKEY",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseOSReference(t *testing.T) {
	t.Setenv("VELOCITY_TEST_HOME", "/home/velocity")
	got, err := Parse([]byte("DIR=${env:VELOCITY_TEST_HOME}/cache\nOTHER=${env:VELOCITY_TEST_UNSET:-none}"))
	require.NoError(t, err)
	assert.Equal(t, []Line{
		{Key: "DIR", Val: "/home/velocity/cache"},
		{Key: "OTHER", Val: "none"},
	}, got)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	lines, err := ParseFile(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Empty(t, lines)

	fn := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(fn, []byte("A=1\n"), 0o644))
	lines, err = ParseFile(fn)
	require.NoError(t, err)
	assert.Equal(t, []Line{{Key: "A", Val: "1"}}, lines)
}

func TestWithFile(t *testing.T) {
	t.Setenv("VELOCITY_TEST_A", "from-os")
	t.Setenv("VELOCITY_TEST_B", "")
	lookup := WithFile([]Line{{Key: "VELOCITY_TEST_A", Val: "from-file"}, {Key: "VELOCITY_TEST_B", Val: "file-only"}})

	val, ok := lookup("VELOCITY_TEST_A")
	assert.True(t, ok)
	assert.Equal(t, "from-os", val)
	val, ok = lookup("VELOCITY_TEST_B")
	assert.True(t, ok)
	assert.Equal(t, "file-only", val)
	_, ok = lookup("VELOCITY_TEST_C")
	assert.False(t, ok)
}

func newCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("dir", "", "")
	cmd.Flags().String("ttl", "", "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().String("log-format", "", "")
	return cmd
}

func TestFlagOrEnv(t *testing.T) {
	cmd := newCommand()
	assert.Equal(t, "default", FlagOrEnv(cmd, "dir", "VELOCITY_TEST_DIR", "default"))

	t.Setenv("VELOCITY_TEST_DIR", "/from/env")
	assert.Equal(t, "/from/env", FlagOrEnv(cmd, "dir", "VELOCITY_TEST_DIR", "default"))

	require.NoError(t, cmd.Flags().Set("dir", "/from/flag"))
	assert.Equal(t, "/from/flag", FlagOrEnv(cmd, "dir", "VELOCITY_TEST_DIR", "default"))

	assert.Equal(t, "default", FlagOrEnv(cmd, "undefined-flag", "VELOCITY_TEST_UNSET", "default"))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"300s", 300 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{" 5m ", 5 * time.Minute, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDurationFlagOrEnv(t *testing.T) {
	cmd := newCommand()
	d, err := DurationFlagOrEnv(cmd, "ttl", "VELOCITY_TEST_TTL", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	t.Setenv("VELOCITY_TEST_TTL", "1d")
	d, err = DurationFlagOrEnv(cmd, "ttl", "VELOCITY_TEST_TTL", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	require.NoError(t, cmd.Flags().Set("ttl", "nonsense"))
	_, err = DurationFlagOrEnv(cmd, "ttl", "VELOCITY_TEST_TTL", time.Hour)
	assert.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	cmd := newCommand()
	t.Setenv(logger.EnvLogLevel, "")
	assert.Equal(t, logger.LevelInfo, LogLevel(cmd))

	t.Setenv(logger.EnvLogLevel, "debug")
	assert.Equal(t, logger.LevelDebug, LogLevel(cmd))

	require.NoError(t, cmd.Flags().Set("log-level", "ERROR"))
	assert.Equal(t, logger.LevelError, LogLevel(cmd))
}

func TestNewLoggerFormats(t *testing.T) {
	t.Setenv(logger.EnvLogLevel, "info")
	t.Setenv(EnvLogFormat, "")

	var console bytes.Buffer
	cmd := newCommand()
	cmd.SetErr(&console)
	NewLogger(cmd).Info("hello %s", "console")
	assert.Contains(t, console.String(), "hello console")
	assert.False(t, json.Valid(bytes.TrimSpace(console.Bytes())))

	var structured bytes.Buffer
	cmd = newCommand()
	cmd.SetErr(&structured)
	require.NoError(t, cmd.Flags().Set("log-format", "json"))
	NewLogger(cmd).Info("hello %s", "json")
	line := strings.TrimSpace(structured.String())
	require.True(t, json.Valid([]byte(line)), line)
	assert.Contains(t, line, "hello json")
}
