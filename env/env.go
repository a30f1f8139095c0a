package env

import (
	"bufio"
	"bytes"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/velocityphp/velocity-cache/logger"
	"github.com/xhit/go-str2duration/v2"
)

// Line is one KEY=value assignment read from an env file.
type Line struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// Lookup resolves an environment variable. It has the signature of os.LookupEnv.
type Lookup func(key string) (string, bool)

// ParseFile reads an env file. A missing file yields no lines and no error.
func ParseFile(filename string) ([]Line, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return []Line{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "env: reading %s", filename)
	}
	return Parse(buf)
}

// Parse reads KEY=value lines. Blank lines and '#' comments are skipped, an
// "export " prefix is ignored and matching single or double quotes around a
// value are removed. Values may reference ${NAME}, ${NAME:-default} or
// ${env:NAME}; NAME resolves against the other lines of the file, env:NAME
// against the process environment. Unresolved references are kept as written.
func Parse(buf []byte) ([]Line, error) {
	lines := []Line{}
	values := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for n := 1; scanner.Scan(); n++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		key, val, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Newf("env: line %d: expected KEY=value", n)
		}
		val = dequote(strings.TrimSpace(val))
		values[key] = val
		lines = append(lines, Line{Key: key, Val: val})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "env: scanning")
	}
	// resolve after reading everything so forward references work
	for i := range lines {
		lines[i].Val = interpolate(lines[i].Val, values)
	}
	return lines, nil
}

func dequote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func interpolate(s string, values map[string]string) string {
	var sb strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			break
		}
		end += start
		sb.WriteString(s[:start])
		ref := s[start : end+1]
		name, def, _ := strings.Cut(s[start+2:end], ":-")

		var val string
		var found bool
		if envName, ok := strings.CutPrefix(name, "env:"); ok {
			val, found = os.LookupEnv(envName)
		} else {
			val, found = values[name]
		}
		switch {
		case name == "":
			sb.WriteString(ref)
		case found && val != "":
			sb.WriteString(val)
		case def != "":
			sb.WriteString(def)
		default:
			sb.WriteString(ref)
		}
		s = s[end+1:]
	}
	sb.WriteString(s)
	return sb.String()
}

// WithFile returns a Lookup that consults the process environment first and
// falls back to the given env file lines. An empty process variable counts as unset.
func WithFile(lines []Line) Lookup {
	values := make(map[string]string, len(lines))
	for _, l := range lines {
		values[l.Key] = l.Val
	}
	return func(key string) (string, bool) {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			return val, true
		}
		val, ok := values[key]
		return val, ok
	}
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if flagValue, _ := cmd.Flags().GetString(flagName); flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// ParseDuration accepts Go durations plus days and weeks ("1d", "2w3d").
func ParseDuration(s string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "env: invalid duration %q", s)
	}
	return d, nil
}

// DurationFlagOrEnv is FlagOrEnv for durations, parsed with ParseDuration.
func DurationFlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue time.Duration) (time.Duration, error) {
	val := FlagOrEnv(cmd, flagName, envName, "")
	if val == "" {
		return defaultValue, nil
	}
	return ParseDuration(val)
}

// EnvLogFormat selects the log output format when --log-format is not given.
const EnvLogFormat = "VELOCITY_LOG_FORMAT"

// LogLevel returns the level from the --log-level flag, then VELOCITY_LOG_LEVEL, defaulting to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"), logger.LevelInfo)
}

// NewLogger returns a logger by first checking the cobra.Command log-level flag, then use the
// VELOCITY_LOG_LEVEL environment value and falling back to the info logger level.
// A --log-format (or VELOCITY_LOG_FORMAT) of "json" selects the JSON logger.
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	level := LogLevel(cmd)
	if strings.EqualFold(FlagOrEnv(cmd, "log-format", EnvLogFormat, "console"), "json") {
		return logger.NewJSONLoggerWithWriter(cmd.ErrOrStderr(), level)
	}
	return logger.NewConsoleLoggerWithWriter(cmd.ErrOrStderr(), level)
}
