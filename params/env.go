package params

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable with surrounding quotes and spaces removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel reads XREPORT_DEBUG. A boolean true enables debug logging; an
// integer n selects slog.Level(-4n).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("XREPORT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Int(k string, defaultValue int) func() int {
	return func() int {
		if s := Var(k); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				slog.Warn("invalid environment variable, using default", "key", k, "value", s, "default", defaultValue)
				return defaultValue
			}
			return n
		}
		return defaultValue
	}
}

var (
	// HeadParallel runs attention heads on separate goroutines.
	HeadParallel = BoolWithDefault("XREPORT_HEAD_PARALLEL")
	// Device overrides the configured training device.
	Device = func() string { return strings.ToUpper(Var("XREPORT_DEVICE")) }
	// NumWorkers overrides the number of data loading workers.
	NumWorkers = Int("XREPORT_NUM_WORKERS", 0)
)

// ApplyEnv applies XREPORT_* overrides on top of a loaded training config.
func (t *TrainingConfig) ApplyEnv() {
	if d := Device(); d != "" {
		t.Device = d
	}
	if n := NumWorkers(); n > 0 {
		t.NumWorkers = n
	}
}
