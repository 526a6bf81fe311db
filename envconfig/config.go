package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// Set via PATHLLM_DEBUG in the environment
	Debug bool
	// Set via PATHLLM_BACKEND in the environment
	Backend string
	// Set via PATHLLM_MODELS in the environment
	Models string
	// Set via PATHLLM_NUM_THREADS in the environment
	NumThreads int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"PATHLLM_DEBUG":       {"PATHLLM_DEBUG", Debug, "Show additional debug information (e.g. PATHLLM_DEBUG=1)"},
		"PATHLLM_BACKEND":     {"PATHLLM_BACKEND", Backend, "Compute backend to run encoders on (default \"cpu\")"},
		"PATHLLM_MODELS":      {"PATHLLM_MODELS", Models, "The path to the checkpoints directory"},
		"PATHLLM_NUM_THREADS": {"PATHLLM_NUM_THREADS", NumThreads, "Maximum number of kernel goroutines (default: number of CPUs)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// LogLevel returns the level for the default logger.
// PATHLLM_DEBUG values: 0/false INFO (default), 1/true DEBUG, 2 TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := clean("PATHLLM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := clean("PATHLLM_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Backend = "cpu"
	if backend := clean("PATHLLM_BACKEND"); backend != "" {
		Backend = backend
	}

	Models = clean("PATHLLM_MODELS")
	if Models == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to lookup user home directory", "error", err)
		} else {
			Models = filepath.Join(home, ".pathllm", "models")
		}
	}

	NumThreads = 0
	if nt := clean("PATHLLM_NUM_THREADS"); nt != "" {
		val, err := strconv.Atoi(nt)
		if err != nil || val < 0 {
			slog.Error("invalid setting, ignoring", "PATHLLM_NUM_THREADS", nt, "error", err)
		} else {
			NumThreads = val
		}
	}
}
