package envconfig

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KaiHe-better/PathLLM/logutil"
)

func TestConfig(t *testing.T) {
	t.Setenv("PATHLLM_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("PATHLLM_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("PATHLLM_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	t.Setenv("PATHLLM_DEBUG", "on")
	LoadConfig()
	require.True(t, Debug)
}

func TestBackend(t *testing.T) {
	t.Setenv("PATHLLM_BACKEND", "")
	LoadConfig()
	require.Equal(t, "cpu", Backend)
	t.Setenv("PATHLLM_BACKEND", "\"cpu\"")
	LoadConfig()
	require.Equal(t, "cpu", Backend)
	t.Setenv("PATHLLM_BACKEND", "metal")
	LoadConfig()
	require.Equal(t, "metal", Backend)
}

func TestModels(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATHLLM_MODELS", dir)
	LoadConfig()
	require.Equal(t, dir, Models)

	t.Setenv("PATHLLM_MODELS", "")
	LoadConfig()
	require.True(t, strings.HasSuffix(Models, filepath.Join(".pathllm", "models")))
}

func TestNumThreads(t *testing.T) {
	t.Setenv("PATHLLM_NUM_THREADS", "")
	LoadConfig()
	require.Equal(t, 0, NumThreads)
	t.Setenv("PATHLLM_NUM_THREADS", "8")
	LoadConfig()
	require.Equal(t, 8, NumThreads)
	t.Setenv("PATHLLM_NUM_THREADS", "-2")
	LoadConfig()
	require.Equal(t, 0, NumThreads)
	t.Setenv("PATHLLM_NUM_THREADS", "many")
	LoadConfig()
	require.Equal(t, 0, NumThreads)
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     logutil.LevelTrace,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("PATHLLM_DEBUG", value)
			require.Equal(t, want, LogLevel())
		})
	}
}
