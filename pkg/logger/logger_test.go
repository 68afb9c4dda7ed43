package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestBuild_FileSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "circulation.log")

	log, err := Build(Log{LogLevel: zapcore.InfoLevel, Sink: path}, "test")
	require.NoError(t, err)
	log.Info("hello")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
	require.Contains(t, string(data), `"logger":"test"`)
}

func TestBuild_BadSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing", "dir", "circulation.log")

	_, err := Build(Log{Sink: path}, "test")
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)

	// NewLogger still hands back a working logger
	log := NewLogger(Log{Sink: path}, "test")
	require.NotNil(t, log)
}
