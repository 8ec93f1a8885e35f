package rlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRotatingFile_RoundsUpToWholeMiB(t *testing.T) {
	w := newRotatingFile("debug.log", 1)
	require.Equal(t, 1, w.MaxSize)
	require.Equal(t, 1, w.MaxBackups)

	w = newRotatingFile("debug.log", 5*1024*1024)
	require.Equal(t, 5, w.MaxSize)

	w = newRotatingFile("debug.log", 5*1024*1024+1)
	require.Equal(t, 6, w.MaxSize)
}

func TestNewRotatingFile_DefaultsWhenUnset(t *testing.T) {
	w := newRotatingFile("debug.log", 0)
	require.Equal(t, 5, w.MaxSize)
}

func TestNew_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.log")

	logger := New(Options{FilePath: path})
	logger.Info().Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}
