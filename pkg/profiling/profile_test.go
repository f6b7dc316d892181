package profiling_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/profiling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiler_WritesProfiles(t *testing.T) {
	dir := t.TempDir()
	cpu := filepath.Join(dir, "cpu.prof")
	heap := filepath.Join(dir, "heap.prof")

	profiler, err := profiling.Start(cpu, heap, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	profiler.Stop()
	profiler.Stop()

	for _, path := range []string{cpu, heap} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size(), path)
	}
}

func TestProfiler_Disabled(t *testing.T) {
	profiler, err := profiling.Start("", "", logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	profiler.Stop()
}

func TestProfiler_InvalidPath(t *testing.T) {
	_, err := profiling.Start(filepath.Join(t.TempDir(), "missing", "cpu.prof"), "", logrus.NewEntry(logrus.New()))
	assert.Error(t, err)
}
