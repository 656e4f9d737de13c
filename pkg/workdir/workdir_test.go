package workdir

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDirSafelist(t *testing.T) {
	p := New("/data")

	tests := []struct {
		category string
		wantErr  bool
	}{
		{CategoryLogs, false},
		{CategoryMemory, false},
		{CategoryFiles, false},
		{"screenshots", true},
		{"..", true},
		{"", true},
		{"LOGS", true},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			dir, err := p.UploadDir("task-1", tt.category)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join("/data", "tasks", "task-1", tt.category), dir)
		})
	}
}

func TestEnsureTaskDirs(t *testing.T) {
	p := New(t.TempDir())
	require.NoError(t, p.EnsureTaskDirs("task-1"))

	for _, dir := range []string{
		p.TaskDir("task-1"),
		p.ScreenshotDir("task-1"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	for _, category := range []string{CategoryLogs, CategoryMemory, CategoryFiles} {
		dir, err := p.UploadDir("task-1", category)
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWriteReadJSON(t *testing.T) {
	p := New(t.TempDir())
	require.NoError(t, p.EnsureTaskDirs("task-1"))

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, WriteJSON(p.MachineJSON("task-1"), doc{Name: "vm1", Count: 3}))

	var got doc
	require.NoError(t, ReadJSON(p.MachineJSON("task-1"), &got))
	assert.Equal(t, doc{Name: "vm1", Count: 3}, got)
}

func TestZipTaskDir(t *testing.T) {
	p := New(t.TempDir())
	require.NoError(t, p.EnsureTaskDirs("task-1"))

	logsDir, err := p.UploadDir("task-1", CategoryLogs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(logsDir, "agent.log"), []byte("log line"), 0o640))
	require.NoError(t, os.WriteFile(p.Pcap("task-1"), []byte("pcap bytes"), 0o640))

	require.NoError(t, p.ZipTaskDir("task-1"))
	// Zipping twice must not recurse into the previous archive
	require.NoError(t, p.ZipTaskDir("task-1"))

	zr, err := zip.OpenReader(p.ZippedResults("task-1"))
	require.NoError(t, err)
	defer zr.Close()

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["logs/agent.log"])
	assert.True(t, names[PcapName])
	assert.False(t, names[ZippedResultsName], "the archive must not contain itself")
}
