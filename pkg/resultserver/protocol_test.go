package resultserver

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUploadPath(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		category string
		filename string
		wantErr  bool
	}{
		{
			name:     "plain path",
			line:     "logs/agent.log",
			category: "logs",
			filename: "agent.log",
		},
		{
			name:     "windows separators are normalized",
			line:     `files\dropped.exe`,
			category: "files",
			filename: "dropped.exe",
		},
		{
			name:     "unsafe characters are replaced",
			line:     `logs/what?is<this>.log`,
			category: "logs",
			filename: "whatXisXthisX.log",
		},
		{
			name:    "traversal is rejected",
			line:    "logs/../../etc/passwd",
			wantErr: true,
		},
		{
			name:    "backslash traversal is rejected",
			line:    `logs\..\..\etc\passwd`,
			wantErr: true,
		},
		{
			name:    "NUL is rejected",
			line:    "logs/a\x00b",
			wantErr: true,
		},
		{
			name:    "drive colon is rejected",
			line:    `files/C:boot.ini`,
			wantErr: true,
		},
		{
			name:    "missing filename is rejected",
			line:    "logs/",
			wantErr: true,
		},
		{
			name:    "missing category is rejected",
			line:    "/agent.log",
			wantErr: true,
		},
		{
			name:    "nested path is rejected",
			line:    "logs/sub/agent.log",
			wantErr: true,
		},
		{
			name:    "empty line is rejected",
			line:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category, filename, err := parseUploadPath(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.category, category)
			assert.Equal(t, tt.filename, filename)
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "normal-name_1.txt", sanitizeFilename("normal-name_1.txt"))
	assert.Equal(t, "aXb", sanitizeFilename("a\tb"))
	assert.Equal(t, "XXXXXX", sanitizeFilename(`*?"<>|`))
}

func TestCopyBoundedUnderCap(t *testing.T) {
	var dst bytes.Buffer
	src := strings.NewReader(strings.Repeat("x", 5000))

	n, err := copyBounded(&dst, src, 10000)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, n)
	assert.Equal(t, 5000, dst.Len())
}

func TestCopyBoundedExactlyAtCap(t *testing.T) {
	var dst bytes.Buffer
	src := strings.NewReader(strings.Repeat("x", 4096))

	// A payload of exactly the cap is not truncation
	n, err := copyBounded(&dst, src, 4096)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, n)
	assert.NotContains(t, dst.String(), truncMarker)
}

func TestCopyBoundedOverCap(t *testing.T) {
	var dst bytes.Buffer
	src := strings.NewReader(strings.Repeat("x", 4097))

	n, err := copyBounded(&dst, src, 4096)
	assert.ErrorIs(t, err, errTooLarge)
	assert.EqualValues(t, 4096, n)
	assert.True(t, strings.HasSuffix(dst.String(), truncMarker),
		"truncated upload must end with the marker")
	assert.Equal(t, 4096+len(truncMarker), dst.Len())
}
