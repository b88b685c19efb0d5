package simulate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zephyr.elf")
	require.NoError(t, os.WriteFile(path, []byte("elf"), 0o644))

	mtime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	tests := []struct {
		name     string
		path     string
		lastEdit time.Time
		want     bool
	}{
		{"modified after edit", path, mtime.Add(-time.Second), true},
		{"modified before edit", path, mtime.Add(time.Second), false},
		{"modified exactly at edit is stale", path, mtime, false},
		{"missing file", filepath.Join(t.TempDir(), "nope.elf"), time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fresh(tt.path, tt.lastEdit))
		})
	}
}
