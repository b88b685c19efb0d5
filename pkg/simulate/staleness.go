package simulate

import (
	"os"
	"time"
)

// Fresh reports whether path exists and was modified strictly after lastEdit.
// Equality counts as stale so an artifact written at the same instant as the
// last graph edit is rebuilt rather than trusted.
func Fresh(path string, lastEdit time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().After(lastEdit)
}
