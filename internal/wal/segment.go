package wal

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Segment files are named <YYYYMMDDhhmmss>-<uuidv7 hex, no dashes>.wal. The
// prefix is the creation time truncated to the second and the UUIDv7 is
// time-ordered, so lexicographic order equals chronological order.

const (
	segmentSuffix     = ".wal"
	segmentTimeLayout = "20060102150405"
)

// newSegmentName generates a segment file name for a segment created at t.
func newSegmentName(t time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate segment id: %w", err)
	}
	return t.UTC().Format(segmentTimeLayout) + "-" + hex.EncodeToString(id[:]) + segmentSuffix, nil
}

// parseSegmentName extracts the creation time from a segment file name.
func parseSegmentName(name string) (time.Time, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, segmentSuffix) {
		return time.Time{}, fmt.Errorf("not a segment file: %s", base)
	}
	stem := strings.TrimSuffix(base, segmentSuffix)
	i := strings.IndexByte(stem, '-')
	if i != len(segmentTimeLayout) {
		return time.Time{}, fmt.Errorf("malformed segment name: %s", base)
	}
	if _, err := hex.DecodeString(stem[i+1:]); err != nil || len(stem[i+1:]) != 32 {
		return time.Time{}, fmt.Errorf("malformed segment name: %s", base)
	}
	t, err := time.ParseInLocation(segmentTimeLayout, stem[:i], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed segment name %s: %w", base, err)
	}
	return t, nil
}

// listSegmentFiles returns the full paths of all segment files in dir,
// oldest first.
func listSegmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read segment directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), segmentSuffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

// fileSealed reports whether the file at path carries the read-only
// filesystem attribute set by Seal.
func fileSealed(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().Perm()&0o222 == 0
}
