package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

const rotateStampLayout = "20060102T150405.000000000"

// Compress replaces a rotated log file with an xz archive alongside
// it. The original is removed only after the archive is fully synced.
func Compress(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("audit: open rotated log: %w", err)
	}
	defer src.Close()

	archive := path + ".xz"
	tmp := archive + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("audit: create archive: %w", err)
	}
	xzw, err := xz.NewWriter(dst)
	if err != nil {
		dst.Close()
		return "", fmt.Errorf("audit: xz writer: %w", err)
	}
	if _, err := io.Copy(xzw, src); err != nil {
		xzw.Close()
		dst.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("audit: compress: %w", err)
	}
	if err := xzw.Close(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("audit: finish archive: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("audit: sync archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("audit: close archive: %w", err)
	}
	if err := os.Rename(tmp, archive); err != nil {
		return "", fmt.Errorf("audit: publish archive: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("audit: remove rotated log: %w", err)
	}
	return archive, nil
}

// Prune removes archives older than retention, judged by the rotation
// timestamp embedded in their names. Zero retention keeps everything.
// It returns the removed paths.
func Prune(path string, retention time.Duration, now time.Time) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}
	base := filepath.Base(path)
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("audit: read log directory: %w", err)
	}
	cutoff := now.Add(-retention)
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if name == base || !strings.HasPrefix(name, base+".") {
			continue
		}
		stamp := strings.TrimPrefix(name, base+".")
		stamp = strings.TrimSuffix(stamp, ".xz")
		ts, err := time.Parse(rotateStampLayout, stamp)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			full := filepath.Join(dir, name)
			if err := os.Remove(full); err != nil {
				return removed, fmt.Errorf("audit: prune %s: %w", name, err)
			}
			removed = append(removed, full)
		}
	}
	return removed, nil
}
