package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Files     int    `json:"files"`
	Error     string `json:"error,omitempty"`
	ErrorFile string `json:"error_file,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify validates the complete chain for the log at path: every
// rotated archive in order, then the active file. The first entry of
// the oldest file must reference the genesis hash; each later entry
// must reference the hash of the line before it, across file
// boundaries.
func Verify(path string) VerifyResult {
	files, err := chainFiles(path)
	if err != nil {
		return VerifyResult{Error: err.Error()}
	}

	expect := GenesisHash
	total := 0
	for _, f := range files {
		r, err := openChainFile(f)
		if err != nil {
			return VerifyResult{Error: fmt.Sprintf("open: %v", err), ErrorFile: f}
		}
		lines, tail, res := verifyStream(r, expect, f)
		r.Close()
		total += lines
		if res != nil {
			res.Lines = total
			res.Files = len(files)
			return *res
		}
		expect = tail
	}
	return VerifyResult{Valid: true, Lines: total, Files: len(files)}
}

// chainFiles returns the rotated archives (oldest first, by the
// timestamp suffix rotation assigns) followed by the active file.
func chainFiles(path string) ([]string, error) {
	base := filepath.Base(path)
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name == base || !strings.HasPrefix(name, base+".") {
			continue
		}
		rotated = append(rotated, filepath.Join(filepath.Dir(path), name))
	}
	sort.Strings(rotated)
	if _, err := os.Stat(path); err == nil {
		rotated = append(rotated, path)
	}
	if len(rotated) == 0 {
		return nil, fmt.Errorf("no log files at %s", path)
	}
	return rotated, nil
}

func openChainFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".xz") {
		return f, nil
	}
	xzr, err := xz.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("xz: %w", err)
	}
	return &xzReadCloser{Reader: xzr, under: f}, nil
}

type xzReadCloser struct {
	*xz.Reader
	under *os.File
}

func (r *xzReadCloser) Close() error { return r.under.Close() }

// verifyStream walks one file's lines. It returns the line count, the
// tail hash on success, and a populated result on the first broken
// link.
func verifyStream(r io.Reader, expect string, file string) (int, string, *VerifyResult) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := append([]byte(nil), scanner.Bytes()...)

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return lineNum, "", &VerifyResult{
				Error:     fmt.Sprintf("parse error: %v", err),
				ErrorFile: file,
				ErrorLine: lineNum,
			}
		}
		if entry.PrevHash != expect {
			return lineNum, "", &VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expect, entry.PrevHash),
				ErrorFile: file,
				ErrorLine: lineNum,
			}
		}
		expect = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return lineNum, "", &VerifyResult{Error: fmt.Sprintf("scan: %v", err), ErrorFile: file}
	}
	return lineNum, expect, nil
}
