package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON
// line. The chain continues across rotation so archives and the
// active file verify as one sequence.
type Log struct {
	path        string
	rotateBytes int64

	mu       sync.Mutex
	file     *os.File
	size     int64
	prevHash string
}

// Open opens (or creates) an audit log file for appending. If the file
// already exists, the last line is read back to recover the chain
// tail. rotateBytes of zero disables rotation.
func Open(path string, rotateBytes int64) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	var size int64
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		size = info.Size()
		tail, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if len(tail) > 0 {
			prevHash = HashLine(tail)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{
		path:        path,
		rotateBytes: rotateBytes,
		file:        file,
		size:        size,
		prevHash:    prevHash,
	}, nil
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}

// Record appends entry with hash chaining. It sets PrevHash and, if
// empty, Timestamp, writes the JSON line, and syncs to disk. The
// written line's hash and any rotated-out file path are returned.
func (l *Log) Record(entry Entry) (lineHash string, rotated string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	entry.PrevHash = l.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return "", "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return "", "", fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return "", "", fmt.Errorf("audit: sync: %w", err)
	}

	l.size += int64(len(line)) + 1
	l.prevHash = HashLine(line)

	if l.rotateBytes > 0 && l.size >= l.rotateBytes {
		rotated, err = l.rotateLocked()
		if err != nil {
			return "", "", err
		}
	}
	return l.prevHash, rotated, nil
}

// rotateLocked renames the active file aside and starts a fresh one.
// The chain tail carries over so the next entry links to the archive.
func (l *Log) rotateLocked() (string, error) {
	if err := l.file.Close(); err != nil {
		return "", fmt.Errorf("audit: close for rotation: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(l.path, rotated); err != nil {
		return "", fmt.Errorf("audit: rotate: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("audit: reopen after rotation: %w", err)
	}
	l.file = file
	l.size = 0
	return rotated, nil
}

// Tail returns the current chain tail hash.
func (l *Log) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prevHash
}

// Path returns the active log file path.
func (l *Log) Path() string { return l.path }

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
