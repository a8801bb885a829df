package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testEntry(requestID, decision string) Entry {
	return Entry{
		RequestID:   requestID,
		Component:   "alpha-forge",
		EventType:   "validation_completed",
		ContentType: "expression",
		ContentHash: HashContent("mean(close, 20)"),
		Decision:    decision,
		PolicyHash:  "sha256:feedbeef",
	}
}

func TestRecordChainsFromGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	for i, id := range []string{"r1", "r2", "r3"} {
		hash, rotated, err := log.Record(testEntry(id, DecisionApproved))
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		if rotated != "" {
			t.Fatalf("unexpected rotation on entry %d", i)
		}
		if !strings.HasPrefix(hash, "sha256:") {
			t.Errorf("line hash = %q", hash)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var prev []byte
	line := 0
	for scanner.Scan() {
		line++
		raw := append([]byte(nil), scanner.Bytes()...)
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("line %d: %v", line, err)
		}
		want := GenesisHash
		if prev != nil {
			want = HashLine(prev)
		}
		if e.PrevHash != want {
			t.Errorf("line %d prev_hash = %s, want %s", line, e.PrevHash, want)
		}
		if e.Timestamp == "" {
			t.Errorf("line %d missing timestamp", line)
		}
		prev = raw
	}
	if line != 3 {
		t.Errorf("lines = %d, want 3", line)
	}
}

func TestOpenRecoversChainTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := log.Record(testEntry("r1", DecisionApproved)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	tail := log.Tail()
	log.Close()

	log2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()
	if log2.Tail() != tail {
		t.Errorf("recovered tail = %s, want %s", log2.Tail(), tail)
	}
	if _, _, err := log2.Record(testEntry("r2", DecisionRejected)); err != nil {
		t.Fatalf("Record after reopen: %v", err)
	}

	if res := Verify(path); !res.Valid {
		t.Errorf("chain invalid after reopen: %+v", res)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		if _, _, err := log.Record(testEntry(id, DecisionApproved)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	log.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"decision":"approved"`, `"decision":"rejected"`, 1)
	if tampered == string(data) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	res := Verify(path)
	if res.Valid {
		t.Fatal("tampered chain verified as valid")
	}
	if res.ErrorLine != 2 {
		t.Errorf("error line = %d, want 2 (first entry after the edit)", res.ErrorLine)
	}
}

func TestRotationKeepsChainAcrossFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path, 200)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	var rotations []string
	for i := 0; i < 10; i++ {
		_, rotated, err := log.Record(testEntry("r", DecisionApproved))
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		if rotated != "" {
			rotations = append(rotations, rotated)
		}
		// distinct rotation stamps need distinct nanoseconds
		time.Sleep(time.Millisecond)
	}
	if len(rotations) == 0 {
		t.Fatal("no rotation occurred")
	}

	res := Verify(path)
	if !res.Valid {
		t.Fatalf("chain invalid across rotation: %+v", res)
	}
	if res.Lines != 10 {
		t.Errorf("lines = %d, want 10", res.Lines)
	}
	if res.Files != len(rotations)+1 {
		t.Errorf("files = %d, want %d", res.Files, len(rotations)+1)
	}
}

func TestCompressedArchivesStillVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path, 200)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	var rotations []string
	for i := 0; i < 10; i++ {
		_, rotated, err := log.Record(testEntry("r", DecisionApproved))
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		if rotated != "" {
			rotations = append(rotations, rotated)
		}
		time.Sleep(time.Millisecond)
	}
	for _, r := range rotations {
		archive, err := Compress(r)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		if !strings.HasSuffix(archive, ".xz") {
			t.Errorf("archive = %s", archive)
		}
		if _, err := os.Stat(r); !os.IsNotExist(err) {
			t.Errorf("original %s still present after compression", r)
		}
	}

	res := Verify(path)
	if !res.Valid {
		t.Fatalf("chain invalid with compressed archives: %+v", res)
	}
	if res.Lines != 10 {
		t.Errorf("lines = %d, want 10", res.Lines)
	}
}

func TestPruneByRotationStamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	old := path + ".20200101T000000.000000000.xz"
	fresh := path + "." + time.Now().UTC().Format(rotateStampLayout) + ".xz"
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := Prune(path, 24*time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != old {
		t.Errorf("removed = %v, want only the old archive", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh archive removed: %v", err)
	}

	if removed, _ := Prune(path, 0, time.Now()); removed != nil {
		t.Errorf("zero retention pruned %v", removed)
	}
}

func TestHashContentDigestsNotPayloads(t *testing.T) {
	h := HashContent("import os")
	if !strings.HasPrefix(h, "blake3:") {
		t.Errorf("hash = %q", h)
	}
	if h == HashContent("import sys") {
		t.Error("distinct content produced identical hashes")
	}
	if strings.Contains(h, "import") {
		t.Error("content leaked into hash")
	}
}
