package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLogWritesEntries(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start("s1"); err != nil {
		t.Fatal(err)
	}

	r.Log(TypeWindowClosed, "s1", map[string]interface{}{"window_id": "w1", "events": 3})
	r.Log(TypeVerifiedAction, "s1", map[string]interface{}{"status": "SUCCESS"})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 trace file, got %d", len(entries))
	}

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad trace line: %v", err)
		}
		if e.SessionID != "s1" {
			t.Errorf("expected session s1, got %q", e.SessionID)
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 entries, got %d", count)
	}
}

func TestLogWithoutStartIsNoop(t *testing.T) {
	r, err := New(t.TempDir(), 3)
	if err != nil {
		t.Fatal(err)
	}
	r.Log(TypeRawInput, "s1", "data") // must not panic
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRotationKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, 2)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if err := r.Start("s1"); err != nil {
			t.Fatal(err)
		}
		r.Log(TypeSessionState, "s1", i)
		// Distinct mod times so rotation ordering is stable.
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) > 2 {
		t.Errorf("expected at most 2 trace files after rotation, got %d", len(entries))
	}
}
