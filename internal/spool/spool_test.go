package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeWriter struct {
	written map[string][]byte // batch id -> lines
	fail    map[string]bool   // batch ids that fail
}

func (f *fakeWriter) WriteRaw(_ context.Context, _, batchID string, lines []byte) error {
	if f.fail[batchID] {
		return errors.New("injected write failure")
	}
	if f.written == nil {
		f.written = make(map[string][]byte)
	}
	f.written[batchID] = lines
	return nil
}

func TestAppendLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	lines := []byte("m,entity_id=light.x state=\"on\" 1737367530000000000\n")
	if err := s.Append("ha_raw", "batch-1", 1, lines); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("ha_raw", "batch-2", 2, lines); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Load("ha_raw")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].BatchID != "batch-1" || entries[0].Count != 1 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Lines != string(lines) {
		t.Errorf("lines round trip mismatch: %q", entries[1].Lines)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := s.Load("never_written")
	if err != nil || entries != nil {
		t.Errorf("Load = (%v, %v), want (nil, nil)", entries, err)
	}
}

func TestLoadCorruptEntryIsFatal(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ha_raw.ndjson"), []byte("{not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("ha_raw"); err == nil {
		t.Error("corrupt spool entry should be an error")
	}
}

func TestReplayRemovesWrittenKeepsFailed(t *testing.T) {
	s, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	lines := []byte("m f=1i 1\n")
	for _, id := range []string{"ok-1", "bad-1", "ok-2"} {
		if err := s.Append("ha_raw", id, 1, lines); err != nil {
			t.Fatal(err)
		}
	}

	w := &fakeWriter{fail: map[string]bool{"bad-1": true}}
	n, err := s.Replay(context.Background(), "ha_raw", w)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 2 {
		t.Errorf("replayed %d, want 2", n)
	}
	if len(w.written) != 2 {
		t.Errorf("writer received %d batches, want 2", len(w.written))
	}

	entries, err := s.Load("ha_raw")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].BatchID != "bad-1" {
		t.Errorf("surviving entries = %+v, want only bad-1", entries)
	}
}

func TestReplayEmptySpoolRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append("ha_raw", "only", 1, []byte("m f=1i 1\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Replay(context.Background(), "ha_raw", &fakeWriter{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ha_raw.ndjson")); !os.IsNotExist(err) {
		t.Error("fully replayed spool file should be removed")
	}
}
