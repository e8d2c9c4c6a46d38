package logstore

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/pkg/types"
)

func TestTail_IncrementalReads(t *testing.T) {
	s := New(t.TempDir())
	s.Append("/tmp/demo", "s1", userRecord("u1", "before"))

	path := s.LogPath("/tmp/demo", "s1")
	tail, err := NewTailAtEnd(path)
	if err != nil {
		t.Fatalf("NewTailAtEnd failed: %v", err)
	}

	// Nothing new yet.
	records, err := tail.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no new records, got %v", uuids(records))
	}

	s.Append("/tmp/demo", "s1", userRecord("u2", "after"))
	s.Append("/tmp/demo", "s1", userRecord("u3", "after"))

	records, err = tail.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(records) != 2 || records[0].UUID != "u2" || records[1].UUID != "u3" {
		t.Errorf("Expected [u2 u3], got %v", uuids(records))
	}

	// Offset advanced: nothing more to read.
	records, _ = tail.Next()
	if len(records) != 0 {
		t.Errorf("Expected no records on second read, got %v", uuids(records))
	}
}

func TestTail_FromStart(t *testing.T) {
	s := New(t.TempDir())
	s.Append("/tmp/demo", "s1", userRecord("u1", "hello"))

	tail := NewTail(s.LogPath("/tmp/demo", "s1"))
	records, err := tail.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(records) != 1 || records[0].UUID != "u1" {
		t.Errorf("Expected [u1], got %v", uuids(records))
	}
}

func TestTail_PartialLineWaitsForNewline(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/s1.jsonl"

	tail := NewTail(path)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	f.WriteString(`{"type":"user","uuid":"u1"}` + "\n")
	f.WriteString(`{"type":"user","uuid":"u2"`) // no newline yet
	f.Sync()

	records, err := tail.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(records) != 1 || records[0].UUID != "u1" {
		t.Errorf("Expected only u1 committed, got %v", uuids(records))
	}

	f.WriteString("}\n")
	f.Close()

	records, err = tail.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(records) != 1 || records[0].UUID != "u2" {
		t.Errorf("Expected u2 after commit, got %v", uuids(records))
	}
}

func TestTail_MissingFile(t *testing.T) {
	tail := NewTail(t.TempDir() + "/never-created.jsonl")
	records, err := tail.Next()
	if err != nil {
		t.Fatalf("Next on missing file should not error, got: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records, got %v", uuids(records))
	}
}

func TestTail_TruncationResets(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/s1.jsonl"

	os.WriteFile(path, []byte(`{"type":"user","uuid":"u1"}`+"\n"+`{"type":"user","uuid":"u2"}`+"\n"), 0o644)

	tail := NewTail(path)
	if _, err := tail.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	// Rewrite the file shorter than the stored offset.
	os.WriteFile(path, []byte(`{"type":"user","uuid":"u9"}`+"\n"), 0o644)

	records, err := tail.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(records) != 1 || records[0].UUID != "u9" {
		t.Errorf("Expected reset read [u9], got %v", uuids(records))
	}
}

func TestTailSession_BusDriven(t *testing.T) {
	s := New(t.TempDir())
	bus := event.NewBus()
	defer bus.Close()

	s.Append("/tmp/demo", "s1", userRecord("u1", "pre-existing"))
	path := s.LogPath("/tmp/demo", "s1")

	var mu sync.Mutex
	var got []*types.Record
	stop, err := s.TailSession(bus, path, func(records []*types.Record) {
		mu.Lock()
		got = append(got, records...)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("TailSession failed: %v", err)
	}
	defer stop()

	s.Append("/tmp/demo", "s1", userRecord("u2", "new"))
	bus.PublishSync(event.Event{
		Type: event.FileChange,
		Data: event.FileChangeData{Path: path, Kind: event.FileKindWrite, FileType: event.FileTypeSession},
	})

	// Change events for other files are ignored.
	bus.PublishSync(event.Event{
		Type: event.FileChange,
		Data: event.FileChangeData{Path: "/elsewhere/x.jsonl", Kind: event.FileKindWrite, FileType: event.FileTypeSession},
	})

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Expected 1 tailed record, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].UUID != "u2" {
		t.Errorf("Expected tailed u2, got %s", got[0].UUID)
	}
}
