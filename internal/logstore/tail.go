package logstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/pkg/types"
)

// Tail incrementally reads newly committed records from one session log. The
// reader remembers its byte offset; each Next call returns the records whose
// trailing newline landed since the previous call.
type Tail struct {
	path   string
	offset int64
	mu     sync.Mutex
}

// NewTail creates a tail reader starting at the beginning of the file, so the
// first Next returns every committed record.
func NewTail(path string) *Tail {
	return &Tail{path: path}
}

// NewTailAtEnd creates a tail reader positioned at the current end of the
// file, so Next returns only records committed afterwards. A missing file is
// fine: the offset starts at zero.
func NewTailAtEnd(path string) (*Tail, error) {
	t := &Tail{path: path}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, err
	}
	t.offset = info.Size()
	return t, nil
}

// Next reads from the stored offset to EOF and returns the newly committed
// records. The offset advances past the last complete line only; a partial
// trailing line is re-read on the next call once its newline arrives. A file
// that shrank (rotation, truncation) resets the reader to the start.
func (t *Tail) Next() ([]*types.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek log: %w", err)
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}

	// Only lines with their newline on disk are committed.
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil, nil
	}
	committed := buf[:end+1]
	t.offset += int64(len(committed))

	var records []*types.Record
	for _, line := range bytes.Split(committed, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var rec types.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			logging.Warn().Str("path", t.path).Err(err).Msg("malformed log record skipped")
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Offset returns the reader's current byte offset.
func (t *Tail) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// TailSession wires a tail reader to the event bus: every file-change event
// for the given log path triggers an incremental read, and fn receives any
// newly committed records. The returned stop function unsubscribes.
func (s *Store) TailSession(bus *event.Bus, logPath string, fn func([]*types.Record)) (func(), error) {
	tail, err := NewTailAtEnd(logPath)
	if err != nil {
		return nil, err
	}

	unsub := bus.Subscribe(event.FileChange, func(e event.Event) {
		data, ok := e.Data.(event.FileChangeData)
		if !ok || data.Path != logPath {
			return
		}
		records, err := tail.Next()
		if err != nil {
			logging.Warn().Str("path", logPath).Err(err).Msg("tail read failed")
			return
		}
		if len(records) > 0 {
			fn(records)
		}
	})
	return unsub, nil
}
