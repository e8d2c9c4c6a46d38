package logstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/pkg/types"
)

var (
	ErrNotFound = errors.New("session log not found")
)

// maxRecordSize bounds a single log line. Provider events can carry large
// tool outputs, so this is generous.
const maxRecordSize = 4 * 1024 * 1024

// Store owns the on-disk append-only session logs under one root directory
// (usually dataDir/projects). One log file per (projectPath, sessionId).
type Store struct {
	root string

	mu      sync.RWMutex
	locks   map[string]*FileLock
	aliases map[string]string // sessionId -> log path, set during id promotion
}

// New creates a Store rooted at the given directory.
func New(root string) *Store {
	return &Store{
		root:    root,
		locks:   make(map[string]*FileLock),
		aliases: make(map[string]string),
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectDirName flattens an absolute path into the directory name that holds
// the project's session logs ("/tmp/demo" -> "-tmp-demo").
func ProjectDirName(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch r {
		case '/', '\\', '.', ':', ' ':
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ProjectDir returns the log directory for a project path.
func (s *Store) ProjectDir(projectPath string) string {
	return filepath.Join(s.root, ProjectDirName(projectPath))
}

// LogPath resolves the log file path for a session. Aliases set during id
// promotion take precedence, so reads under the new id keep working while the
// physical rename is still pending.
func (s *Store) LogPath(projectPath, sessionID string) string {
	s.mu.RLock()
	alias, ok := s.aliases[sessionID]
	s.mu.RUnlock()
	if ok {
		return alias
	}
	return filepath.Join(s.ProjectDir(projectPath), sessionID+".jsonl")
}

// SetAlias points reads for sessionID at an existing log file.
func (s *Store) SetAlias(sessionID, logPath string) {
	s.mu.Lock()
	s.aliases[sessionID] = logPath
	s.mu.Unlock()
}

// ClearAlias removes a session alias.
func (s *Store) ClearAlias(sessionID string) {
	s.mu.Lock()
	delete(s.aliases, sessionID)
	s.mu.Unlock()
}

// Append serializes the record and appends it with a trailing newline under
// the file's write lock. The write is a single write(2) call, so readers
// observe either the whole line with its newline (committed) or a partial
// line they must ignore.
func (s *Store) Append(projectPath, sessionID string, rec *types.Record) error {
	path := s.LogPath(projectPath, sessionID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	line := append(data, '\n')

	lock := s.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire log lock: %w", err)
	}
	defer lock.Unlock()

	// Conversation logs are private state like the auth file: owner-only.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// Read returns the committed records of a session log, in file order.
// Book-keeping records and stream-event chunks are filtered out: replay works
// from sealed records only. afterID truncates the result to records after the
// given uuid; an unknown afterID returns everything (documented fallback).
func (s *Store) Read(logPath, afterID string) ([]*types.Record, error) {
	records, err := readRecords(logPath)
	if err != nil {
		return nil, err
	}

	visible := records[:0]
	for _, rec := range records {
		if rec.IsBookkeeping() || rec.Type == types.RecordTypeStreamEvent {
			continue
		}
		visible = append(visible, rec)
	}

	if afterID == "" {
		return visible, nil
	}
	for i, rec := range visible {
		if rec.UUID != "" && rec.UUID == afterID {
			return visible[i+1:], nil
		}
	}
	return visible, nil
}

// ReadSession is Read keyed by (projectPath, sessionID).
func (s *Store) ReadSession(projectPath, sessionID, afterID string) ([]*types.Record, error) {
	return s.Read(s.LogPath(projectPath, sessionID), afterID)
}

// readRecords parses every committed line of a log file. Malformed lines are
// logged and skipped; a partial last line (no trailing newline yet) is not a
// committed record and is excluded.
func readRecords(path string) ([]*types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	var (
		records []*types.Record
		line    []byte
	)
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		chunk, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// No trailing newline: in-flight record, ignore it.
			break
		}
		if err != nil {
			return records, fmt.Errorf("failed to read log: %w", err)
		}
		line = chunk[:len(chunk)-1]
		if len(line) == 0 {
			continue
		}
		if len(line) > maxRecordSize {
			logging.Warn().Str("path", path).Int("bytes", len(line)).Msg("oversized log record skipped")
			continue
		}
		var rec types.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			logging.Warn().Str("path", path).Err(err).Msg("malformed log record skipped")
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Rename moves a session log to its promoted id and drops the alias. Callers
// hold off until the owning process is idle; in the meantime the alias keeps
// both ids readable.
func (s *Store) Rename(projectPath, oldID, newID string) error {
	oldPath := filepath.Join(s.ProjectDir(projectPath), oldID+".jsonl")
	newPath := filepath.Join(s.ProjectDir(projectPath), newID+".jsonl")

	lock := s.getLock(oldPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire log lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename log: %w", err)
	}
	s.ClearAlias(newID)
	return nil
}

// Sessions lists session metadata for every log file in the given directories,
// newest first. Directories that do not exist are skipped.
func (s *Store) Sessions(projectPath string, dirs ...string) ([]types.SessionMeta, error) {
	var sessions []types.SessionMeta
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read session directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			meta := s.sessionMeta(filepath.Join(dir, name), strings.TrimSuffix(name, ".jsonl"), projectPath)
			sessions = append(sessions, meta)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastTimestamp.After(sessions[j].LastTimestamp)
	})
	return sessions, nil
}

// FindSession locates one session's log across the given directories.
func (s *Store) FindSession(sessionID, projectPath string, dirs ...string) (types.SessionMeta, error) {
	s.mu.RLock()
	alias, aliased := s.aliases[sessionID]
	s.mu.RUnlock()
	if aliased {
		return s.sessionMeta(alias, sessionID, projectPath), nil
	}

	for _, dir := range dirs {
		path := filepath.Join(dir, sessionID+".jsonl")
		if _, err := os.Stat(path); err == nil {
			return s.sessionMeta(path, sessionID, projectPath), nil
		}
	}
	return types.SessionMeta{}, ErrNotFound
}

// sessionMeta builds listing metadata from one log file.
func (s *Store) sessionMeta(path, sessionID, projectPath string) types.SessionMeta {
	meta := types.SessionMeta{
		SessionID:   sessionID,
		ProjectPath: projectPath,
		LogPath:     path,
	}

	if info, err := os.Stat(path); err == nil {
		meta.LastTimestamp = info.ModTime()
	}

	records, err := readRecords(path)
	if err != nil {
		return meta
	}
	meta.RecordCount = len(records)
	for _, rec := range records {
		if !rec.Timestamp.IsZero() {
			meta.FirstTimestamp = rec.Timestamp
			break
		}
	}
	if len(records) > 0 {
		if last := records[len(records)-1]; !last.Timestamp.IsZero() {
			meta.LastTimestamp = last.Timestamp
		}
	}
	for _, rec := range records {
		if rec.Type == types.RecordTypeUser && rec.Message != nil {
			meta.Preview = preview(rec.Message.Text())
			break
		}
	}
	return meta
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > 80 {
		return string(runes[:80])
	}
	return text
}

// getLock returns the write lock for a log path.
func (s *Store) getLock(path string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[path]
	if !ok {
		lock = NewFileLock(path)
		s.locks[path] = lock
	}
	return lock
}
