package project

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logstore"
	"github.com/wardenhq/warden/pkg/types"
)

// Service serves project listings from a TTL-bounded snapshot of the
// scan. Session file changes on the bus invalidate the snapshot early;
// concurrent refreshes coalesce into a single in-flight scan.
type Service struct {
	scanner *Scanner
	store   *logstore.Store
	ttl     time.Duration

	mu      sync.Mutex
	cached  []types.Project
	takenAt time.Time

	flight      singleflight.Group
	unsubscribe func()
}

// NewService creates the project index over a log store. When bus is
// non-nil the snapshot is invalidated by session file changes.
func NewService(store *logstore.Store, bus *event.Bus, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	s := &Service{
		scanner: NewScanner(store.Root()),
		store:   store,
		ttl:     ttl,
	}
	if bus != nil {
		s.unsubscribe = bus.Subscribe(event.FileChange, func(e event.Event) {
			data, ok := e.Data.(event.FileChangeData)
			if !ok {
				return
			}
			if data.FileType == event.FileTypeSession || data.FileType == event.FileTypeAgentSession {
				s.Invalidate()
			}
		})
	}
	return s
}

// Close detaches the service from the bus.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// List returns the current project snapshot, rescanning when the TTL has
// lapsed or the snapshot was invalidated.
func (s *Service) List(ctx context.Context) ([]types.Project, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.takenAt) < s.ttl {
		out := make([]types.Project, len(s.cached))
		copy(out, s.cached)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	result, err, _ := s.flight.Do("scan", func() (any, error) {
		projects, err := s.scanner.Scan()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cached = projects
		s.takenAt = time.Now()
		s.mu.Unlock()
		return projects, nil
	})
	if err != nil {
		return nil, err
	}

	projects := result.([]types.Project)
	out := make([]types.Project, len(projects))
	copy(out, projects)
	return out, nil
}

// Invalidate drops the snapshot so the next List rescans.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.takenAt = time.Time{}
	s.mu.Unlock()
}

// Get returns one indexed project by its URL id.
func (s *Service) Get(ctx context.Context, projectID string) (*types.Project, error) {
	path, err := types.DecodeProjectID(projectID)
	if err != nil {
		return nil, err
	}
	projects, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].Path == path {
			return &projects[i], nil
		}
	}
	return nil, logstore.ErrNotFound
}

// Resolve returns the project for an id even when it has no sessions
// yet, synthesizing metadata from the decoded path. Starting the first
// session of a project goes through here.
func (s *Service) Resolve(ctx context.Context, projectID string) (*types.Project, error) {
	p, err := s.Get(ctx, projectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, logstore.ErrNotFound) {
		return nil, err
	}

	path, err := types.DecodeProjectID(projectID)
	if err != nil {
		return nil, err
	}
	return &types.Project{
		ID:         projectID,
		Name:       filepath.Base(path),
		Path:       path,
		SessionDir: s.store.ProjectDir(path),
	}, nil
}

// Sessions lists the sessions of one project across its merged
// directories, newest first.
func (s *Service) Sessions(ctx context.Context, projectID string) ([]types.SessionMeta, error) {
	p, err := s.Resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.store.Sessions(p.Path, p.AllSessionDirs()...)
}

// FindSession locates one session of a project.
func (s *Service) FindSession(ctx context.Context, projectID, sessionID string) (types.SessionMeta, error) {
	p, err := s.Resolve(ctx, projectID)
	if err != nil {
		return types.SessionMeta{}, err
	}
	return s.store.FindSession(sessionID, p.Path, p.AllSessionDirs()...)
}

// Recent returns the newest sessions across every project.
func (s *Service) Recent(ctx context.Context, limit int) ([]types.SessionMeta, error) {
	projects, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var all []types.SessionMeta
	for i := range projects {
		sessions, err := s.store.Sessions(projects[i].Path, projects[i].AllSessionDirs()...)
		if err != nil {
			continue
		}
		all = append(all, sessions...)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastTimestamp.After(all[j].LastTimestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
