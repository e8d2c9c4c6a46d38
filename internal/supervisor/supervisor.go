// Package supervisor owns the map of running agent processes, admission
// control, and session resume.
package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/logstore"
	"github.com/wardenhq/warden/internal/process"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/pkg/types"
)

var (
	// ErrQueueFull is returned when the admission queue cannot take
	// another start request.
	ErrQueueFull = errors.New("admission queue full")

	// ErrNotFound is returned for unknown process or session ids.
	ErrNotFound = errors.New("process not found")
)

// Config tunes admission and per-process behavior.
type Config struct {
	// PerProjectCap bounds concurrently running processes per project.
	PerProjectCap int

	// MaxQueueSize bounds the admission waiting queue.
	MaxQueueSize int

	// MessageQueueCap bounds each process's pending-message queue.
	MessageQueueCap int

	AbortGrace  time.Duration
	IdleTimeout time.Duration
}

// TicketStatus is the lifecycle of one queued start request.
type TicketStatus string

const (
	TicketWaiting   TicketStatus = "waiting"
	TicketStarted   TicketStatus = "started"
	TicketCancelled TicketStatus = "cancelled"
)

// Ticket is a queued start request held until a project slot frees.
type Ticket struct {
	ID          string       `json:"queueId"`
	ProjectPath string       `json:"projectPath"`
	Status      TicketStatus `json:"status"`
	ProcessID   string       `json:"processId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`

	opts StartOptions
}

// StartOptions describes one session start request.
type StartOptions struct {
	ProjectPath string
	Message     string
	Attachments []types.Attachment
	Mode        types.PermissionMode
	Provider    string
	ExtraArgs   []string
}

// StartResult is either a running process or an admission queue ticket.
type StartResult struct {
	Process  *process.Process
	Queued   bool
	QueueID  string
	Position int
}

// Supervisor owns every running process, keyed both by process id and by
// session id.
type Supervisor struct {
	store    *logstore.Store
	bus      *event.Bus
	registry *provider.Registry
	cfg      Config
	log      zerolog.Logger

	mu          sync.Mutex
	byProcessID map[string]*process.Process
	bySessionID map[string]*process.Process
	waiting     []*Ticket
	tickets     map[string]*Ticket
	closed      bool
}

// New creates a supervisor.
func New(store *logstore.Store, bus *event.Bus, registry *provider.Registry, cfg Config) *Supervisor {
	if cfg.PerProjectCap <= 0 {
		cfg.PerProjectCap = 3
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	return &Supervisor{
		store:       store,
		bus:         bus,
		registry:    registry,
		cfg:         cfg,
		log:         logging.Component("supervisor"),
		byProcessID: make(map[string]*process.Process),
		bySessionID: make(map[string]*process.Process),
		tickets:     make(map[string]*Ticket),
	}
}

// StartSession starts a new process for the project, or queues the request
// when the project's concurrency cap is reached.
func (s *Supervisor) StartSession(opts StartOptions) (*StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("supervisor is shut down")
	}

	if s.runningForProjectLocked(opts.ProjectPath) >= s.cfg.PerProjectCap {
		if len(s.waiting) >= s.cfg.MaxQueueSize {
			return nil, ErrQueueFull
		}
		ticket := &Ticket{
			ID:          ulid.Make().String(),
			ProjectPath: opts.ProjectPath,
			Status:      TicketWaiting,
			CreatedAt:   time.Now(),
			opts:        opts,
		}
		s.waiting = append(s.waiting, ticket)
		s.tickets[ticket.ID] = ticket
		position := s.projectQueuePositionLocked(ticket)
		s.log.Info().Str("queueId", ticket.ID).Str("project", opts.ProjectPath).Int("position", position).Msg("start request queued")
		return &StartResult{Queued: true, QueueID: ticket.ID, Position: position}, nil
	}

	p, err := s.spawnLocked(opts, "tmp-"+ulid.Make().String(), false, nil)
	if err != nil {
		return nil, err
	}
	return &StartResult{Process: p}, nil
}

// ResumeSession reuses the live process for a session, or starts a new one
// bound to the id with the on-disk history replayed into memory.
func (s *Supervisor) ResumeSession(sessionID, projectPath, message string, opts StartOptions) (*process.Process, error) {
	s.mu.Lock()
	if p, ok := s.bySessionID[sessionID]; ok && !p.State().Terminal() {
		s.mu.Unlock()
		if message != "" {
			if _, _, err := p.QueueMessage(message, opts.Attachments); err != nil {
				return nil, err
			}
		}
		return p, nil
	}

	history, err := s.store.ReadSession(projectPath, sessionID, "")
	if err != nil && !errors.Is(err, logstore.ErrNotFound) {
		s.mu.Unlock()
		return nil, err
	}

	opts.ProjectPath = projectPath
	opts.Message = message
	p, err := s.spawnLocked(opts, sessionID, true, history)
	s.mu.Unlock()
	return p, err
}

// spawnLocked launches a process and indexes it.
func (s *Supervisor) spawnLocked(opts StartOptions, sessionID string, resume bool, history []*types.Record) (*process.Process, error) {
	prov, err := s.registry.Get(opts.Provider)
	if err != nil {
		return nil, err
	}

	p, err := process.Start(process.Options{
		ProjectPath:        opts.ProjectPath,
		SessionID:          sessionID,
		Provider:           prov,
		Store:              s.store,
		Bus:                s.bus,
		Mode:               opts.Mode,
		QueueCap:           s.cfg.MessageQueueCap,
		AbortGrace:         s.cfg.AbortGrace,
		IdleTimeout:        s.cfg.IdleTimeout,
		Resume:             resume,
		History:            history,
		ExtraArgs:          opts.ExtraArgs,
		OnTerminate:        s.handleTerminate,
		OnSessionIDChanged: s.handleSessionIDChanged,
	})
	if err != nil {
		return nil, err
	}

	s.byProcessID[p.ID()] = p
	s.bySessionID[sessionID] = p

	if !resume {
		s.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{
			SessionID:   sessionID,
			ProjectPath: opts.ProjectPath,
		}})
	}

	if opts.Message != "" {
		if _, _, err := p.QueueMessage(opts.Message, opts.Attachments); err != nil {
			s.log.Warn().Err(err).Str("processId", p.ID()).Msg("failed to queue initial message")
		}
	}
	return p, nil
}

// AbortProcess aborts a process and waits for teardown. It reports whether
// the process existed.
func (s *Supervisor) AbortProcess(processID, reason string) bool {
	s.mu.Lock()
	p, ok := s.byProcessID[processID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "user-request"
	}
	p.Abort(reason)
	return true
}

// CancelTicket withdraws a queued start request.
func (s *Supervisor) CancelTicket(queueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[queueID]
	if !ok || ticket.Status != TicketWaiting {
		return false
	}
	ticket.Status = TicketCancelled
	for i, t := range s.waiting {
		if t.ID == queueID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	return true
}

// Ticket returns the state of a queued start request.
func (s *Supervisor) Ticket(queueID string) (*Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[queueID]
	if !ok {
		return nil, false
	}
	copied := *t
	return &copied, true
}

// GetProcess returns a process by id.
func (s *Supervisor) GetProcess(processID string) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byProcessID[processID]
	return p, ok
}

// GetProcessForSession returns the process owning a session.
func (s *Supervisor) GetProcessForSession(sessionID string) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.bySessionID[sessionID]
	return p, ok
}

// AllProcesses returns every owned process.
func (s *Supervisor) AllProcesses() []*process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*process.Process, 0, len(s.byProcessID))
	for _, p := range s.byProcessID {
		out = append(out, p)
	}
	return out
}

// Shutdown aborts every process and rejects further starts.
func (s *Supervisor) Shutdown(reason string) {
	s.mu.Lock()
	s.closed = true
	procs := make([]*process.Process, 0, len(s.byProcessID))
	for _, p := range s.byProcessID {
		procs = append(procs, p)
	}
	s.waiting = nil
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *process.Process) {
			defer wg.Done()
			p.Abort(reason)
		}(p)
	}
	wg.Wait()
}

// handleTerminate removes a terminal process from both indices and admits
// waiting tickets that now fit.
func (s *Supervisor) handleTerminate(p *process.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byProcessID, p.ID())
	if owner, ok := s.bySessionID[p.SessionID()]; ok && owner == p {
		delete(s.bySessionID, p.SessionID())
	}

	if s.closed {
		return
	}

	// FIFO scan: the freed slot belongs to the oldest ticket that fits.
	remaining := s.waiting[:0]
	for _, ticket := range s.waiting {
		if ticket.Status == TicketWaiting && s.runningForProjectLocked(ticket.ProjectPath) < s.cfg.PerProjectCap {
			started, err := s.spawnLocked(ticket.opts, "tmp-"+ulid.Make().String(), false, nil)
			if err != nil {
				s.log.Error().Err(err).Str("queueId", ticket.ID).Msg("queued start failed")
				ticket.Status = TicketCancelled
				continue
			}
			ticket.Status = TicketStarted
			ticket.ProcessID = started.ID()
			continue
		}
		remaining = append(remaining, ticket)
	}
	s.waiting = remaining
}

// handleSessionIDChanged swaps the bySessionID key atomically when the agent
// reveals its own session id.
func (s *Supervisor) handleSessionIDChanged(p *process.Process, oldID, newID string) {
	s.mu.Lock()
	if owner, ok := s.bySessionID[oldID]; ok && owner == p {
		delete(s.bySessionID, oldID)
	}
	s.bySessionID[newID] = p
	s.mu.Unlock()

	s.bus.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{
		SessionID:    newID,
		OldSessionID: oldID,
		ProjectPath:  p.ProjectPath(),
	}})
}

func (s *Supervisor) runningForProjectLocked(projectPath string) int {
	n := 0
	for _, p := range s.byProcessID {
		if p.ProjectPath() == projectPath && !p.State().Terminal() {
			n++
		}
	}
	return n
}

// projectQueuePositionLocked counts waiting tickets for the same project
// ahead of this one.
func (s *Supervisor) projectQueuePositionLocked(ticket *Ticket) int {
	pos := 0
	for _, t := range s.waiting {
		if t.ID == ticket.ID {
			break
		}
		if t.ProjectPath == ticket.ProjectPath && t.Status == TicketWaiting {
			pos++
		}
	}
	return pos
}
