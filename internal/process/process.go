// Package process owns one running agent subprocess: its state machine, the
// queue drain loop, message history, and stream-event fan-out.
package process

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/logstore"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/pkg/types"
)

const (
	// DefaultAbortGrace is how long an aborting subprocess gets to flush
	// output before the signal escalates.
	DefaultAbortGrace = 2 * time.Second

	eventBuffer   = 256
	maxLineSize   = 8 * 1024 * 1024
	scanStartSize = 1024 * 1024
)

// Options configures a new Process.
type Options struct {
	ProjectPath string
	SessionID   string // temporary or resumed session id
	Provider    provider.Provider
	Store       *logstore.Store
	Bus         *event.Bus

	Mode        types.PermissionMode
	QueueCap    int
	AbortGrace  time.Duration
	IdleTimeout time.Duration // zero disables the idle abort

	// Resume passes the session id to the provider so the agent continues
	// the existing conversation.
	Resume bool

	// History preloads in-memory history on resume; the on-disk log is the
	// source.
	History []*types.Record

	ExtraArgs []string

	// OnTerminate runs after the process reaches a terminal state.
	OnTerminate func(p *Process)

	// OnSessionIDChanged runs when the agent reveals its own session id.
	OnSessionIDChanged func(p *Process, oldID, newID string)
}

type stagedMode struct {
	mode    types.PermissionMode
	version uint64
}

// Process is one running agent subprocess and its driver loop.
type Process struct {
	id          string
	projectPath string
	provider    provider.Provider
	store       *logstore.Store
	bus         *event.Bus
	log         zerolog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex

	queue   *Queue
	queueCh chan struct{}

	events chan *provider.Event

	abortOnce   sync.Once
	abortCh     chan struct{}
	abortReason string
	doneCh      chan struct{}

	abortGrace  time.Duration
	idleTimeout time.Duration
	idleTimer   *time.Timer

	onTerminate        func(p *Process)
	onSessionIDChanged func(p *Process, oldID, newID string)

	mu             sync.Mutex
	sessionID      string
	state          types.ProcessState
	mode           types.PermissionMode
	modeVersion    uint64
	staged         *stagedMode
	pendingRequest *types.ControlRequest
	pendingRename  string // old session id awaiting physical log rename

	history      []*types.Record
	streamChunks []*types.Record
	lastUUID     string

	formingUUID string
	formingText string

	dispatchedFirst bool

	listeners    map[uint64]Listener
	nextListener uint64
}

// Start launches the subprocess and its driver loop.
func Start(opts Options) (*Process, error) {
	if opts.Provider == nil || opts.Store == nil || opts.Bus == nil {
		return nil, fmt.Errorf("process: provider, store and bus are required")
	}
	if opts.SessionID == "" {
		return nil, fmt.Errorf("process: session id is required")
	}
	if opts.Mode == "" {
		opts.Mode = types.ModeDefault
	}
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = DefaultAbortGrace
	}

	startOpts := provider.StartOptions{
		Cwd:       opts.ProjectPath,
		Mode:      opts.Mode,
		ExtraArgs: opts.ExtraArgs,
	}
	if opts.Resume {
		startOpts.ResumeSessionID = opts.SessionID
	}
	bin, args := opts.Provider.Command(startOpts)

	cmd := exec.Command(bin, args...)
	cmd.Dir = opts.ProjectPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		id:                 ulid.Make().String(),
		projectPath:        opts.ProjectPath,
		provider:           opts.Provider,
		store:              opts.Store,
		bus:                opts.Bus,
		cmd:                cmd,
		stdin:              stdin,
		queue:              NewQueue(opts.QueueCap),
		queueCh:            make(chan struct{}, 1),
		events:             make(chan *provider.Event, eventBuffer),
		abortCh:            make(chan struct{}),
		doneCh:             make(chan struct{}),
		abortGrace:         opts.AbortGrace,
		idleTimeout:        opts.IdleTimeout,
		onTerminate:        opts.OnTerminate,
		onSessionIDChanged: opts.OnSessionIDChanged,
		sessionID:          opts.SessionID,
		state:              types.ProcessState{Kind: types.StateSpawning},
		mode:               opts.Mode,
		history:            append([]*types.Record(nil), opts.History...),
		listeners:          make(map[uint64]Listener),
	}
	p.log = logging.Component("process").With().
		Str("processId", p.id).
		Str("sessionId", p.sessionID).
		Logger()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	p.log.Info().Str("provider", opts.Provider.Name()).Str("cwd", opts.ProjectPath).Msg("subprocess started")

	go p.drainStderr(stderr)
	go p.read(stdout)
	go p.run()

	p.bus.Publish(event.Event{Type: event.SessionStatusChanged, Data: event.SessionStatusChangedData{
		SessionID: p.sessionID,
		Ownership: event.OwnershipOwned,
	}})
	return p, nil
}

// ID returns the process id.
func (p *Process) ID() string { return p.id }

// ProjectPath returns the project directory the subprocess runs in.
func (p *Process) ProjectPath() string { return p.projectPath }

// SessionID returns the current session id, which changes at most once.
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// State returns the current state.
func (p *Process) State() types.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mode returns the permission mode and its version.
func (p *Process) Mode() (types.PermissionMode, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode, p.modeVersion
}

// QueueLen returns the number of pending messages.
func (p *Process) QueueLen() int { return p.queue.Len() }

// MessageHistory returns committed records plus any in-flight stream chunks.
func (p *Process) MessageHistory() []*types.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Record, 0, len(p.history)+len(p.streamChunks))
	out = append(out, p.history...)
	out = append(out, p.streamChunks...)
	return out
}

// QueueMessage enqueues a user message and returns its queue position.
func (p *Process) QueueMessage(text string, attachments []types.Attachment) (types.QueuedMessage, int, error) {
	p.mu.Lock()
	terminal := p.state.Terminal()
	p.mu.Unlock()
	if terminal {
		return types.QueuedMessage{}, 0, ErrProcessTerminated
	}

	msg := types.QueuedMessage{
		ID:          ulid.Make().String(),
		Text:        text,
		Attachments: attachments,
		QueuedAt:    time.Now(),
	}
	pos, err := p.queue.Push(msg)
	if err != nil {
		return types.QueuedMessage{}, 0, err
	}
	select {
	case p.queueCh <- struct{}{}:
	default:
	}
	return msg, pos, nil
}

// SetPermissionMode changes the permission mode. Idle (or still-spawning)
// processes apply it immediately; an in-turn process stages it for the next
// idle transition. The returned version is echoed to subscribers when the
// change lands.
func (p *Process) SetPermissionMode(mode types.PermissionMode) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Terminal() {
		return 0, ErrProcessTerminated
	}
	p.modeVersion++
	version := p.modeVersion

	switch p.state.Kind {
	case types.StateIdle, types.StateSpawning:
		p.applyModeLocked(mode, version)
	default:
		p.staged = &stagedMode{mode: mode, version: version}
	}
	return version, nil
}

// RespondControl answers the pending control request, returning the process
// to its turn.
func (p *Process) RespondControl(requestID string, allow bool, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Terminal() {
		return ErrProcessTerminated
	}
	if p.state.Kind != types.StateWaitingInput || p.pendingRequest == nil || p.pendingRequest.ID != requestID {
		return ErrNoPendingRequest
	}

	data, err := p.provider.EncodeControlResponse(requestID, allow, message)
	if err != nil {
		return err
	}
	if err := p.writeLine(data); err != nil {
		return err
	}
	p.pendingRequest = nil
	p.setStateLocked(types.ProcessState{Kind: types.StateInTurn})
	return nil
}

// Abort signals the subprocess to terminate and blocks until teardown
// completes.
func (p *Process) Abort(reason string) {
	p.requestAbort(reason)
	<-p.doneCh
}

// Done returns a channel closed when the process reaches a terminal state.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// Subscribe registers a listener for process events.
func (p *Process) Subscribe(fn Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribeLocked(fn)
}

// SubscribeWithSnapshot atomically registers a listener and captures the
// current snapshot, so the caller misses no event between the two.
func (p *Process) SubscribeWithSnapshot(fn Listener) (Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	unsub := p.subscribeLocked(fn)
	return p.snapshotLocked(), unsub
}

func (p *Process) subscribeLocked(fn Listener) func() {
	p.nextListener++
	id := p.nextListener
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Process) snapshotLocked() Snapshot {
	history := make([]*types.Record, len(p.history))
	copy(history, p.history)
	return Snapshot{
		ProcessID:      p.id,
		SessionID:      p.sessionID,
		ProjectPath:    p.projectPath,
		State:          p.state,
		Mode:           p.mode,
		ModeVersion:    p.modeVersion,
		PendingRequest: p.pendingRequest,
		History:        history,
	}
}

// requestAbort arms the abort path once; the driver loop performs teardown.
func (p *Process) requestAbort(reason string) {
	p.abortOnce.Do(func() {
		p.mu.Lock()
		p.abortReason = reason
		p.mu.Unlock()
		close(p.abortCh)
	})
}

// read pumps normalized subprocess events into the driver loop. Malformed
// lines are logged and skipped.
func (p *Process) read(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanStartSize), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := p.provider.NormalizeEvent(line)
		if err != nil {
			p.log.Warn().Err(err).Msg("skipping malformed subprocess line")
			continue
		}
		if ev.Kind == provider.EventIgnored {
			continue
		}
		p.events <- ev
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn().Err(err).Msg("subprocess output read failed")
	}
	close(p.events)
}

func (p *Process) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), scanStartSize)
	for scanner.Scan() {
		p.log.Debug().Str("stderr", scanner.Text()).Msg("subprocess stderr")
	}
}

// run is the driver loop: it selects over subprocess events, queued
// messages, the abort signal, and the idle deadline.
func (p *Process) run() {
	defer close(p.doneCh)

	for {
		var idleC <-chan time.Time
		if p.idleTimer != nil {
			idleC = p.idleTimer.C
		}
		select {
		case ev, ok := <-p.events:
			if !ok {
				p.finishExited()
				return
			}
			p.handleProviderEvent(ev)
		case <-p.queueCh:
			p.maybeDispatch()
		case <-p.abortCh:
			p.finishAborted()
			return
		case <-idleC:
			p.requestAbort("idle-timeout")
		}
	}
}

func (p *Process) handleProviderEvent(ev *provider.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case provider.EventInit:
		if ev.SessionID != "" && ev.SessionID != p.sessionID {
			p.promoteLocked(ev.SessionID)
		}
		p.commitLocked(&types.Record{
			Type:    types.RecordTypeSystem,
			Subtype: types.SystemSubtypeInit,
			Cwd:     ev.Cwd,
			Version: ev.Version,
		})

	case provider.EventStream:
		p.enterTurnLocked()
		p.accumulateLocked(ev.Raw)
		chunk := &types.Record{
			Type:      types.RecordTypeStreamEvent,
			SessionID: p.sessionID,
			Timestamp: time.Now(),
			Event:     ev.Raw,
		}
		if err := p.store.Append(p.projectPath, p.sessionID, chunk); err != nil {
			p.fatalIOLocked(err)
			return
		}
		p.streamChunks = append(p.streamChunks, chunk)
		p.emitLocked(Event{Kind: EventStreamEvent, Raw: ev.Raw})

	case provider.EventMessage:
		p.enterTurnLocked()
		if ev.Record.Type == types.RecordTypeAssistant {
			// The provider sealed the forming message itself.
			p.formingUUID = ""
			p.formingText = ""
			p.streamChunks = nil
		}
		p.commitLocked(ev.Record)

	case provider.EventControlRequest:
		p.pendingRequest = ev.Request
		p.setStateLocked(types.ProcessState{Kind: types.StateWaitingInput, Request: ev.Request})

	case provider.EventResult:
		p.sealFormingLocked()
		if ev.Record != nil {
			p.commitLocked(ev.Record)
		}
		p.goIdleLocked()
	}
}

// enterTurnLocked moves a spawning process into its first turn.
func (p *Process) enterTurnLocked() {
	if p.state.Kind == types.StateSpawning {
		p.setStateLocked(types.ProcessState{Kind: types.StateInTurn})
	}
}

// accumulateLocked folds a text delta into the forming assistant message.
func (p *Process) accumulateLocked(raw []byte) {
	var delta struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(raw, &delta); err != nil {
		return
	}
	if delta.Type != "content_block_delta" || delta.Delta.Type != "text_delta" {
		return
	}
	if p.formingUUID == "" {
		p.formingUUID = uuid.NewString()
	}
	p.formingText += delta.Delta.Text
}

// sealFormingLocked commits the accumulated deltas as one assistant record
// when the provider did not seal the message itself.
func (p *Process) sealFormingLocked() {
	if p.formingText == "" {
		p.formingUUID = ""
		p.streamChunks = nil
		return
	}
	rec := &types.Record{
		Type: types.RecordTypeAssistant,
		UUID: p.formingUUID,
		Message: &types.MessageBody{
			Role:    "assistant",
			Content: types.BlockList{&types.TextBlock{Type: "text", Text: p.formingText}},
		},
	}
	p.formingUUID = ""
	p.formingText = ""
	p.streamChunks = nil
	p.commitLocked(rec)
}

// commitLocked finalizes a record, appends it to the session log and
// in-memory history, and notifies subscribers. A log write failure is fatal.
func (p *Process) commitLocked(rec *types.Record) {
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if rec.ParentUUID == nil && p.lastUUID != "" {
		parent := p.lastUUID
		rec.ParentUUID = &parent
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.SessionID = p.sessionID

	if err := p.store.Append(p.projectPath, p.sessionID, rec); err != nil {
		p.fatalIOLocked(err)
		return
	}
	p.lastUUID = rec.UUID
	p.history = append(p.history, rec)
	p.emitLocked(Event{Kind: EventMessage, Record: rec})
}

// promoteLocked swaps the temporary session id for the agent-reported one.
// The physical log rename is deferred until the next idle transition; an
// alias keeps both ids readable and writes flowing to the old file.
func (p *Process) promoteLocked(newID string) {
	oldID := p.sessionID
	oldPath := p.store.LogPath(p.projectPath, oldID)
	p.store.SetAlias(newID, oldPath)

	// Manifest line recording the planned rename, written under the old id.
	manifest := &types.Record{
		Type:      types.RecordTypeQueueOperation,
		Operation: "rename",
		Detail:    newID,
		SessionID: oldID,
		Timestamp: time.Now(),
	}
	if err := p.store.Append(p.projectPath, oldID, manifest); err != nil {
		p.log.Warn().Err(err).Msg("failed to write rename manifest")
	}

	p.sessionID = newID
	p.pendingRename = oldID
	p.log = p.log.With().Str("sessionId", newID).Logger()
	p.log.Info().Str("oldSessionId", oldID).Msg("session id promoted")

	p.emitLocked(Event{Kind: EventSessionIDChanged, OldSessionID: oldID, NewSessionID: newID})
	if p.onSessionIDChanged != nil {
		cb := p.onSessionIDChanged
		go cb(p, oldID, newID)
	}
}

// goIdleLocked finishes a turn: staged mode applies first, then the deferred
// rename, then the next queued message (which runs under the new mode).
func (p *Process) goIdleLocked() {
	now := time.Now()
	p.setStateLocked(types.ProcessState{Kind: types.StateIdle, Since: &now})

	if p.staged != nil {
		staged := p.staged
		p.staged = nil
		p.applyModeLocked(staged.mode, staged.version)
	}

	if p.pendingRename != "" {
		if err := p.store.Rename(p.projectPath, p.pendingRename, p.sessionID); err != nil {
			p.log.Warn().Err(err).Msg("deferred log rename failed; alias stays active")
		} else {
			p.pendingRename = ""
		}
	}

	if p.idleTimeout > 0 {
		if p.idleTimer != nil {
			p.idleTimer.Stop()
		}
		p.idleTimer = time.NewTimer(p.idleTimeout)
	}

	p.dispatchLocked()
}

// maybeDispatch injects the next queued message when the process can accept
// one.
func (p *Process) maybeDispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatchLocked()
}

func (p *Process) dispatchLocked() {
	switch p.state.Kind {
	case types.StateIdle:
	case types.StateSpawning:
		if p.dispatchedFirst {
			return
		}
	default:
		return
	}

	msg, ok := p.queue.Pop()
	if !ok {
		return
	}

	data, err := p.provider.EncodeUserMessage(msg)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to encode user message")
		return
	}
	if err := p.writeLine(data); err != nil {
		p.fatalIOLocked(err)
		return
	}
	p.dispatchedFirst = true

	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}

	p.commitLocked(&types.Record{
		Type: types.RecordTypeUser,
		UUID: msg.ID,
		Message: &types.MessageBody{
			Role:    "user",
			Content: types.BlockList{&types.TextBlock{Type: "text", Text: msg.Text}},
		},
	})
	p.setStateLocked(types.ProcessState{Kind: types.StateInTurn})
}

func (p *Process) applyModeLocked(mode types.PermissionMode, version uint64) {
	p.mode = mode
	if data, err := p.provider.EncodeSetMode(ulid.Make().String(), mode); err == nil {
		if err := p.writeLine(data); err != nil {
			p.log.Warn().Err(err).Msg("failed to send mode change to subprocess")
		}
	}
	p.emitLocked(Event{Kind: EventModeChange, Mode: mode, ModeVersion: version})
	p.bus.Publish(event.Event{Type: event.ModeChange, Data: event.ModeChangeData{
		ProcessID:   p.id,
		SessionID:   p.sessionID,
		Mode:        mode,
		ModeVersion: version,
	}})
}

// writeLine writes one protocol line to the subprocess stdin.
func (p *Process) writeLine(data []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("subprocess stdin: %w", err)
	}
	return nil
}

// fatalIOLocked aborts the process after an unrecoverable I/O error.
func (p *Process) fatalIOLocked(err error) {
	p.log.Error().Err(err).Msg("fatal process I/O error")
	p.emitLocked(Event{Kind: EventError, Err: err.Error()})
	go p.requestAbort("log-write-failed")
}

// finishExited handles the subprocess exiting on its own.
func (p *Process) finishExited() {
	err := p.cmd.Wait()
	code := exitCode(err)

	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}

	// Queued messages that will never run get a not-delivered marker; they
	// are not retried.
	for _, msg := range p.queue.Clear() {
		marker := &types.Record{
			Type:      types.RecordTypeQueueOperation,
			Operation: "not-delivered",
			Detail:    msg.ID,
			SessionID: p.sessionID,
			Timestamp: time.Now(),
		}
		if err := p.store.Append(p.projectPath, p.sessionID, marker); err != nil {
			p.log.Warn().Err(err).Msg("failed to record not-delivered marker")
		}
	}

	if code != 0 {
		p.emitLocked(Event{Kind: EventError, Err: fmt.Sprintf("subprocess exited with code %d", code)})
	}
	p.setStateLocked(types.ProcessState{Kind: types.StateExited, ExitCode: &code})
	p.emitLocked(Event{Kind: EventComplete})
	p.mu.Unlock()

	p.log.Info().Int("exitCode", code).Msg("subprocess exited")
	p.released()
}

// finishAborted tears the subprocess down: SIGTERM, drain output within the
// grace window, then SIGKILL.
func (p *Process) finishAborted() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(p.abortGrace)
	defer timer.Stop()
	killed := false
drain:
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				break drain
			}
			p.handleProviderEvent(ev)
		case <-timer.C:
			if !killed && p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
				killed = true
			}
		}
	}
	_ = p.cmd.Wait()

	p.mu.Lock()
	reason := p.abortReason
	p.queue.Clear()
	p.setStateLocked(types.ProcessState{Kind: types.StateAborted, Reason: reason})
	p.emitLocked(Event{Kind: EventComplete})
	p.mu.Unlock()

	p.log.Info().Str("reason", reason).Bool("escalated", killed).Msg("subprocess aborted")
	p.released()
}

func (p *Process) released() {
	p.bus.Publish(event.Event{Type: event.SessionStatusChanged, Data: event.SessionStatusChangedData{
		SessionID: p.SessionID(),
		Ownership: event.OwnershipReleased,
	}})
	if p.onTerminate != nil {
		p.onTerminate(p)
	}
}

// setStateLocked transitions the state machine and notifies subscribers and
// the bus.
func (p *Process) setStateLocked(state types.ProcessState) {
	p.state = state
	stateCopy := state
	p.emitLocked(Event{Kind: EventStateChange, State: &stateCopy})
	p.bus.Publish(event.Event{Type: event.ProcessStateChanged, Data: event.ProcessStateChangedData{
		ProcessID: p.id,
		SessionID: p.sessionID,
		State:     state,
	}})
}

// emitLocked delivers an event to every listener under the state mutex, so
// each listener sees events in the order the process produced them.
// Listeners are non-blocking by contract.
func (p *Process) emitLocked(ev Event) {
	for _, fn := range p.listeners {
		fn(ev)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
