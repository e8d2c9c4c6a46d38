/*
Package event provides the process-wide pub/sub bus for the warden server.

The bus decouples the supervisor, the session log store, the project index and
the HTTP/relay surfaces: publishers emit typed events and subscribers react to
them without direct dependencies.

# Architecture

The package is built on top of watermill's gochannel for infrastructure while
maintaining direct-call semantics to preserve type information. It provides
both synchronous and asynchronous event publishing patterns.

# Event Types

The event union is closed:

  - file-change: a session log or provider file changed on disk
    (data: FileChangeData{path, kind, fileType})
  - process-state-changed: a process moved through its state machine
    (data: ProcessStateChangedData)
  - session-status-changed: a session gained or lost a live owning process
    (data: SessionStatusChangedData)
  - session-created: a new session log came into existence
  - session-updated: session metadata changed, including id promotion
    (data: SessionUpdatedData, OldSessionID set on promotion)
  - mode-change: a process permission mode changed
    (data: ModeChangeData with the monotone modeVersion)

# Basic Usage

Publishing events:

	// Asynchronous publishing (non-blocking)
	bus.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{SessionID: id, ProjectPath: path},
	})

	// Synchronous publishing (blocking until all subscribers complete)
	bus.PublishSync(event.Event{
		Type: event.FileChange,
		Data: event.FileChangeData{Path: p, Kind: event.FileKindWrite, FileType: event.FileTypeSession},
	})

Subscribing:

	unsubscribe := bus.Subscribe(event.FileChange, func(e event.Event) {
		data := e.Data.(event.FileChangeData)
		log.Debug().Str("path", data.Path).Msg("file changed")
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers are called synchronously in the publisher's
goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant publishing)
  - Never acquire locks that the publisher might hold

Subscriber panics are recovered, logged, and isolated from the publisher and
from sibling subscribers.

# Lifecycle

There is no global bus. The server initializer creates one Bus, hands it to
every component, and closes it on shutdown:

	bus := event.NewBus()
	defer bus.Close()

# Integration with Watermill

The package uses watermill's gochannel internally, providing access to the
underlying pubsub infrastructure for advanced use cases:

	pubsub := bus.PubSub()

This allows future migration to distributed message brokers if needed while
maintaining the current API.
*/
package event
