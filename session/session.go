// Package session joins one document for one editor. It owns the document
// replica and the collaboration channel, routes inbound frames and reports
// everything the editor needs as tagged events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkopani/minidoc/control"
	"github.com/mkopani/minidoc/crdt"
	"github.com/mkopani/minidoc/metrics"
	"github.com/mkopani/minidoc/transport"
)

var ErrClosed = errors.New("session: closed")

// SnapshotStore keeps the last saved snapshot of a document.
type SnapshotStore interface {
	Put(documentID string, snapshot []byte) error
}

type Config struct {
	// Endpoint overrides Transport.Endpoint when set.
	Endpoint   string
	DocumentID string
	Transport  transport.Config

	// Snapshot hydrates the replica before the channel opens, e.g. from
	// the local cache.
	Snapshot []byte
	// Store receives the snapshot on every PublishSave. Optional.
	Store SnapshotStore

	EventBuffer int
	Logger      *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Transport:   transport.DefaultConfig(),
		EventBuffer: 64,
	}
}

// Session is one editor's connection to one document.
type Session struct {
	id      control.SessionID
	docID   string
	replica *crdt.Replica
	mux     *control.Multiplexer
	ch      *transport.Channel
	store   SnapshotStore
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
	// loaded is owned by the loop goroutine.
	loaded bool

	mu     sync.Mutex
	closed bool
}

// Open creates the session and starts connecting. It fails only when the
// initial snapshot cannot be merged.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := control.NewSessionID()
	log := cfg.Logger.With("doc", cfg.DocumentID, "session", id)

	replica := crdt.NewReplica(string(id))
	if len(cfg.Snapshot) > 0 {
		if _, err := replica.ApplyRemoteDelta(cfg.Snapshot); err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", cfg.DocumentID, err)
		}
	}

	tcfg := cfg.Transport
	if cfg.Endpoint != "" {
		tcfg.Endpoint = cfg.Endpoint
	}
	if tcfg.Logger == nil {
		tcfg.Logger = log
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:      id,
		docID:   cfg.DocumentID,
		replica: replica,
		store:   cfg.Store,
		log:     log,
		ctx:     sctx,
		cancel:  cancel,
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	s.mux = control.NewMultiplexer(id, router{s}, log)
	s.ch = transport.Dial(sctx, tcfg, cfg.DocumentID)

	go s.loop()
	return s, nil
}

func (s *Session) ID() control.SessionID {
	return s.id
}

func (s *Session) DocumentID() string {
	return s.docID
}

// Replica exposes the document for reading. Edits go through Edit; changes
// made to it directly are not reported on Events.
func (s *Session) Replica() *crdt.Replica {
	return s.replica
}

func (s *Session) State() transport.State {
	return s.ch.State()
}

// Events is closed after Failed or Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Edit applies a local change and sends its delta. When the delta cannot be
// sent (the channel is not open, or its write queue overflowed and the
// connection is being replaced) the change reaches other replicas with the
// snapshot sent on the next open.
func (s *Session) Edit(change crdt.Change) error {
	if s.isClosed() {
		return ErrClosed
	}
	delta, err := s.replica.ApplyLocalEdit(change)
	if err != nil {
		return err
	}
	if delta != nil {
		s.ch.Send(transport.Frame{Type: transport.FrameBinary, Data: delta})
	}
	return nil
}

// PublishSave stores the current snapshot and tells the other sessions the
// document was saved. It reports whether the event was sent.
func (s *Session) PublishSave() bool {
	if s.isClosed() {
		return false
	}
	if s.store != nil {
		if err := s.store.Put(s.docID, s.replica.Snapshot()); err != nil {
			s.log.Warn("failed to store snapshot", "err", err)
		}
	}
	return s.publish(control.Event{Kind: control.KindSave, Sender: s.id})
}

// PublishTitleUpdate tells the other sessions the title changed. It reports
// whether the event was sent.
func (s *Session) PublishTitleUpdate(title string) bool {
	if s.isClosed() {
		return false
	}
	return s.publish(control.Event{Kind: control.KindTitleUpdate, Sender: s.id, Title: title})
}

// Close disconnects and waits for the session's goroutines to exit. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.ch.Close()
	<-s.done
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) publish(ev control.Event) bool {
	data, err := control.Encode(ev)
	if err != nil {
		s.log.Error("failed to encode control event", "kind", ev.Kind, "err", err)
		return false
	}
	return s.ch.Send(transport.Frame{Type: transport.FrameText, Data: data})
}

// emit hands ev to the editor unless the session is closing. Only the loop
// goroutine emits, so nothing is sent after Events is closed.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// loop is the only consumer of the channel's events.
func (s *Session) loop() {
	defer close(s.done)
	defer close(s.events)

	for ev := range s.ch.Events() {
		switch ev := ev.(type) {
		case transport.Opened:
			s.onOpen()
		case transport.Message:
			s.mux.Route(ev.Frame.Type, ev.Frame.Data)
		case transport.Closed:
			s.emit(Disconnected{Err: ev.Err})
		case transport.Failed:
			s.log.Error("collaboration channel failed", "err", ev.Err)
			s.emit(Failed{Err: ev.Err})
			return
		}
	}
}

func (s *Session) onOpen() {
	// edits made while offline travel with the snapshot
	s.ch.Send(transport.Frame{Type: transport.FrameBinary, Data: s.replica.Snapshot()})

	if !s.loaded {
		s.loaded = true
		s.log.Info("document loaded")
		s.emit(Loaded{})
		return
	}
	s.log.Info("reconnected")
	s.emit(Reconnected{})
}

// router adapts the session to control.Handler. It runs on the loop
// goroutine.
type router struct {
	s *Session
}

func (r router) HandleSave(ev control.Event) {
	r.s.log.Debug("remote save", "sender", ev.Sender)
	r.s.emit(Saved{At: time.Now()})
}

func (r router) HandleTitleUpdate(ev control.Event) {
	r.s.log.Debug("remote title update", "sender", ev.Sender, "title", ev.Title)
	r.s.emit(TitleUpdated{Title: ev.Title})
}

func (r router) HandleDelta(data []byte) {
	changed, err := r.s.replica.ApplyRemoteDelta(data)
	if err != nil {
		metrics.DeltasRejected.Inc()
		r.s.log.Warn("rejecting delta", "size", len(data), "err", err)
		return
	}
	if changed {
		r.s.emit(ContentChanged{Text: r.s.replica.Text()})
	}
}
