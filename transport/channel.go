// Package transport keeps one websocket open per edited document, retrying
// with a fixed delay until a bounded number of consecutive failures.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/mkopani/minidoc/metrics"
)

var (
	ErrNoDocument       = errors.New("transport: no document id")
	ErrRetriesExhausted = errors.New("transport: reconnect attempts exhausted")
	ErrClosed           = errors.New("transport: channel closed")
	// ErrSendOverflow ends a live connection whose write queue filled up.
	ErrSendOverflow = errors.New("transport: send queue overflow")
)

// FrameType mirrors the websocket message type a frame travelled as.
type FrameType int

const (
	FrameText   FrameType = websocket.TextMessage
	FrameBinary FrameType = websocket.BinaryMessage
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	}
	return fmt.Sprintf("frame(%d)", int(t))
}

type Frame struct {
	Type FrameType
	Data []byte
}

// State is the connection state of a Channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is what a Channel reports on Events: Opened, Message, Closed or
// Failed.
type Event interface {
	isTransportEvent()
}

// Opened is sent each time a connection completes its handshake.
type Opened struct{}

// Message carries one inbound frame.
type Message struct {
	Frame Frame
}

// Closed is sent when a connection attempt fails or a live connection drops.
// A reconnect follows unless Failed comes next.
type Closed struct {
	Err error
}

// Failed is sent once, when the channel stops retrying. Nothing follows it.
type Failed struct {
	Err error
}

func (Opened) isTransportEvent()  {}
func (Message) isTransportEvent() {}
func (Closed) isTransportEvent()  {}
func (Failed) isTransportEvent()  {}

// Channel is a persistent connection to the collaboration endpoint for one
// document. It owns its goroutines and timers; Close releases all of them.
type Channel struct {
	cfg   Config
	docID string
	url   string
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan Event

	mu    sync.Mutex
	state State
	// out is the live connection's write queue, nil unless Open.
	out chan Frame
	// abort tears down the live connection, nil unless Open.
	abort func(cause error)

	closeOnce sync.Once
}

// Dial starts connecting to documentID and returns immediately. Progress is
// reported on Events.
func Dial(ctx context.Context, cfg Config, documentID string) *Channel {
	cfg = cfg.withDefaults()
	cancelCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		cfg:    cfg,
		docID:  documentID,
		log:    cfg.Logger.With("doc", documentID),
		ctx:    cancelCtx,
		cancel: cancel,
		events: make(chan Event, cfg.EventBuffer),
		state:  StateConnecting,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Events delivers the channel's lifecycle and inbound frames in order. It is
// closed after Failed or Close.
func (c *Channel) Events() <-chan Event {
	return c.events
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues f on the live connection. Unless the channel is Open the
// frame is dropped and Send reports false; nothing is replayed later. A full
// write queue drops the connection as well, so the frame is never lost
// silently on a connection that stays up.
func (c *Channel) Send(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.out == nil {
		metrics.SendsDropped.WithLabelValues("not_open").Inc()
		c.log.Debug("dropping frame, channel not open", "state", c.state, "type", f.Type)
		return false
	}
	select {
	case c.out <- f:
		return true
	default:
		metrics.SendsDropped.WithLabelValues("buffer_full").Inc()
		c.log.Warn("send buffer full, dropping connection", "type", f.Type)
		c.out = nil
		c.abort(ErrSendOverflow)
		return false
	}
}

// Close tears the channel down: the socket is closed, a pending reconnect is
// cancelled and every goroutine has exited when Close returns.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.setState(StateClosed)
	})
	return nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	if s != StateOpen {
		c.out = nil
		c.abort = nil
	}
	c.mu.Unlock()
	if prev != s {
		c.log.Debug("channel state", "from", prev, "to", s)
	}
}

// emit delivers ev unless the channel is shutting down.
func (c *Channel) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) run() {
	defer c.wg.Done()
	defer close(c.events)

	if c.docID == "" {
		c.setState(StateClosed)
		metrics.TerminalFailures.Inc()
		c.emit(c.ctx, Failed{Err: ErrNoDocument})
		return
	}
	url, err := DocumentURL(c.cfg.Endpoint, c.docID)
	if err != nil {
		c.setState(StateClosed)
		metrics.TerminalFailures.Inc()
		c.emit(c.ctx, Failed{Err: err})
		return
	}
	c.url = url

	policy := c.cfg.retryPolicy()
	failures := 0
	for {
		c.setState(StateConnecting)
		ws, err := c.connect()
		if err == nil {
			metrics.ConnectAttempts.WithLabelValues("ok").Inc()
			policy.Reset()
			failures = 0
			err = c.serve(ws)
		} else {
			metrics.ConnectAttempts.WithLabelValues("error").Inc()
		}
		c.setState(StateClosed)
		if c.ctx.Err() != nil {
			return
		}
		failures++
		c.log.Info("connection closed", "failures", failures, "err", err)
		if !c.emit(c.ctx, Closed{Err: err}) {
			return
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.log.Error("giving up on collaboration endpoint", "failures", failures, "err", err)
			metrics.TerminalFailures.Inc()
			c.emit(c.ctx, Failed{Err: fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err)})
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) connect() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.url, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return ws, nil
}

// serve runs one live connection until it fails or the channel closes.
func (c *Channel) serve(ws *websocket.Conn) error {
	connCtx, connCancel := context.WithCancelCause(c.ctx)
	defer connCancel(nil)

	out := make(chan Frame, c.cfg.SendBuffer)
	c.mu.Lock()
	c.state = StateOpen
	c.out = out
	// closing the socket unblocks a writer stuck on a peer that stopped reading
	c.abort = func(cause error) {
		connCancel(cause)
		ws.Close()
	}
	c.mu.Unlock()
	c.log.Debug("channel state", "from", StateConnecting, "to", StateOpen)

	// Opened goes out before the reader starts so it precedes every Message
	if !c.emit(connCtx, Opened{}) {
		ws.Close()
		return ErrClosed
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
			if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
				continue
			}
			if !c.emit(connCtx, Message{Frame: Frame{Type: FrameType(typ), Data: data}}) {
				readErr <- ErrClosed
				return
			}
		}
	}()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	var err error
loop:
	for {
		select {
		case <-connCtx.Done():
			err = ErrClosed
			break loop
		case err = <-readErr:
			break loop
		case f := <-out:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if werr := ws.WriteMessage(int(f.Type), f.Data); werr != nil {
				err = werr
				break loop
			}
		case <-ping.C:
			if werr := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); werr != nil {
				err = werr
				break loop
			}
		}
	}

	c.mu.Lock()
	c.state = StateClosed
	c.out = nil
	c.abort = nil
	c.mu.Unlock()

	if cause := context.Cause(connCtx); errors.Is(cause, ErrSendOverflow) {
		err = cause
	}

	if c.ctx.Err() != nil {
		flush(ws, out, c.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	}
	connCancel(nil)
	ws.Close()
	<-readDone
	return err
}

// flush writes whatever is still queued on out. Send no longer accepts
// frames once the state left Open, so out cannot grow meanwhile.
func flush(ws *websocket.Conn, out <-chan Frame, timeout time.Duration) {
	for {
		select {
		case f := <-out:
			ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := ws.WriteMessage(int(f.Type), f.Data); err != nil {
				return
			}
		default:
			return
		}
	}
}
