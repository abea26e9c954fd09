package control

import (
	"encoding/json"
	"log/slog"

	"github.com/mkopani/minidoc/metrics"
	"github.com/mkopani/minidoc/transport"
)

// Handler receives what the multiplexer routes.
type Handler interface {
	HandleSave(ev Event)
	HandleTitleUpdate(ev Event)
	// HandleDelta gets binary frames unchanged.
	HandleDelta(data []byte)
}

// Verdict records what Route did with a frame.
type Verdict int

const (
	RoutedSave Verdict = iota + 1
	RoutedTitleUpdate
	RoutedDelta
	DroppedEcho
	DroppedNoise
)

func (v Verdict) String() string {
	switch v {
	case RoutedSave:
		return "save"
	case RoutedTitleUpdate:
		return "title_update"
	case RoutedDelta:
		return "delta"
	case DroppedEcho:
		return "echo"
	case DroppedNoise:
		return "noise"
	}
	return "unknown"
}

// Multiplexer classifies inbound frames for one session. Text frames and
// binary frames holding valid JSON are control frames; any other binary
// frame is a CRDT delta. Control events stamped with the local session id
// are echoes of our own sends and are dropped.
type Multiplexer struct {
	self    SessionID
	handler Handler
	log     *slog.Logger
}

func NewMultiplexer(self SessionID, handler Handler, log *slog.Logger) *Multiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{self: self, handler: handler, log: log}
}

// Route dispatches one frame and reports the verdict.
func (m *Multiplexer) Route(typ transport.FrameType, data []byte) Verdict {
	v := m.route(typ, data)
	metrics.FramesRouted.WithLabelValues(v.String()).Inc()
	return v
}

func (m *Multiplexer) route(typ transport.FrameType, data []byte) Verdict {
	// servers that relay everything as binary still send control events as JSON
	if typ == transport.FrameBinary && !json.Valid(data) {
		m.handler.HandleDelta(data)
		return RoutedDelta
	}

	ev, err := Decode(data)
	if err != nil {
		m.log.Debug("dropping unrecognised control frame", "type", typ, "size", len(data), "err", err)
		return DroppedNoise
	}
	if ev.Sender == m.self {
		return DroppedEcho
	}
	switch ev.Kind {
	case KindSave:
		m.handler.HandleSave(ev)
		return RoutedSave
	case KindTitleUpdate:
		m.handler.HandleTitleUpdate(ev)
		return RoutedTitleUpdate
	}
	return DroppedNoise
}
