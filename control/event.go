// Package control defines the JSON control events that share the
// collaboration channel with CRDT deltas, and the multiplexer that tells
// the two apart.
package control

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotControlEvent is returned by Decode for JSON that does not have the
// shape of a control event.
var ErrNotControlEvent = errors.New("control: not a control event")

// SessionID identifies one editing session. Every outbound control event is
// stamped with it so the sender can recognise its own echo.
type SessionID string

// NewSessionID returns a random UUID v4 session id.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

type Kind string

const (
	KindSave        Kind = "SAVE"
	KindTitleUpdate Kind = "TITLE_UPDATE"
)

// Event is a control message. Title is only meaningful for TITLE_UPDATE.
type Event struct {
	Kind   Kind
	Sender SessionID
	Title  string
}

// wireEvent is the JSON shape on the channel:
// {"eventType":"SAVE"|"TITLE_UPDATE","senderId":"<uuid>","title"?:"<string>"}
type wireEvent struct {
	EventType Kind    `json:"eventType"`
	SenderID  string  `json:"senderId"`
	Title     *string `json:"title,omitempty"`
}

// Encode returns the JSON text frame for ev.
func Encode(ev Event) ([]byte, error) {
	w := wireEvent{EventType: ev.Kind, SenderID: string(ev.Sender)}
	switch ev.Kind {
	case KindSave:
	case KindTitleUpdate:
		title := ev.Title
		w.Title = &title
	default:
		return nil, fmt.Errorf("control: unknown event kind %q", ev.Kind)
	}
	return json.Marshal(w)
}

// Decode parses a control event. Invalid JSON returns the json error;
// well-formed JSON of the wrong shape returns ErrNotControlEvent.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Event{}, fmt.Errorf("%w: %v", ErrNotControlEvent, err)
		}
		return Event{}, err
	}
	ev := Event{Kind: w.EventType, Sender: SessionID(w.SenderID)}
	switch w.EventType {
	case KindSave:
	case KindTitleUpdate:
		if w.Title == nil {
			return Event{}, fmt.Errorf("%w: TITLE_UPDATE without title", ErrNotControlEvent)
		}
		ev.Title = *w.Title
	default:
		return Event{}, fmt.Errorf("%w: eventType %q", ErrNotControlEvent, w.EventType)
	}
	return ev, nil
}
