package session

import "time"

// Event is what a Session reports to the editor on Events. It is one of
// Loaded, Reconnected, Disconnected, ContentChanged, TitleUpdated, Saved or
// Failed.
type Event interface {
	isSessionEvent()
}

// Loaded is sent once, when the channel opens for the first time.
type Loaded struct{}

// Reconnected is sent on every later open.
type Reconnected struct{}

// Disconnected is sent when a connection attempt fails or a live connection
// drops. The session keeps retrying unless Failed follows.
type Disconnected struct {
	Err error
}

// ContentChanged carries the document text after a remote merge changed it.
type ContentChanged struct {
	Text string
}

// TitleUpdated carries a title published by another session.
type TitleUpdated struct {
	Title string
}

// Saved reports that another session saved the document.
type Saved struct {
	At time.Time
}

// Failed is terminal. It is sent at most once and Events is closed after it.
type Failed struct {
	Err error
}

func (Loaded) isSessionEvent()         {}
func (Reconnected) isSessionEvent()    {}
func (Disconnected) isSessionEvent()   {}
func (ContentChanged) isSessionEvent() {}
func (TitleUpdated) isSessionEvent()   {}
func (Saved) isSessionEvent()          {}
func (Failed) isSessionEvent()         {}
