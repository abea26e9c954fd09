package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkopani/minidoc/internal/relaytest"
)

func testConfig(endpoint string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func nextEvent(t *testing.T, c *Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel event")
	}
	return nil
}

func drain(t *testing.T, c *Channel) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("events channel still open after %d events", len(events))
		}
	}
}

func TestDocumentURL(t *testing.T) {
	tests := []struct {
		endpoint, doc, want string
		wantErr             bool
	}{
		{endpoint: "ws://localhost:8000", doc: "doc-1", want: "ws://localhost:8000/ws/documents/doc-1"},
		{endpoint: "wss://docs.example.com/", doc: "abc", want: "wss://docs.example.com/ws/documents/abc"},
		{endpoint: "https://docs.example.com/base", doc: "a b", want: "wss://docs.example.com/base/ws/documents/a%20b"},
		{endpoint: "http://localhost:8000?x=1", doc: "d", want: "ws://localhost:8000/ws/documents/d"},
		{endpoint: "ftp://localhost", doc: "d", wantErr: true},
		{endpoint: "ws://", doc: "d", wantErr: true},
	}
	for _, tt := range tests {
		got, err := DocumentURL(tt.endpoint, tt.doc)
		if tt.wantErr {
			assert.Error(t, err, tt.endpoint)
			continue
		}
		require.NoError(t, err, tt.endpoint)
		assert.Equal(t, tt.want, got)
	}
}

func TestChannelOpensAndExchangesFrames(t *testing.T) {
	relay := relaytest.New(t)
	c := Dial(context.Background(), testConfig(relay.URL()), "doc-1")
	defer c.Close()

	require.IsType(t, Opened{}, nextEvent(t, c))
	assert.Equal(t, StateOpen, c.State())
	require.Eventually(t, func() bool { return relay.Clients("doc-1") == 1 }, time.Second, 5*time.Millisecond)

	relay.Send("doc-1", websocket.TextMessage, []byte(`{"eventType":"SAVE"}`))
	ev := nextEvent(t, c)
	require.IsType(t, Message{}, ev)
	assert.Equal(t, Frame{Type: FrameText, Data: []byte(`{"eventType":"SAVE"}`)}, ev.(Message).Frame)

	require.True(t, c.Send(Frame{Type: FrameBinary, Data: []byte{1, 2, 3}}))
	ev = nextEvent(t, c)
	require.IsType(t, Message{}, ev)
	assert.Equal(t, Frame{Type: FrameBinary, Data: []byte{1, 2, 3}}, ev.(Message).Frame)
}

func TestSendIsDroppedUnlessOpen(t *testing.T) {
	relay := relaytest.New(t)
	relay.Reject(true)

	cfg := testConfig(relay.URL())
	cfg.RetryDelay = time.Hour
	c := Dial(context.Background(), cfg, "doc-1")
	defer c.Close()

	assert.False(t, c.Send(Frame{Type: FrameText, Data: []byte("early")}))
	require.IsType(t, Closed{}, nextEvent(t, c))
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Send(Frame{Type: FrameText, Data: []byte("late")}))
}

func TestChannelGivesUpAfterMaxAttempts(t *testing.T) {
	relay := relaytest.New(t)
	relay.Reject(true)

	c := Dial(context.Background(), testConfig(relay.URL()), "doc-1")
	defer c.Close()

	events := drain(t, c)
	var closed, failed int
	for _, ev := range events {
		switch ev := ev.(type) {
		case Closed:
			closed++
			assert.Error(t, ev.Err)
		case Failed:
			failed++
			assert.ErrorIs(t, ev.Err, ErrRetriesExhausted)
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	assert.Equal(t, 5, closed)
	assert.Equal(t, 1, failed)
	assert.IsType(t, Failed{}, events[len(events)-1])
	assert.Equal(t, StateClosed, c.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 5, relay.Attempts("doc-1"))
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	relay := relaytest.New(t)
	c := Dial(context.Background(), testConfig(relay.URL()), "doc-1")
	defer c.Close()

	require.IsType(t, Opened{}, nextEvent(t, c))
	require.Eventually(t, func() bool { return relay.Clients("doc-1") == 1 }, time.Second, 5*time.Millisecond)

	relay.DropAll("doc-1")
	require.IsType(t, Closed{}, nextEvent(t, c))
	require.IsType(t, Opened{}, nextEvent(t, c))
	assert.Equal(t, 2, relay.Attempts("doc-1"))
}

func TestFailureCountResetsOnOpen(t *testing.T) {
	relay := relaytest.New(t)
	relay.Reject(true)

	cfg := testConfig(relay.URL())
	cfg.RetryDelay = 100 * time.Millisecond
	c := Dial(context.Background(), cfg, "doc-1")
	defer c.Close()

	for i := 0; i < 4; i++ {
		require.IsType(t, Closed{}, nextEvent(t, c))
	}
	relay.Reject(false)
	require.IsType(t, Opened{}, nextEvent(t, c))

	relay.Reject(true)
	require.Eventually(t, func() bool { return relay.Clients("doc-1") == 1 }, time.Second, 5*time.Millisecond)
	relay.DropAll("doc-1")

	// a fresh budget of five failures follows the successful open
	events := drain(t, c)
	require.Len(t, events, 6)
	assert.IsType(t, Failed{}, events[5])
}

func TestCloseStopsPendingReconnect(t *testing.T) {
	relay := relaytest.New(t)
	relay.Reject(true)

	cfg := testConfig(relay.URL())
	cfg.RetryDelay = time.Hour
	c := Dial(context.Background(), cfg, "doc-1")

	require.IsType(t, Closed{}, nextEvent(t, c))

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return in time")
	}

	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.Equal(t, 1, relay.Attempts("doc-1"))
	assert.False(t, c.Send(Frame{Type: FrameText, Data: []byte("x")}))
}

func TestCloseReleasesLiveConnection(t *testing.T) {
	relay := relaytest.New(t)
	c := Dial(context.Background(), testConfig(relay.URL()), "doc-1")

	require.IsType(t, Opened{}, nextEvent(t, c))
	require.Eventually(t, func() bool { return relay.Clients("doc-1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	require.Eventually(t, func() bool { return relay.Clients("doc-1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestEmptyDocumentFailsImmediately(t *testing.T) {
	c := Dial(context.Background(), testConfig("ws://127.0.0.1:1"), "")
	defer c.Close()

	events := drain(t, c)
	require.Len(t, events, 1)
	require.IsType(t, Failed{}, events[0])
	assert.ErrorIs(t, events[0].(Failed).Err, ErrNoDocument)
}

// stalledServer accepts websocket connections and never reads from them.
func stalledServer(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		go func() {
			<-release
			conn.Close()
		}()
	}))
	t.Cleanup(func() {
		close(release)
		srv.CloseClientConnections()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &accepted
}

func TestSendOverflowDropsConnection(t *testing.T) {
	endpoint, accepted := stalledServer(t)
	cfg := testConfig(endpoint)
	cfg.SendBuffer = 2
	cfg.WriteTimeout = time.Minute
	c := Dial(context.Background(), cfg, "doc-1")
	defer c.Close()

	require.IsType(t, Opened{}, nextEvent(t, c))

	big := Frame{Type: FrameBinary, Data: make([]byte, 1<<20)}
	sent := 0
	for sent < 1000 && c.Send(big) {
		sent++
	}
	require.Less(t, sent, 1000, "write queue never filled")

	// the connection is dropped right away rather than after a write timeout
	ev := nextEvent(t, c)
	require.IsType(t, Closed{}, ev)
	assert.ErrorIs(t, ev.(Closed).Err, ErrSendOverflow)
	require.IsType(t, Opened{}, nextEvent(t, c))
	require.Eventually(t, func() bool { return accepted.Load() == 2 }, time.Second, 5*time.Millisecond)
}
