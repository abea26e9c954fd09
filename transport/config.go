package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// Config controls how a Channel reaches the collaboration endpoint and how it
// retries. Zero fields fall back to DefaultConfig.
type Config struct {
	// Endpoint is the base URL of the collaboration server, e.g.
	// "wss://docs.example.com". http and https are mapped to ws and wss.
	Endpoint string
	// Header is sent with the websocket handshake (authorization, origin).
	Header http.Header

	// RetryDelay is the fixed pause before each reconnect attempt.
	RetryDelay time.Duration
	// MaxAttempts bounds consecutive failed attempts before the channel
	// gives up. The count resets whenever a connection opens.
	MaxAttempts int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// ReadTimeout is how long the channel waits for any frame or pong before
	// treating the connection as dead.
	ReadTimeout time.Duration
	// SendBuffer is the write queue length of a live connection. Overflowing
	// it drops the connection.
	SendBuffer int
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		RetryDelay:       2 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     10 * time.Second,
		ReadTimeout:      30 * time.Second,
		SendBuffer:       64,
		EventBuffer:      64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// retryPolicy waits RetryDelay between attempts and stops after
// MaxAttempts consecutive failures.
func (c Config) retryPolicy() backoff.BackOff {
	if c.MaxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RetryDelay), uint64(c.MaxAttempts-1))
}

// DocumentURL returns the websocket URL scoping endpoint to one document.
func DocumentURL(endpoint, documentID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q: missing host", endpoint)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/") + "/ws/documents/" + url.PathEscape(documentID), nil
}
