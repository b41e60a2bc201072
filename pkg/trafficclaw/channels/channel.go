// Package channels defines the messaging surface the copilot talks through.
// Each channel delivers owner messages in and sends replies and client
// messages out.
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel is a bidirectional messaging connection.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Connect opens the connection. It must not block waiting for pairing.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// Send delivers a message to a recipient address (phone or JID).
	Send(ctx context.Context, to string, msg *OutgoingMessage) error

	// Receive returns the stream of incoming messages.
	Receive() <-chan *IncomingMessage

	IsConnected() bool

	Health() HealthStatus
}

// IncomingMessage is a message received from a channel.
type IncomingMessage struct {
	ID        string
	Channel   string
	From      string
	FromName  string
	ChatID    string
	IsGroup   bool
	Content   string
	Timestamp time.Time
}

// OutgoingMessage is a text message to send.
type OutgoingMessage struct {
	Content string

	// ReplyTo quotes a previous message when set.
	ReplyTo string
}

// HealthStatus reports channel health.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrInvalidRecipient    = errors.New("invalid recipient")
)
