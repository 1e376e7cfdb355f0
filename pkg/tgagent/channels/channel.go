// Package channels defines the event model shared by every tgagent
// transport and the core. Each transport (currently Telegram) implements the
// Channel interface and translates its platform envelopes into Events, so the
// aggregation core never parses transport-specific payloads.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
)

// EventKind identifies the kind of content carried by an Event.
type EventKind string

const (
	KindText     EventKind = "text"
	KindImage    EventKind = "image"
	KindVoice    EventKind = "voice"
	KindVideo    EventKind = "video"
	KindDocument EventKind = "document"
	KindContact  EventKind = "contact"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVoice, KindVideo, KindDocument, KindContact:
		return true
	}
	return false
}

// ActorKey scopes one aggregation window: a participant inside a conversation
// on a given channel. It is comparable and used directly as a map key.
type ActorKey struct {
	Channel string
	ChatID  string
	UserID  string
}

// String renders the key as "channel:chat:user".
func (k ActorKey) String() string {
	return k.Channel + ":" + k.ChatID + ":" + k.UserID
}

// ParseActorKey is the inverse of ActorKey.String. Missing parts are empty.
func ParseActorKey(s string) ActorKey {
	parts := strings.SplitN(s, ":", 3)
	var k ActorKey
	switch len(parts) {
	case 3:
		k.UserID = parts[2]
		fallthrough
	case 2:
		k.ChatID = parts[1]
		fallthrough
	case 1:
		k.Channel = parts[0]
	}
	return k
}

// Payload references the content of a media event. The core never downloads
// it; handlers resolve it through the owning channel when needed.
type Payload struct {
	// FileID is the platform file handle.
	FileID string

	// URL is a direct download URL when the transport can provide one.
	URL string

	// MimeType is the MIME type, if known.
	MimeType string

	// Filename is the original filename (documents).
	Filename string

	// Size is the size in bytes, if known.
	Size int64

	// Duration is the length of voice/video clips.
	Duration time.Duration
}

// Contact is the body of a contact-card event.
type Contact struct {
	DisplayName string
	Phone       string
	VCard       string
}

// Quoted is the referenced message as forwarded by the transport along with a
// reply. It lets the core synthesize reply context on a cache miss.
type Quoted struct {
	Text string
	Kind EventKind
}

// Event is one inbound message, already normalized by its channel.
type Event struct {
	// ID is the platform message identifier.
	ID string

	// Key is the conversation actor that produced the event.
	Key ActorKey

	// Kind tags the content.
	Kind EventKind

	// Text is the message text or media caption.
	Text string

	// SenderName is the display name of the sender, if available.
	SenderName string

	// Payload references media content (nil for text and contacts).
	Payload *Payload

	// Contact carries contact-card data (KindContact only).
	Contact *Contact

	// ReplyTo is the identifier of the message this event replies to.
	ReplyTo string

	// Quoted is the replied-to message as forwarded by the transport.
	Quoted *Quoted

	// IsGroup reports whether the conversation is a group chat.
	IsGroup bool

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage is a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text of the message.
	Content string

	// ReplyTo threads the message onto an earlier one.
	ReplyTo string
}

// Channel is implemented by every transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection and starts producing events.
	Connect(ctx context.Context) error

	// Disconnect stops the channel.
	Disconnect() error

	// Send delivers a message and returns the platform id of the sent message.
	Send(ctx context.Context, chatID string, msg *OutgoingMessage) (string, error)

	// Receive returns the stream of inbound events.
	Receive() <-chan *Event

	// IsConnected reports whether the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// ReactionChannel is implemented by channels that can react to messages.
type ReactionChannel interface {
	Channel

	// SendReaction reacts to a specific message with an emoji.
	SendReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrDuplicateChannel    = errors.New("channel already registered")
)
