package chat

import (
	"strings"
	"time"

	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

// Kind is the content kind of a message as the client sees it.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// KindFromWire maps a backend message type to a Kind. The backend calls
// voice notes "audio"; unknown types degrade to text.
func KindFromWire(s string) Kind {
	switch protocol.NormalizeKind(s) {
	case protocol.KindAudio:
		return KindVoice
	case protocol.KindImage:
		return KindImage
	case protocol.KindVideo:
		return KindVideo
	case protocol.KindFile:
		return KindFile
	default:
		return KindText
	}
}

// Wire returns the backend message type for k.
func (k Kind) Wire() string {
	switch k {
	case KindVoice:
		return protocol.KindAudio
	case KindImage, KindVideo, KindFile:
		return string(k)
	default:
		return protocol.KindText
	}
}

// Status is the delivery state of a message.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanAdvance reports whether a message in state s may move to next.
// Statuses only move forward; failed is reachable from sending alone and
// never left.
func (s Status) CanAdvance(next Status) bool {
	switch {
	case s == next, s == StatusFailed:
		return false
	case next == StatusFailed:
		return s == StatusSending
	default:
		return next > s
	}
}

// Media references an uploaded attachment.
type Media struct {
	URL      string
	PublicID string
}

// Message is one chat message as held by the client.
type Message struct {
	// ID is the server id once confirmed and the provisional id before.
	ID string
	// ClientID is the provisional id of a locally originated message.
	ClientID  string
	RoomID    string
	SenderID  string
	Body      string
	Media     *Media
	Kind      Kind
	CreatedAt time.Time
	Status    Status
	Own       bool
}

// Confirmed reports whether the server has assigned the message its id.
func (m Message) Confirmed() bool {
	return m.ClientID == "" || m.ID != m.ClientID
}

// Participant is one side of a conversation.
type Participant struct {
	ID        string
	FirstName string
	LastName  string
	Avatar    string
	Online    bool
}

// DisplayName joins the first and last names.
func (p Participant) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Preview is the last message shown in the chat list.
type Preview struct {
	Body     string
	Kind     Kind
	SenderID string
	At       time.Time
	Own      bool
}

// Conversation is one entry of the chat list.
type Conversation struct {
	// ID is the server chat id.
	ID string
	// RoomID is the pair key of the two participants.
	RoomID      string
	Me          Participant
	Other       Participant
	LastMessage *Preview
	UnreadCount int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
