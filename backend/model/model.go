package model

import (
	"strings"
	"sync"
)

// UserID is supplied by the identity collaborator. Numeric ids are carried
// as their decimal string.
type UserID string

type Role string

const (
	RoleUnknown Role = ""
	RoleHost    Role = "host"
	RoleGuest   Role = "guest"
)

// ParseRole accepts symbol-like values (":host") as well as plain ones.
// Anything that is not host or guest is unknown.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ":"))) {
	case RoleHost:
		return RoleHost
	case RoleGuest:
		return RoleGuest
	default:
		return RoleUnknown
	}
}

type Identity struct {
	UserID UserID
	Role   Role
}

// Room is a read-only view of room state used by the API.
type Room struct {
	ID              string   `json:"room_id"`
	Participants    []UserID `json:"participants"`
	Locked          bool     `json:"locked"`
	MaxParticipants int      `json:"max_participants,omitempty"`
	Topic           string   `json:"topic,omitempty"`
}

// Policy is the join-time room policy carried by a subscription.
// MaxParticipants <= 0 means unbounded.
type Policy struct {
	Locked          bool
	MaxParticipants int
	Topic           string
}

// Features are per-subscription switches fixed at subscribe time.
type Features struct {
	ScreenSharing bool
	PrivateChat   bool
}

type SubscribeParams struct {
	RoomID   string
	Policy   Policy
	Features Features
}

type RejectReason string

const (
	RejectNoIdentity RejectReason = "no-identity"
	RejectBadRoom    RejectReason = "bad-room"
	RejectLocked     RejectReason = "locked"
	RejectFull       RejectReason = "full"
)

// Message types that are broadcast by server.
const (
	MessageTypeJoin        = "join"
	MessageTypeLeave       = "leave"
	MessageTypeKick        = "kick"
	MessageTypeMute        = "mute"
	MessageTypeUnmute      = "unmute"
	MessageTypeChat        = "chat"
	MessageTypeScreenShare = "screen_share"

	MessageTypeConfirm = "confirm_subscription"
	MessageTypeReject  = "reject_subscription"
)

// Message is anything that can be pushed to a connection outbox.
type Message interface {
	MessageType() string
}

type JoinMessage struct {
	Type            string   `json:"type"`
	From            UserID   `json:"from"`
	Participants    []UserID `json:"participants"`
	Topic           string   `json:"topic,omitempty"`
	MaxParticipants int      `json:"max_participants,omitempty"`
	TurboStream     string   `json:"turbo_stream,omitempty"`
}

type LeaveMessage struct {
	Type         string   `json:"type"`
	From         UserID   `json:"from"`
	Participants []UserID `json:"participants"`
}

// SignalMessage carries offer/answer/candidate and custom signals.
// Payload is relayed as received.
type SignalMessage struct {
	Type    string `json:"type"`
	From    UserID `json:"from"`
	Payload any    `json:"payload"`
}

type ModerationPayload struct {
	UserID any `json:"user_id"`
}

type ModerationMessage struct {
	Type    string            `json:"type"`
	From    UserID            `json:"from"`
	Payload ModerationPayload `json:"payload"`
}

type ChatPayload struct {
	Message any `json:"message"`
	To      any `json:"to"`
}

type ChatMessage struct {
	Type    string      `json:"type"`
	From    UserID      `json:"from"`
	Payload ChatPayload `json:"payload"`
}

// ControlMessage confirms or rejects a subscription.
type ControlMessage struct {
	Type   string       `json:"type"`
	RoomID string       `json:"room_id,omitempty"`
	Reason RejectReason `json:"reason,omitempty"`
}

func (m *JoinMessage) MessageType() string       { return m.Type }
func (m *LeaveMessage) MessageType() string      { return m.Type }
func (m *SignalMessage) MessageType() string     { return m.Type }
func (m *ModerationMessage) MessageType() string { return m.Type }
func (m *ChatMessage) MessageType() string       { return m.Type }
func (m *ControlMessage) MessageType() string    { return m.Type }

// Envelope is an inbound frame.
type Envelope struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// Wire is the outbound side of a connection. The transport drains TX;
// the room only ever enqueues into it. A wire is cut when the room gives
// up on a connection that does not keep up, the transport must close it.
type Wire struct {
	TX chan Message

	gone chan struct{}
	once *sync.Once
}

func NewWire(size int) Wire {
	return Wire{
		TX:   make(chan Message, size),
		gone: make(chan struct{}),
		once: &sync.Once{},
	}
}

func (w Wire) Cut() {
	w.once.Do(func() { close(w.gone) })
}

func (w Wire) Gone() <-chan struct{} {
	return w.gone
}
