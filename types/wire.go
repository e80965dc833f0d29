package types

import (
	"encoding/json"
	"time"
)

// Client -> server events.
const (
	EventJoin           = "join"
	EventMessageSubmit  = "message-submit"
	EventReactionToggle = "reaction-toggle"
	EventTypingStart    = "typing-start"
	EventTypingStop     = "typing-stop"
)

// Server -> client events.
const (
	EventPresenceSnapshot  = "presence-snapshot"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventParticipantInfo   = "participant-info"
	EventBacklog           = "backlog"
	EventMessageReceived   = "message-received"
	EventMessageDeleted    = "message-deleted"
	EventMessagePinUpdated = "message-pin-updated"
	EventReactionUpdated   = "reaction-updated"
	EventUserTyping        = "user-typing"
	EventUserStopTyping    = "user-stop-typing"
	EventUserBanned        = "user-banned"
	EventUserKicked        = "user-kicked"
	EventAdminAnnouncement = "admin-announcement"
	EventModerationNotice  = "moderation-notice"
	EventError             = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket
// connection, in both directions.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWireMessage wraps a payload in the wire envelope.
func NewWireMessage(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}

// The different types of requests transferred from the client to here.

// JoinRequest starts a session; an empty display name gets a generated guest
// name.
type JoinRequest struct {
	DisplayName string `json:"displayName" mapstructure:"displayName"`
	AvatarRef   string `json:"avatarRef" mapstructure:"avatarRef"`
}

type SubmitRequest struct {
	Content        string `json:"content" mapstructure:"content"`
	Kind           string `json:"kind" mapstructure:"kind"`
	AttachmentURL  string `json:"attachmentUrl" mapstructure:"attachmentUrl"`
	AttachmentName string `json:"attachmentName" mapstructure:"attachmentName"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId" mapstructure:"messageId"`
	Emoji     string `json:"emoji" mapstructure:"emoji"`
}

// Outgoing payloads.

type ErrorPayload struct {
	Message string `json:"message"`
}

type TypingPayload struct {
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type ReactionUpdatePayload struct {
	MessageID string    `json:"messageId"`
	Reactions Reactions `json:"reactions"`
}

type PinUpdatePayload struct {
	MessageID string `json:"messageId"`
	Pinned    bool   `json:"pinned"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type BanPayload struct {
	Reason   string `json:"reason"`
	Duration int    `json:"duration,omitempty"` // hours, 0 = indefinite
}

type KickPayload struct {
	Reason string `json:"reason"`
}

type AnnouncementPayload struct {
	Content   string    `json:"content"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ModerationNotice is fanned out on the moderator channel after every
// successful moderation action.
type ModerationNotice struct {
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Subject   string    `json:"subject,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
