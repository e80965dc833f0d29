package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	MessageKindText  = "text"
	MessageKindImage = "image"
	MessageKindVoice = "voice"
	MessageKindFile  = "file"
)

// MaxContentLength bounds the text content of a single message.
const MaxContentLength = 1000

// Reaction is a single emoji reaction. There is at most one reaction per
// (emoji, reactor) pair on a message; toggling removes an existing pair.
type Reaction struct {
	Emoji       string `json:"emoji"`
	ReactorID   string `json:"reactorId"`
	ReactorName string `json:"reactorName,omitempty"`
}

// Message is a durable chat message. Author display fields are denormalized
// onto the message so backlog and fan-out payloads render without a second
// lookup. Every message expires, there is no permanent history.
type Message struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	AuthorID       string    `json:"authorId" gorm:"index"`
	AuthorName     string    `json:"authorName"`
	AuthorAvatar   string    `json:"authorAvatar"`
	Content        string    `json:"content,omitempty"`
	Kind           string    `json:"kind"`
	AttachmentURL  string    `json:"attachmentUrl,omitempty"`
	AttachmentName string    `json:"attachmentName,omitempty"`
	CreatedAt      time.Time `json:"createdAt" gorm:"index"`
	ExpiresAt      time.Time `json:"expiresAt" gorm:"index"`
	Pinned         bool      `json:"pinned"`
	Reactions      Reactions `json:"reactions" gorm:"type:json"`
}

// NewMessage builds a message authored by p at the given time. The expiry is
// fixed at creation, moving a message's expiry later is not possible.
func NewMessage(p *Participant, content, kind, attachmentURL, attachmentName string, now time.Time, ttl time.Duration) *Message {
	return &Message{
		ID:             uuid.NewString(),
		AuthorID:       p.IdentityID,
		AuthorName:     p.DisplayName,
		AuthorAvatar:   p.AvatarRef,
		Content:        content,
		Kind:           kind,
		AttachmentURL:  attachmentURL,
		AttachmentName: attachmentName,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Pinned:         false,
		Reactions:      Reactions{},
	}
}

// Validate checks the kind-dependent content rules: text messages need
// content, everything else needs an attachment.
func (m *Message) Validate() error {
	switch m.Kind {
	case MessageKindText:
		if m.Content == "" {
			return ValidationError("text message requires content")
		}
	case MessageKindImage, MessageKindVoice, MessageKindFile:
		if m.AttachmentURL == "" {
			return ValidationError("attachment message requires an attachment URL")
		}
	default:
		return ValidationError("unknown message kind: " + m.Kind)
	}
	if len(m.Content) > MaxContentLength {
		return ValidationError("message content too long")
	}
	return nil
}

// Expired reports whether the message is past its expiry at the given time.
func (m *Message) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// FindReaction returns the index of the reaction matching (emoji, reactorId),
// or -1.
func (m *Message) FindReaction(emoji, reactorID string) int {
	for i, r := range m.Reactions {
		if r.Emoji == emoji && r.ReactorID == reactorID {
			return i
		}
	}
	return -1
}
