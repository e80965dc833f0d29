package types

import "time"

const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

// Moderator is an administrative identity. Admins are unrestricted,
// moderators carry a fixed permission subset (see auth.HasPermission).
type Moderator struct {
	Username     string     `json:"username" gorm:"primaryKey"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// BlockedAddress is a banned client network address, consulted at join time.
// Blocking is not retroactive: sessions already connected from the address
// stay connected.
type BlockedAddress struct {
	Address   string    `json:"address" gorm:"primaryKey"`
	BlockedAt time.Time `json:"blockedAt"`
	Reason    string    `json:"reason,omitempty"`
}

// Stats is the administrative counter snapshot. OnlineParticipants is filled
// from the presence registry, the rest from the store.
type Stats struct {
	OnlineParticipants int   `json:"onlineParticipants"`
	KnownIdentities    int64 `json:"knownIdentities"`
	TotalMessages      int64 `json:"totalMessages"`
	ImageMessages      int64 `json:"imageMessages"`
	VoiceMessages      int64 `json:"voiceMessages"`
	PinnedMessages     int64 `json:"pinnedMessages"`
	MessagesLast24h    int64 `json:"messagesLast24h"`
}
