package types

import "time"

// Participant is a chat identity. The durable record outlives the connection:
// identities are looked up again on reconnect (by display name and origin
// address), so bans and message counters survive a page reload.
type Participant struct {
	// ConnectionID identifies the live transport connection and is never
	// persisted; the presence registry keys on it.
	ConnectionID string `json:"-" gorm:"-"`

	IdentityID    string     `json:"identityId" gorm:"primaryKey;column:identity_id"`
	DisplayName   string     `json:"displayName" gorm:"index"`
	AvatarRef     string     `json:"avatarRef"`
	OriginAddress string     `json:"-" gorm:"index"`
	JoinedAt      time.Time  `json:"joinedAt"`
	LastActiveAt  time.Time  `json:"lastActiveAt"`
	MessageCount  int64      `json:"messageCount"`
	Banned        bool       `json:"banned"`
	BannedUntil   *time.Time `json:"bannedUntil,omitempty"`
}

// BanActive reports whether the participant is banned at the given time.
// A ban without an expiry never lapses.
func (p *Participant) BanActive(now time.Time) bool {
	if !p.Banned {
		return false
	}
	if p.BannedUntil == nil {
		return true
	}
	return now.Before(*p.BannedUntil)
}

// PresenceEntry is the public projection of a participant used in presence
// snapshots and join/leave notifications.
type PresenceEntry struct {
	IdentityID  string `json:"identityId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

func (p *Participant) PresenceEntry() PresenceEntry {
	return PresenceEntry{
		IdentityID:  p.IdentityID,
		DisplayName: p.DisplayName,
		AvatarRef:   p.AvatarRef,
	}
}
