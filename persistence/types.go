package persistence

import (
	"time"

	"github.com/ember-chat/ember-chat/config"
	"github.com/ember-chat/ember-chat/types"
)

// Persister is the store adapter shared by the realtime coordinator, the
// moderation gateway and the HTTP surface. Implementations must make
// ToggleReaction and TogglePin atomic read-modify-write operations; the
// coordinator relies on that instead of serializing toggles itself.
type Persister interface {
	StoreMessage(*types.Message) error
	GetMessage(id string) (*types.Message, error)
	// RecentMessages returns the most recent limit messages ordered by
	// creation time ascending (the backlog window).
	RecentMessages(limit int) ([]*types.Message, error)
	// ListMessages pages through history, newest page first, messages within
	// a page ascending. The bool result reports whether more pages exist.
	ListMessages(page, limit int) ([]*types.Message, bool, error)
	PinnedMessages(limit int) ([]*types.Message, error)
	ToggleReaction(messageID string, reaction types.Reaction) (types.Reactions, error)
	TogglePin(messageID string) (bool, error)
	DeleteMessage(id string) error
	PurgeExpired(now time.Time) (int, error)
	CountMessagesSince(authorID string, since time.Time) (int, error)

	StoreParticipant(*types.Participant) error
	GetParticipant(identityID string) (*types.Participant, error)
	// FindIdentity resolves a returning identity by display name and origin
	// address.
	FindIdentity(displayName, originAddress string) (*types.Participant, error)
	ListParticipants() ([]*types.Participant, error)
	DeleteParticipant(identityID string) error

	StoreBlockedAddress(*types.BlockedAddress) error
	GetBlockedAddress(address string) (*types.BlockedAddress, error)
	DeleteBlockedAddress(address string) error
	ListBlockedAddresses() ([]*types.BlockedAddress, error)

	GetModerator(username string) (*types.Moderator, error)
	StoreModerator(*types.Moderator) error
	ListModerators() ([]*types.Moderator, error)

	Stats(now time.Time) (*types.Stats, error)
	Close() error
}

// NewPersister picks the backend from the configuration. With no persistence
// configured an in-memory BuntDB store is used, so a bare server still has
// working (if volatile) message history.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb", "":
		return NewBuntPersister(cfg)
	default:
		return nil, types.ValidationError("unknown persistence type: " + cfg.PersistenceConfig.Type)
	}
}
