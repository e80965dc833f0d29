package persistence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ember-chat/ember-chat/config"
	"github.com/ember-chat/ember-chat/globals"
	"github.com/ember-chat/ember-chat/types"
	"github.com/tidwall/buntdb"
)

type BuntDBPersist struct {
	db *buntdb.DB
}

// buntMessage wraps a message with numeric timestamps for the index; JSON
// time strings do not sort reliably with mixed fractional precision.
type buntMessage struct {
	*types.Message
	CreatedUnix int64 `json:"createdUnix"`
	ExpiresUnix int64 `json:"expiresUnix"`
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	db, err := setupBuntDB(cfg)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func setupBuntDB(cfg *config.Config) (*buntdb.DB, error) {
	fileName := cfg.PersistenceConfig.DSN
	if fileName == "" {
		fileName = ":memory:"
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("messages_created", "message:*", buntdb.IndexJSON("createdUnix"))
	if err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	err = db.CreateIndex("messages_expires", "message:*", buntdb.IndexJSON("expiresUnix"))
	if err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (p *BuntDBPersist) setJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(raw), nil)
		return err
	})
}

func (p *BuntDBPersist) getJSON(key string, v interface{}, what string) error {
	err := p.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(key)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), v)
	})
	if err == buntdb.ErrNotFound {
		return types.NotFoundError(what + " not found")
	}
	return err
}

func messageKey(id string) string { return "message:" + id }

func (p *BuntDBPersist) StoreMessage(m *types.Message) error {
	return p.setJSON(messageKey(m.ID), buntMessage{
		Message:     m,
		CreatedUnix: m.CreatedAt.UnixNano(),
		ExpiresUnix: m.ExpiresAt.UnixNano(),
	})
}

func (p *BuntDBPersist) GetMessage(id string) (*types.Message, error) {
	m := &types.Message{}
	if err := p.getJSON(messageKey(id), m, "message"); err != nil {
		return nil, err
	}
	return m, nil
}

// descendMessages walks messages newest-first, skipping the first skip
// entries, collecting up to limit (limit <= 0 means all).
func (p *BuntDBPersist) descendMessages(skip, limit int, keep func(*types.Message) bool) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		seen := 0
		var innerErr error
		iterErr := tx.Descend("messages_created", func(key, val string) bool {
			m := &types.Message{}
			if err := json.Unmarshal([]byte(val), m); err != nil {
				innerErr = err
				return false
			}
			if keep != nil && !keep(m) {
				return true
			}
			seen++
			if seen <= skip {
				return true
			}
			messages = append(messages, m)
			return limit <= 0 || len(messages) < limit
		})
		if innerErr != nil {
			return innerErr
		}
		return iterErr
	})
	return messages, err
}

func (p *BuntDBPersist) RecentMessages(limit int) ([]*types.Message, error) {
	messages, err := p.descendMessages(0, limit, nil)
	if err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

func (p *BuntDBPersist) ListMessages(page, limit int) ([]*types.Message, bool, error) {
	if page < 1 {
		page = 1
	}
	// fetch one extra row to tell whether another page follows
	messages, err := p.descendMessages((page-1)*limit, limit+1, nil)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	reverse(messages)
	return messages, hasMore, nil
}

func (p *BuntDBPersist) PinnedMessages(limit int) ([]*types.Message, error) {
	return p.descendMessages(0, limit, func(m *types.Message) bool { return m.Pinned })
}

func (p *BuntDBPersist) ToggleReaction(messageID string, reaction types.Reaction) (types.Reactions, error) {
	var reactions types.Reactions
	err := p.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(messageKey(messageID))
		if err != nil {
			return err
		}
		bm := buntMessage{Message: &types.Message{}}
		if err := json.Unmarshal([]byte(raw), &bm); err != nil {
			return err
		}
		m := bm.Message
		if i := m.FindReaction(reaction.Emoji, reaction.ReactorID); i >= 0 {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
		} else {
			m.Reactions = append(m.Reactions, reaction)
		}
		reactions = m.Reactions
		updated, err := json.Marshal(bm)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(messageKey(messageID), string(updated), nil)
		return err
	})
	if err == buntdb.ErrNotFound {
		return nil, types.NotFoundError("message not found")
	}
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

func (p *BuntDBPersist) TogglePin(messageID string) (bool, error) {
	var pinned bool
	err := p.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(messageKey(messageID))
		if err != nil {
			return err
		}
		bm := buntMessage{Message: &types.Message{}}
		if err := json.Unmarshal([]byte(raw), &bm); err != nil {
			return err
		}
		bm.Message.Pinned = !bm.Message.Pinned
		pinned = bm.Message.Pinned
		updated, err := json.Marshal(bm)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(messageKey(messageID), string(updated), nil)
		return err
	})
	if err == buntdb.ErrNotFound {
		return false, types.NotFoundError("message not found")
	}
	if err != nil {
		return false, err
	}
	return pinned, nil
}

func (p *BuntDBPersist) DeleteMessage(id string) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(messageKey(id))
		return err
	})
	if err == buntdb.ErrNotFound {
		return types.NotFoundError("message not found")
	}
	return err
}

func (p *BuntDBPersist) PurgeExpired(now time.Time) (int, error) {
	count := 0
	err := p.db.Update(func(tx *buntdb.Tx) error {
		pivot := fmt.Sprintf(`{"expiresUnix":%d}`, now.UnixNano())
		expired := make([]string, 0)
		err := tx.DescendLessOrEqual("messages_expires", pivot, func(key, val string) bool {
			expired = append(expired, key)
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range expired {
			if _, err := tx.Delete(key); err != nil {
				return err
			}
		}
		count = len(expired)
		return nil
	})
	return count, err
}

func (p *BuntDBPersist) CountMessagesSince(authorID string, since time.Time) (int, error) {
	count := 0
	sinceNano := since.UnixNano()
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend("messages_created", func(key, val string) bool {
			bm := buntMessage{Message: &types.Message{}}
			if err := json.Unmarshal([]byte(val), &bm); err != nil {
				return false
			}
			if bm.CreatedUnix <= sinceNano {
				return false
			}
			if bm.Message.AuthorID == authorID {
				count++
			}
			return true
		})
	})
	return count, err
}

func participantKey(id string) string { return "participant:" + id }

func (p *BuntDBPersist) StoreParticipant(participant *types.Participant) error {
	return p.setJSON(participantKey(participant.IdentityID), struct {
		*types.Participant
		OriginAddress string `json:"originAddress"`
	}{participant, participant.OriginAddress})
}

func (p *BuntDBPersist) GetParticipant(identityID string) (*types.Participant, error) {
	participant := &types.Participant{}
	wrapper := struct {
		*types.Participant
		OriginAddress string `json:"originAddress"`
	}{participant, ""}
	if err := p.getJSON(participantKey(identityID), &wrapper, "participant"); err != nil {
		return nil, err
	}
	participant.OriginAddress = wrapper.OriginAddress
	return participant, nil
}

func (p *BuntDBPersist) FindIdentity(displayName, originAddress string) (*types.Participant, error) {
	ids := make([]string, 0, 1)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("participant:*", func(key, val string) bool {
			wrapper := struct {
				IdentityID    string `json:"identityId"`
				DisplayName   string `json:"displayName"`
				OriginAddress string `json:"originAddress"`
			}{}
			if err := json.Unmarshal([]byte(val), &wrapper); err != nil {
				return true
			}
			if wrapper.DisplayName == displayName && wrapper.OriginAddress == originAddress {
				ids = append(ids, wrapper.IdentityID)
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, types.NotFoundError("participant not found")
	}
	return p.GetParticipant(ids[0])
}

func (p *BuntDBPersist) ListParticipants() ([]*types.Participant, error) {
	ids := make([]string, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("participant:*", func(key, val string) bool {
			ids = append(ids, strings.TrimPrefix(key, "participant:"))
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	participants := make([]*types.Participant, 0, len(ids))
	for _, id := range ids {
		participant, err := p.GetParticipant(id)
		if err != nil {
			globals.AppLogger.Warn("could not load participant", "id", id, "error", err)
			continue
		}
		participants = append(participants, participant)
	}
	return participants, nil
}

func (p *BuntDBPersist) DeleteParticipant(identityID string) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(participantKey(identityID))
		return err
	})
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

func blockedKey(address string) string { return "blocked:" + address }

func (p *BuntDBPersist) StoreBlockedAddress(b *types.BlockedAddress) error {
	return p.setJSON(blockedKey(b.Address), b)
}

func (p *BuntDBPersist) GetBlockedAddress(address string) (*types.BlockedAddress, error) {
	b := &types.BlockedAddress{}
	if err := p.getJSON(blockedKey(address), b, "blocked address"); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *BuntDBPersist) DeleteBlockedAddress(address string) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(blockedKey(address))
		return err
	})
	if err == buntdb.ErrNotFound {
		return types.NotFoundError("blocked address not found")
	}
	return err
}

func (p *BuntDBPersist) ListBlockedAddresses() ([]*types.BlockedAddress, error) {
	blocked := make([]*types.BlockedAddress, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		iterErr := tx.AscendKeys("blocked:*", func(key, val string) bool {
			b := &types.BlockedAddress{}
			if err := json.Unmarshal([]byte(val), b); err != nil {
				innerErr = err
				return false
			}
			blocked = append(blocked, b)
			return true
		})
		if innerErr != nil {
			return innerErr
		}
		return iterErr
	})
	return blocked, err
}

func moderatorKey(username string) string { return "moderator:" + username }

func (p *BuntDBPersist) GetModerator(username string) (*types.Moderator, error) {
	wrapper := struct {
		*types.Moderator
		PasswordHash string `json:"passwordHash"`
	}{&types.Moderator{}, ""}
	if err := p.getJSON(moderatorKey(username), &wrapper, "moderator"); err != nil {
		return nil, err
	}
	wrapper.Moderator.PasswordHash = wrapper.PasswordHash
	return wrapper.Moderator, nil
}

func (p *BuntDBPersist) StoreModerator(m *types.Moderator) error {
	return p.setJSON(moderatorKey(m.Username), struct {
		*types.Moderator
		PasswordHash string `json:"passwordHash"`
	}{m, m.PasswordHash})
}

func (p *BuntDBPersist) ListModerators() ([]*types.Moderator, error) {
	usernames := make([]string, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("moderator:*", func(key, val string) bool {
			usernames = append(usernames, strings.TrimPrefix(key, "moderator:"))
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	moderators := make([]*types.Moderator, 0, len(usernames))
	for _, username := range usernames {
		m, err := p.GetModerator(username)
		if err != nil {
			continue
		}
		moderators = append(moderators, m)
	}
	return moderators, nil
}

func (p *BuntDBPersist) Stats(now time.Time) (*types.Stats, error) {
	stats := &types.Stats{}
	cutoff := now.Add(-24 * time.Hour)
	err := p.db.View(func(tx *buntdb.Tx) error {
		err := tx.AscendKeys("participant:*", func(key, val string) bool {
			stats.KnownIdentities++
			return true
		})
		if err != nil {
			return err
		}
		return tx.Descend("messages_created", func(key, val string) bool {
			m := &types.Message{}
			if err := json.Unmarshal([]byte(val), m); err != nil {
				return true
			}
			stats.TotalMessages++
			switch m.Kind {
			case types.MessageKindImage:
				stats.ImageMessages++
			case types.MessageKindVoice:
				stats.VoiceMessages++
			}
			if m.Pinned {
				stats.PinnedMessages++
			}
			if m.CreatedAt.After(cutoff) {
				stats.MessagesLast24h++
			}
			return true
		})
	})
	return stats, err
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
