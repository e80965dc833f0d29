package persistence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ember-chat/ember-chat/config"
	"github.com/ember-chat/ember-chat/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormPersist struct {
	db *gorm.DB

	// serializes the read-modify-write window of reaction/pin toggles; the
	// transaction alone does not prevent two toggles interleaving on
	// read-committed backends.
	toggleMu sync.Mutex
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no DSN configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(&types.Participant{}, &types.Message{}, &types.BlockedAddress{}, &types.Moderator{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NotFoundError(what + " not found")
	}
	return err
}

func (p *GormPersist) StoreMessage(m *types.Message) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error
}

func (p *GormPersist) GetMessage(id string) (*types.Message, error) {
	m := &types.Message{}
	err := p.db.Where("id = ?", id).First(m).Error
	if err != nil {
		return nil, notFoundOr(err, "message")
	}
	return m, nil
}

func (p *GormPersist) RecentMessages(limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.Order("created_at DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

func (p *GormPersist) ListMessages(page, limit int) ([]*types.Message, bool, error) {
	if page < 1 {
		page = 1
	}
	// fetch one extra row to tell whether another page follows
	messages := make([]*types.Message, 0)
	err := p.db.Order("created_at DESC").Limit(limit + 1).Offset((page - 1) * limit).Find(&messages).Error
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

func (p *GormPersist) PinnedMessages(limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.Where("pinned = ?", true).Order("created_at DESC").Limit(limit).Find(&messages).Error
	return messages, err
}

func (p *GormPersist) ToggleReaction(messageID string, reaction types.Reaction) (types.Reactions, error) {
	p.toggleMu.Lock()
	defer p.toggleMu.Unlock()
	var reactions types.Reactions
	err := p.db.Transaction(func(tx *gorm.DB) error {
		m := &types.Message{}
		if err := tx.Where("id = ?", messageID).First(m).Error; err != nil {
			return notFoundOr(err, "message")
		}
		if i := m.FindReaction(reaction.Emoji, reaction.ReactorID); i >= 0 {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
		} else {
			m.Reactions = append(m.Reactions, reaction)
		}
		reactions = m.Reactions
		return tx.Model(m).Update("reactions", m.Reactions).Error
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

func (p *GormPersist) TogglePin(messageID string) (bool, error) {
	p.toggleMu.Lock()
	defer p.toggleMu.Unlock()
	var pinned bool
	err := p.db.Transaction(func(tx *gorm.DB) error {
		m := &types.Message{}
		if err := tx.Where("id = ?", messageID).First(m).Error; err != nil {
			return notFoundOr(err, "message")
		}
		pinned = !m.Pinned
		return tx.Model(m).Update("pinned", pinned).Error
	})
	if err != nil {
		return false, err
	}
	return pinned, nil
}

func (p *GormPersist) DeleteMessage(id string) error {
	res := p.db.Where("id = ?", id).Delete(&types.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NotFoundError("message not found")
	}
	return nil
}

func (p *GormPersist) PurgeExpired(now time.Time) (int, error) {
	res := p.db.Where("expires_at <= ?", now).Delete(&types.Message{})
	return int(res.RowsAffected), res.Error
}

func (p *GormPersist) CountMessagesSince(authorID string, since time.Time) (int, error) {
	var count int64
	err := p.db.Model(&types.Message{}).Where("author_id = ? AND created_at > ?", authorID, since).Count(&count).Error
	return int(count), err
}

func (p *GormPersist) StoreParticipant(participant *types.Participant) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(participant).Error
}

func (p *GormPersist) GetParticipant(identityID string) (*types.Participant, error) {
	participant := &types.Participant{}
	err := p.db.Where("identity_id = ?", identityID).First(participant).Error
	if err != nil {
		return nil, notFoundOr(err, "participant")
	}
	return participant, nil
}

func (p *GormPersist) FindIdentity(displayName, originAddress string) (*types.Participant, error) {
	participant := &types.Participant{}
	err := p.db.Where("display_name = ? AND origin_address = ?", displayName, originAddress).First(participant).Error
	if err != nil {
		return nil, notFoundOr(err, "participant")
	}
	return participant, nil
}

func (p *GormPersist) ListParticipants() ([]*types.Participant, error) {
	participants := make([]*types.Participant, 0)
	err := p.db.Order("joined_at DESC").Find(&participants).Error
	return participants, err
}

func (p *GormPersist) DeleteParticipant(identityID string) error {
	return p.db.Where("identity_id = ?", identityID).Delete(&types.Participant{}).Error
}

func (p *GormPersist) StoreBlockedAddress(b *types.BlockedAddress) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(b).Error
}

func (p *GormPersist) GetBlockedAddress(address string) (*types.BlockedAddress, error) {
	b := &types.BlockedAddress{}
	err := p.db.Where("address = ?", address).First(b).Error
	if err != nil {
		return nil, notFoundOr(err, "blocked address")
	}
	return b, nil
}

func (p *GormPersist) DeleteBlockedAddress(address string) error {
	res := p.db.Where("address = ?", address).Delete(&types.BlockedAddress{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NotFoundError("blocked address not found")
	}
	return nil
}

func (p *GormPersist) ListBlockedAddresses() ([]*types.BlockedAddress, error) {
	blocked := make([]*types.BlockedAddress, 0)
	err := p.db.Order("blocked_at DESC").Find(&blocked).Error
	return blocked, err
}

func (p *GormPersist) GetModerator(username string) (*types.Moderator, error) {
	m := &types.Moderator{}
	err := p.db.Where("username = ?", username).First(m).Error
	if err != nil {
		return nil, notFoundOr(err, "moderator")
	}
	return m, nil
}

func (p *GormPersist) StoreModerator(m *types.Moderator) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error
}

func (p *GormPersist) ListModerators() ([]*types.Moderator, error) {
	moderators := make([]*types.Moderator, 0)
	err := p.db.Order("username").Find(&moderators).Error
	return moderators, err
}

func (p *GormPersist) Stats(now time.Time) (*types.Stats, error) {
	stats := &types.Stats{}
	model := func() *gorm.DB { return p.db.Model(&types.Message{}) }
	if err := p.db.Model(&types.Participant{}).Count(&stats.KnownIdentities).Error; err != nil {
		return nil, err
	}
	if err := model().Count(&stats.TotalMessages).Error; err != nil {
		return nil, err
	}
	if err := model().Where("kind = ?", types.MessageKindImage).Count(&stats.ImageMessages).Error; err != nil {
		return nil, err
	}
	if err := model().Where("kind = ?", types.MessageKindVoice).Count(&stats.VoiceMessages).Error; err != nil {
		return nil, err
	}
	if err := model().Where("pinned = ?", true).Count(&stats.PinnedMessages).Error; err != nil {
		return nil, err
	}
	if err := model().Where("created_at > ?", now.Add(-24*time.Hour)).Count(&stats.MessagesLast24h).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *GormPersist) Close() error {
	return nil
}

func reverse(messages []*types.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
