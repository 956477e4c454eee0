package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillConversationPreviews = "2026-10-01_backfill_conversation_previews"
	migrationAttachReferencedAssets       = "2026-10-08_attach_referenced_assets"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migration struct {
	name  string
	apply func(*gorm.DB) error
}

// dataMigrations run once each, in order, after AutoMigrate.
var dataMigrations = []migration{
	{name: migrationBackfillConversationPreviews, apply: backfillConversationPreviews},
	{name: migrationAttachReferencedAssets, apply: attachReferencedAssets},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, pending := range dataMigrations {
		applied, err := migrationApplied(db, pending.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := pending.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: pending.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			logger.Error("database migration failed", zap.String("migration", pending.name), zap.Error(err))
			return err
		}
		logger.Info("database migration applied", zap.String("migration", pending.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// backfillConversationPreviews fills last_message snapshots for conversations
// that have messages but were written before previews were maintained.
func backfillConversationPreviews(db *gorm.DB) error {
	var conversationIDs []string
	if err := db.Model(&messages.Conversation{}).
		Where("last_message_id = '' OR last_message_id IS NULL").
		Where("conversation_id IN (?)", db.Model(&messages.Message{}).Select("conversation_id")).
		Pluck("conversation_id", &conversationIDs).Error; err != nil {
		return err
	}
	for _, conversationID := range conversationIDs {
		if err := messages.RebuildSnapshot(db, conversationID); err != nil {
			return err
		}
	}
	return nil
}

// attachReferencedAssets flags assets used by existing posts or stories so the
// orphan sweep never removes published media.
func attachReferencedAssets(db *gorm.DB) error {
	var referenced []string

	var storedPosts []posts.Post
	if err := db.Select("post_id", "media_json").Find(&storedPosts).Error; err != nil {
		return err
	}
	for _, post := range storedPosts {
		for _, item := range post.Media {
			referenced = append(referenced, item.PublicID)
		}
	}

	var storedStories []stories.Story
	if err := db.Select("story_id", "media_json").Find(&storedStories).Error; err != nil {
		return err
	}
	for _, story := range storedStories {
		referenced = append(referenced, story.Media.PublicID)
	}

	if len(referenced) == 0 {
		return nil
	}
	return db.Model(&media.Asset{}).
		Where("public_id IN ?", referenced).
		Where("attached = ?", false).
		Update("attached", true).Error
}
