package stories

import (
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
)

// Lifetime is how long a story stays visible after creation.
const Lifetime = 24 * time.Hour

// Story is a single ephemeral media item.
type Story struct {
	ID               string     `gorm:"column:story_id;primaryKey;size:64;not null" json:"id"`
	AuthorID         string     `gorm:"column:author_id;size:190;not null;index" json:"author_id"`
	Media            media.Item `gorm:"column:media_json;serializer:json;type:text" json:"media"`
	CreatedAtNanos   int64      `gorm:"column:created_at_ns;not null;index" json:"-"`
	ExpiresAtSeconds int64      `gorm:"column:expires_at_s;not null;index" json:"-"`
	CreatedAt        time.Time  `gorm:"-" json:"created_at"`
	ExpiresAt        time.Time  `gorm:"-" json:"expires_at"`
}

func (Story) TableName() string {
	return "stories"
}

func (s *Story) hydrate() {
	s.CreatedAt = time.Unix(0, s.CreatedAtNanos).UTC()
	s.ExpiresAt = time.Unix(s.ExpiresAtSeconds, 0).UTC()
}

// View records that a viewer has opened an author's stories.
type View struct {
	ViewerID        string `gorm:"column:viewer_id;primaryKey;size:190;not null"`
	AuthorID        string `gorm:"column:author_id;primaryKey;size:190;not null"`
	ViewedAtSeconds int64  `gorm:"column:viewed_at_s;not null"`
}

func (View) TableName() string {
	return "story_views"
}

// Set groups one author's live stories, oldest first.
type Set struct {
	AuthorID string       `json:"author_id"`
	Items    []media.Item `json:"items"`
}
