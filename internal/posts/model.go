package posts

import (
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
)

// Post is a published feed entry.
type Post struct {
	ID             string       `gorm:"column:post_id;primaryKey;size:64;not null;index:idx_posts_feed_order,priority:2" json:"id"`
	AuthorID       string       `gorm:"column:author_id;size:190;not null;index" json:"author_id"`
	Caption        string       `gorm:"column:caption;type:text" json:"caption"`
	Media          []media.Item `gorm:"column:media_json;serializer:json;type:text" json:"media"`
	CreatedAtNanos int64        `gorm:"column:created_at_ns;not null;index:idx_posts_feed_order,priority:1" json:"-"`
	CreatedAt      time.Time    `gorm:"-" json:"created_at"`
}

func (Post) TableName() string {
	return "posts"
}

func (p *Post) hydrate() {
	p.CreatedAt = time.Unix(0, p.CreatedAtNanos).UTC()
	if p.Media == nil {
		p.Media = []media.Item{}
	}
}

// Page is one slice of the feed plus the token for the next slice.
type Page struct {
	Items      []Post `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}
