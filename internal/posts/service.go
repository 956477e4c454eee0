package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/instaplus/internal/ids"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultPageSize  = 10
	MaxPageSize      = 50
	MaxCaptionRunes  = 2200
	MaxMediaPerPost  = media.MaxFilesPerUpload
	opServiceNew     = "posts.service.new"
	opCreate         = "posts.create"
	opList           = "posts.list"
	serviceErrorText = "posts service error"
)

var (
	ErrCaptionTooLong = errors.New("posts: caption too long")
	ErrMediaRequired  = errors.New("posts: at least one media item required")
	ErrTooManyMedia   = errors.New("posts: too many media items")
)

// AssetLedger transfers uploaded assets to a published post.
type AssetLedger interface {
	AttachWithin(tx *gorm.DB, ownerID string, publicIDs []string) ([]media.Item, error)
}

// Query selects a feed page. A nil AuthorIDs means every author.
type Query struct {
	Limit     int
	Cursor    string
	AuthorIDs []string
}

type ServiceConfig struct {
	Database   *gorm.DB
	Assets     AssetLedger
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service persists posts and serves the keyset-paginated feed.
type Service struct {
	db         *gorm.DB
	assets     AssetLedger
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errors.New("database handle is required"))
	}
	if cfg.Assets == nil {
		return nil, serviceerr.New(opServiceNew, "missing_assets", errors.New("asset ledger is required"))
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errors.New("id provider is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		assets:     cfg.Assets,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Create publishes a post from previously uploaded media owned by the author.
func (s *Service) Create(ctx context.Context, authorID, caption string, publicIDs []string) (Post, error) {
	caption = strings.TrimSpace(caption)
	if utf8.RuneCountInString(caption) > MaxCaptionRunes {
		return Post{}, serviceerr.New(opCreate, "caption_too_long", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrCaptionTooLong))
	}
	if len(publicIDs) == 0 {
		return Post{}, serviceerr.New(opCreate, "media_required", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrMediaRequired))
	}
	if len(publicIDs) > MaxMediaPerPost {
		return Post{}, serviceerr.New(opCreate, "too_many_media", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrTooManyMedia))
	}

	postID, err := s.idProvider.NewID()
	if err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opCreate, "id_generation_failed", err)
		return Post{}, serviceerr.New(opCreate, "id_generation_failed", err)
	}
	post := Post{
		ID:             postID,
		AuthorID:       authorID,
		Caption:        caption,
		CreatedAtNanos: s.clock().UTC().UnixNano(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.assets.AttachWithin(tx, authorID, publicIDs)
		if err != nil {
			return err
		}
		post.Media = items
		if err := tx.Create(&post).Error; err != nil {
			serviceerr.Log(s.logger, serviceErrorText, opCreate, "insert_failed", err, zap.String("author_id", authorID))
			return serviceerr.New(opCreate, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Post{}, err
	}
	post.hydrate()
	return post, nil
}

// List returns one page of the feed ordered newest first.
func (s *Service) List(ctx context.Context, query Query) (Page, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	cursor, hasCursor, err := DecodeCursor(query.Cursor)
	if err != nil {
		return Page{}, serviceerr.New(opList, "invalid_cursor", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, err))
	}

	statement := s.db.WithContext(ctx).Model(&Post{})
	if query.AuthorIDs != nil {
		if len(query.AuthorIDs) == 0 {
			return Page{Items: []Post{}}, nil
		}
		statement = statement.Where("author_id IN ?", query.AuthorIDs)
	}
	if hasCursor {
		statement = statement.Where(
			"(created_at_ns < ?) OR (created_at_ns = ? AND post_id < ?)",
			cursor.CreatedAtNanos, cursor.CreatedAtNanos, cursor.PostID,
		)
	}

	var rows []Post
	if err := statement.
		Order("created_at_ns DESC").
		Order("post_id DESC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opList, "query_failed", err)
		return Page{}, serviceerr.New(opList, "query_failed", err)
	}

	page := Page{Items: make([]Post, 0, limit)}
	for index := range rows {
		if index == limit {
			last := page.Items[len(page.Items)-1]
			page.NextCursor = Cursor{CreatedAtNanos: last.CreatedAtNanos, PostID: last.ID}.Encode()
			break
		}
		rows[index].hydrate()
		page.Items = append(page.Items, rows[index])
	}
	return page, nil
}
