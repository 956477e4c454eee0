package stories

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/ids"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew     = "stories.service.new"
	opCreate         = "stories.create"
	opListSets       = "stories.list_sets"
	opMarkViewed     = "stories.mark_viewed"
	opListViewed     = "stories.list_viewed"
	opPurgeExpired   = "stories.purge_expired"
	serviceErrorText = "stories service error"
)

// AssetLedger transfers an uploaded asset to a story.
type AssetLedger interface {
	AttachWithin(tx *gorm.DB, ownerID string, publicIDs []string) ([]media.Item, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Assets     AssetLedger
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service persists stories and each viewer's viewed-set.
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

// Create publishes a story from one uploaded asset.
func (s *Service) Create(ctx context.Context, authorID, publicID string) (Story, error) {
	if strings.TrimSpace(publicID) == "" {
		return Story{}, serviceerr.New(opCreate, "media_required", serviceerr.ErrInvalidInput)
	}
	storyID, err := s.idProvider.NewID()
	if err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opCreate, "id_generation_failed", err)
		return Story{}, serviceerr.New(opCreate, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	story := Story{
		ID:               storyID,
		AuthorID:         authorID,
		CreatedAtNanos:   now.UnixNano(),
		ExpiresAtSeconds: now.Add(Lifetime).Unix(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.assets.AttachWithin(tx, authorID, []string{publicID})
		if err != nil {
			return err
		}
		story.Media = items[0]
		if err := tx.Create(&story).Error; err != nil {
			serviceerr.Log(s.logger, serviceErrorText, opCreate, "insert_failed", err, zap.String("author_id", authorID))
			return serviceerr.New(opCreate, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Story{}, err
	}
	story.hydrate()
	return story, nil
}

// ListSets returns live stories grouped by author; authors with the newest story come first.
func (s *Service) ListSets(ctx context.Context) ([]Set, error) {
	var live []Story
	if err := s.db.WithContext(ctx).
		Where("expires_at_s > ?", s.clock().UTC().Unix()).
		Order("created_at_ns ASC").
		Order("story_id ASC").
		Find(&live).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opListSets, "query_failed", err)
		return nil, serviceerr.New(opListSets, "query_failed", err)
	}

	index := make(map[string]int)
	newest := make(map[string]int64)
	sets := make([]Set, 0)
	for _, story := range live {
		position, ok := index[story.AuthorID]
		if !ok {
			position = len(sets)
			index[story.AuthorID] = position
			sets = append(sets, Set{AuthorID: story.AuthorID, Items: []media.Item{}})
		}
		sets[position].Items = append(sets[position].Items, story.Media)
		newest[story.AuthorID] = story.CreatedAtNanos
	}
	sortSetsByNewest(sets, newest)
	return sets, nil
}

func sortSetsByNewest(sets []Set, newest map[string]int64) {
	sort.SliceStable(sets, func(i, j int) bool {
		left, right := newest[sets[i].AuthorID], newest[sets[j].AuthorID]
		if left != right {
			return left > right
		}
		return sets[i].AuthorID < sets[j].AuthorID
	})
}

// MarkViewed adds the author to the viewer's viewed-set. Repeated calls are no-ops.
func (s *Service) MarkViewed(ctx context.Context, viewerID, authorID string) error {
	viewerID, authorID = strings.TrimSpace(viewerID), strings.TrimSpace(authorID)
	if viewerID == "" || authorID == "" {
		return serviceerr.New(opMarkViewed, "missing_user_id", serviceerr.ErrInvalidInput)
	}
	view := View{ViewerID: viewerID, AuthorID: authorID, ViewedAtSeconds: s.clock().UTC().Unix()}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&view).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opMarkViewed, "insert_failed", err, zap.String("viewer_id", viewerID))
		return serviceerr.New(opMarkViewed, "insert_failed", err)
	}
	return nil
}

// ListViewed returns the viewer's viewed-set.
func (s *Service) ListViewed(ctx context.Context, viewerID string) ([]string, error) {
	var views []View
	if err := s.db.WithContext(ctx).
		Where("viewer_id = ?", viewerID).
		Order("viewed_at_s ASC").
		Order("author_id ASC").
		Find(&views).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opListViewed, "query_failed", err, zap.String("viewer_id", viewerID))
		return nil, serviceerr.New(opListViewed, "query_failed", err)
	}
	authors := make([]string, 0, len(views))
	for _, view := range views {
		authors = append(authors, view.AuthorID)
	}
	return authors, nil
}

// PurgeExpired deletes expired stories and returns the public ids of their media.
func (s *Service) PurgeExpired(ctx context.Context) ([]string, error) {
	var expired []Story
	cutoff := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Where("expires_at_s <= ?", cutoff).Find(&expired).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opPurgeExpired, "query_failed", err)
		return nil, serviceerr.New(opPurgeExpired, "query_failed", err)
	}
	if len(expired) == 0 {
		return []string{}, nil
	}
	storyIDs := make([]string, 0, len(expired))
	publicIDs := make([]string, 0, len(expired))
	for _, story := range expired {
		storyIDs = append(storyIDs, story.ID)
		if story.Media.PublicID != "" {
			publicIDs = append(publicIDs, story.Media.PublicID)
		}
	}
	if err := s.db.WithContext(ctx).Where("story_id IN ?", storyIDs).Delete(&Story{}).Error; err != nil {
		serviceerr.Log(s.logger, serviceErrorText, opPurgeExpired, "delete_failed", err)
		return nil, serviceerr.New(opPurgeExpired, "delete_failed", err)
	}
	return publicIDs, nil
}
