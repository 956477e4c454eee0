package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/ids"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxFilesPerUpload bounds a single upload batch.
const MaxFilesPerUpload = 5

const (
	opServiceNew   = "media.service.new"
	opUpload       = "media.upload"
	opDelete       = "media.delete"
	opAttach       = "media.attach"
	opPurge        = "media.purge"
	opSweepOrphans = "media.sweep_orphans"
)

var (
	ErrTooManyFiles     = errors.New("media: too many files")
	ErrNoFiles          = errors.New("media: no files")
	ErrFileTooLarge     = errors.New("media: file too large")
	ErrUnsupportedMedia = errors.New("media: unsupported media type")
	ErrAlreadyAttached  = errors.New("media: asset already attached")
)

// Upload is one file of an upload batch.
type Upload struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

// DeleteResult reports which ids were removed.
type DeleteResult struct {
	Deleted  []string `json:"deleted"`
	NotFound []string `json:"not_found"`
	Attached []string `json:"attached"`
}

// ServiceConfig wires the gateway dependencies.
type ServiceConfig struct {
	Database     *gorm.DB
	Store        Store
	Prober       Prober
	IDProvider   ids.Provider
	Clock        func() time.Time
	Logger       *zap.Logger
	PublicPath   string
	MaxFileBytes int64
	OrphanTTL    time.Duration
}

// Service is the upload/delete gateway and ownership ledger.
type Service struct {
	db           *gorm.DB
	store        Store
	prober       Prober
	idProvider   ids.Provider
	clock        func() time.Time
	logger       *zap.Logger
	publicPath   string
	maxFileBytes int64
	orphanTTL    time.Duration
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errors.New("database handle is required"))
	}
	if cfg.Store == nil {
		return nil, serviceerr.New(opServiceNew, "missing_store", errors.New("store is required"))
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errors.New("id provider is required"))
	}
	prober := cfg.Prober
	if prober == nil {
		prober = FileProber{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publicPath := cfg.PublicPath
	if publicPath == "" {
		publicPath = "/uploads"
	}
	maxFileBytes := cfg.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = 200 * 1024 * 1024
	}
	orphanTTL := cfg.OrphanTTL
	if orphanTTL <= 0 {
		orphanTTL = 24 * time.Hour
	}
	return &Service{
		db:           cfg.Database,
		store:        cfg.Store,
		prober:       prober,
		idProvider:   cfg.IDProvider,
		clock:        clock,
		logger:       logger,
		publicPath:   publicPath,
		maxFileBytes: maxFileBytes,
		orphanTTL:    orphanTTL,
	}, nil
}

// MaxFileBytes exposes the per-file size limit.
func (s *Service) MaxFileBytes() int64 {
	return s.maxFileBytes
}

// Upload stores a batch atomically: either every file is recorded or none is.
func (s *Service) Upload(ctx context.Context, ownerID string, uploads []Upload) ([]Item, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, serviceerr.New(opUpload, "missing_owner", serviceerr.ErrInvalidInput)
	}
	if len(uploads) == 0 {
		return nil, serviceerr.New(opUpload, "no_files", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrNoFiles))
	}
	if len(uploads) > MaxFilesPerUpload {
		return nil, serviceerr.New(opUpload, "too_many_files", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrTooManyFiles))
	}

	assets := make([]Asset, 0, len(uploads))
	rollback := func() {
		for _, asset := range assets {
			if err := s.store.Remove(asset.FileName); err != nil {
				s.logger.Warn("media rollback remove failed", zap.String("public_id", asset.PublicID), zap.Error(err))
			}
		}
	}

	createdAt := s.clock().UTC().Unix()
	for _, upload := range uploads {
		kind, ok := DetectKind(upload.ContentType, upload.FileName)
		if !ok {
			rollback()
			return nil, serviceerr.New(opUpload, "unsupported_media", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrUnsupportedMedia))
		}
		publicID, err := s.idProvider.NewID()
		if err != nil {
			rollback()
			serviceerr.Log(s.logger, "media service error", opUpload, "id_generation_failed", err)
			return nil, serviceerr.New(opUpload, "id_generation_failed", err)
		}
		fileName := publicID + extensionFor(kind, upload.ContentType, upload.FileName)
		written, err := s.store.Save(fileName, io.LimitReader(upload.Body, s.maxFileBytes+1))
		if err != nil {
			rollback()
			serviceerr.Log(s.logger, "media service error", opUpload, "store_failed", err, zap.String("owner_id", ownerID))
			return nil, serviceerr.New(opUpload, "store_failed", err)
		}
		asset := Asset{
			PublicID:         publicID,
			OwnerID:          ownerID,
			Kind:             kind,
			FileName:         fileName,
			ContentType:      upload.ContentType,
			SizeBytes:        written,
			CreatedAtSeconds: createdAt,
		}
		assets = append(assets, asset)
		if written > s.maxFileBytes {
			rollback()
			return nil, serviceerr.New(opUpload, "file_too_large", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrFileTooLarge))
		}

		dimensions, err := s.prober.Probe(kind, s.store.Path(fileName))
		if err != nil {
			s.logger.Debug("media probe failed", zap.String("public_id", publicID), zap.Error(err))
		}
		assets[len(assets)-1].Width = dimensions.Width
		assets[len(assets)-1].Height = dimensions.Height
		assets[len(assets)-1].Duration = dimensions.Duration
	}

	if err := s.db.WithContext(ctx).Create(&assets).Error; err != nil {
		rollback()
		serviceerr.Log(s.logger, "media service error", opUpload, "insert_failed", err, zap.String("owner_id", ownerID))
		return nil, serviceerr.New(opUpload, "insert_failed", err)
	}

	items := make([]Item, 0, len(assets))
	for _, asset := range assets {
		items = append(items, asset.item(s.publicPath))
	}
	return items, nil
}

// Delete removes the caller's unattached assets. Unknown or foreign ids are reported, not failed.
func (s *Service) Delete(ctx context.Context, ownerID string, publicIDs []string) (DeleteResult, error) {
	result := DeleteResult{Deleted: []string{}, NotFound: []string{}, Attached: []string{}}
	requested := uniqueIDs(publicIDs)
	if len(requested) == 0 {
		return result, nil
	}

	var assets []Asset
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND public_id IN ?", ownerID, requested).
		Find(&assets).Error; err != nil {
		serviceerr.Log(s.logger, "media service error", opDelete, "query_failed", err, zap.String("owner_id", ownerID))
		return DeleteResult{}, serviceerr.New(opDelete, "query_failed", err)
	}

	found := make(map[string]Asset, len(assets))
	for _, asset := range assets {
		found[asset.PublicID] = asset
	}
	removable := make([]Asset, 0, len(assets))
	for _, publicID := range requested {
		asset, ok := found[publicID]
		switch {
		case !ok:
			result.NotFound = append(result.NotFound, publicID)
		case asset.Attached:
			result.Attached = append(result.Attached, publicID)
		default:
			removable = append(removable, asset)
		}
	}

	removed, err := s.removeAssets(ctx, opDelete, removable)
	if err != nil {
		return DeleteResult{}, err
	}
	result.Deleted = append(result.Deleted, removed...)
	return result, nil
}

// Attach marks the owner's assets as belonging to a post or story and returns
// their canonical descriptors in the requested order.
func (s *Service) Attach(ctx context.Context, ownerID string, publicIDs []string) ([]Item, error) {
	var items []Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attached, err := s.AttachWithin(tx, ownerID, publicIDs)
		items = attached
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// AttachWithin claims unattached assets inside the caller's transaction so the
// claim commits or rolls back together with the post or story that uses them.
// Each asset can be claimed once.
func (s *Service) AttachWithin(tx *gorm.DB, ownerID string, publicIDs []string) ([]Item, error) {
	requested := uniqueIDs(publicIDs)
	if len(requested) == 0 {
		return []Item{}, nil
	}
	var assets []Asset
	if err := tx.Where("owner_id = ? AND public_id IN ?", ownerID, requested).Find(&assets).Error; err != nil {
		serviceerr.Log(s.logger, "media service error", opAttach, "query_failed", err, zap.String("owner_id", ownerID))
		return nil, serviceerr.New(opAttach, "query_failed", err)
	}
	if len(assets) != len(requested) {
		return nil, serviceerr.New(opAttach, "unknown_media", serviceerr.ErrNotFound)
	}
	for _, asset := range assets {
		if asset.Attached {
			return nil, serviceerr.New(opAttach, "already_attached", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrAlreadyAttached))
		}
	}
	update := tx.Model(&Asset{}).
		Where("owner_id = ? AND public_id IN ? AND attached = ?", ownerID, requested, false).
		Update("attached", true)
	if update.Error != nil {
		serviceerr.Log(s.logger, "media service error", opAttach, "update_failed", update.Error, zap.String("owner_id", ownerID))
		return nil, serviceerr.New(opAttach, "update_failed", update.Error)
	}
	if update.RowsAffected != int64(len(requested)) {
		return nil, serviceerr.New(opAttach, "already_attached", fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, ErrAlreadyAttached))
	}

	byID := make(map[string]Asset, len(assets))
	for _, asset := range assets {
		byID[asset.PublicID] = asset
	}
	items := make([]Item, 0, len(requested))
	for _, publicID := range requested {
		asset := byID[publicID]
		asset.Attached = true
		items = append(items, asset.item(s.publicPath))
	}
	return items, nil
}

// Purge removes assets regardless of owner or attachment, e.g. for expired stories.
func (s *Service) Purge(ctx context.Context, publicIDs []string) (int, error) {
	requested := uniqueIDs(publicIDs)
	if len(requested) == 0 {
		return 0, nil
	}
	var assets []Asset
	if err := s.db.WithContext(ctx).Where("public_id IN ?", requested).Find(&assets).Error; err != nil {
		serviceerr.Log(s.logger, "media service error", opPurge, "query_failed", err)
		return 0, serviceerr.New(opPurge, "query_failed", err)
	}
	removed, err := s.removeAssets(ctx, opPurge, assets)
	return len(removed), err
}

// SweepOrphans deletes uploads that were never attached within the orphan TTL.
func (s *Service) SweepOrphans(ctx context.Context) (int, error) {
	cutoff := s.clock().UTC().Add(-s.orphanTTL).Unix()
	var assets []Asset
	if err := s.db.WithContext(ctx).
		Where("attached = ? AND created_at_s < ?", false, cutoff).
		Find(&assets).Error; err != nil {
		serviceerr.Log(s.logger, "media service error", opSweepOrphans, "query_failed", err)
		return 0, serviceerr.New(opSweepOrphans, "query_failed", err)
	}
	removed, err := s.removeAssets(ctx, opSweepOrphans, assets)
	if len(removed) > 0 {
		s.logger.Info("orphan uploads removed", zap.Int("count", len(removed)))
	}
	return len(removed), err
}

func (s *Service) removeAssets(ctx context.Context, operation string, assets []Asset) ([]string, error) {
	removed := make([]string, 0, len(assets))
	if len(assets) == 0 {
		return removed, nil
	}
	publicIDs := make([]string, 0, len(assets))
	for _, asset := range assets {
		publicIDs = append(publicIDs, asset.PublicID)
	}
	if err := s.db.WithContext(ctx).Where("public_id IN ?", publicIDs).Delete(&Asset{}).Error; err != nil {
		serviceerr.Log(s.logger, "media service error", operation, "delete_failed", err)
		return removed, serviceerr.New(operation, "delete_failed", err)
	}
	for _, asset := range assets {
		if err := s.store.Remove(asset.FileName); err != nil {
			s.logger.Warn("media file remove failed", zap.String("public_id", asset.PublicID), zap.Error(err))
		}
		removed = append(removed, asset.PublicID)
	}
	return removed, nil
}

func uniqueIDs(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	return unique
}
