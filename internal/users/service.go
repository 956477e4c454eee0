package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/auth"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const (
	opFollow    = "users.follow"
	opUnfollow  = "users.unfollow"
	opFollowees = "users.followees"
	opProfile   = "users.profile"
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers, provider-specific identities and the follow graph.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
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
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ResolveCanonicalUserID maps the token's provider and subject to a canonical user id,
// recording the identity on first sight and refreshing non-empty profile fields afterwards.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	key, ok := identityKeyFrom(claims)
	if !ok {
		return "", ErrInvalidIdentity
	}
	if cached, found := s.cache.Load(key); found {
		return cached.(string), nil
	}

	identity := Identity{
		Provider:    key.provider,
		Subject:     key.subject,
		UserID:      key.subject,
		Username:    normalize(claims.Username),
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
		LastSeenAt:  s.now(),
	}
	refreshed := []string{"last_seen_at"}
	for column, value := range map[string]string{
		"username":          identity.Username,
		"user_email":        identity.Email,
		"user_display_name": identity.DisplayName,
		"user_avatar_url":   identity.AvatarURL,
	} {
		if value != "" {
			refreshed = append(refreshed, column)
		}
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "subject"}},
		DoUpdates: clause.AssignmentColumns(refreshed),
	}).Create(&identity).Error
	if err != nil {
		s.logger.Warn("identity upsert failed", zap.String("provider", key.provider), zap.String("subject", key.subject), zap.Error(err))
		return "", err
	}

	var userID string
	if err := s.db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", key.provider, key.subject).
		Pluck("user_id", &userID).Error; err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	s.cache.Store(key, userID)
	return userID, nil
}

// Follow records that followerID follows followeeID. Repeated calls are no-ops.
func (s *Service) Follow(ctx context.Context, followerID, followeeID string) error {
	followerID, followeeID = normalize(followerID), normalize(followeeID)
	if followerID == "" || followeeID == "" {
		return serviceerr.New(opFollow, "missing_user_id", serviceerr.ErrInvalidInput)
	}
	if followerID == followeeID {
		return serviceerr.New(opFollow, "self_follow", serviceerr.ErrInvalidInput)
	}
	edge := Follow{FollowerID: followerID, FolloweeID: followeeID, CreatedAtSeconds: s.now().UTC().Unix()}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&edge).Error; err != nil {
		serviceerr.Log(s.logger, "users service error", opFollow, "insert_failed", err,
			zap.String("follower_id", followerID), zap.String("followee_id", followeeID))
		return serviceerr.New(opFollow, "insert_failed", err)
	}
	return nil
}

// Unfollow removes the edge if present.
func (s *Service) Unfollow(ctx context.Context, followerID, followeeID string) error {
	if normalize(followerID) == "" || normalize(followeeID) == "" {
		return serviceerr.New(opUnfollow, "missing_user_id", serviceerr.ErrInvalidInput)
	}
	if err := s.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", normalize(followerID), normalize(followeeID)).
		Delete(&Follow{}).Error; err != nil {
		serviceerr.Log(s.logger, "users service error", opUnfollow, "delete_failed", err,
			zap.String("follower_id", followerID), zap.String("followee_id", followeeID))
		return serviceerr.New(opUnfollow, "delete_failed", err)
	}
	return nil
}

// Followees lists the ids the user follows, oldest edge first.
func (s *Service) Followees(ctx context.Context, userID string) ([]string, error) {
	var edges []Follow
	if err := s.db.WithContext(ctx).
		Where("follower_id = ?", normalize(userID)).
		Order("created_at_s ASC").
		Order("followee_id ASC").
		Find(&edges).Error; err != nil {
		serviceerr.Log(s.logger, "users service error", opFollowees, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opFollowees, "query_failed", err)
	}
	followees := make([]string, 0, len(edges))
	for _, edge := range edges {
		followees = append(followees, edge.FolloweeID)
	}
	return followees, nil
}

// Profile returns the stored identity details and follow list for a canonical user id.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	profile := Profile{UserID: userID}
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Take(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Profile{}, serviceerr.New(opProfile, "unknown_user", serviceerr.ErrNotFound)
	case err != nil:
		serviceerr.Log(s.logger, "users service error", opProfile, "query_failed", err, zap.String("user_id", userID))
		return Profile{}, serviceerr.New(opProfile, "query_failed", err)
	}
	profile.Username = identity.Username
	profile.DisplayName = identity.DisplayName
	profile.AvatarURL = identity.AvatarURL

	followees, err := s.Followees(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	profile.Following = followees
	return profile, nil
}

type identityKey struct {
	provider string
	subject  string
}

// identityKeyFrom prefers a "provider:subject" user id, then the registered
// subject, then the email.
func identityKeyFrom(claims auth.SessionClaims) (identityKey, bool) {
	key := identityKey{provider: "default", subject: normalize(claims.Subject)}
	if raw := normalize(claims.UserID); raw != "" {
		provider, subject, scoped := strings.Cut(raw, ":")
		switch {
		case scoped && normalize(provider) != "" && normalize(subject) != "":
			key = identityKey{provider: normalize(provider), subject: normalize(subject)}
		case !scoped:
			key.subject = raw
		}
	}
	if key.subject == "" {
		key.subject = normalize(claims.UserEmail)
	}
	return key, key.subject != ""
}
