package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMissingDatabase indicates the store was built without a database handle.
var ErrMissingDatabase = errors.New("profiles: database connection required")

// StoreConfig describes the dependencies required for profile caching.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists profile snapshots. Writes are best effort: the cache is an
// optimization and never the source of truth for a request.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewStore constructs the profile store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Upsert merges the profile by fid and stamps last_seen_at. Failures are logged
// and swallowed.
func (s *Store) Upsert(ctx context.Context, profile Profile) {
	if profile.FID <= 0 {
		return
	}
	profile.Username = normalizeUsername(profile.Username)
	profile.LastSeenAt = s.now().UTC()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fid"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "display_name", "avatar_url", "last_seen_at"}),
		}).
		Create(&profile).
		Error
	if err != nil {
		s.logger.Warn("profile upsert failed",
			zap.Int64("fid", profile.FID),
			zap.String("username", profile.Username),
			zap.Error(err))
	}
}

// UpsertUsers caches every hydrated upstream user.
func (s *Store) UpsertUsers(ctx context.Context, users []neynar.User) {
	for _, user := range users {
		s.Upsert(ctx, FromUser(user))
	}
}

// GetByUsername reads a cached profile without consulting the social graph.
func (s *Store) GetByUsername(ctx context.Context, username string) (Profile, bool, error) {
	normalized := normalizeUsername(username)
	if normalized == "" {
		return Profile{}, false, nil
	}

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("username = ?", normalized).
		Order("last_seen_at DESC").
		Take(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("profiles: lookup %q: %w", normalized, err)
	}
	return profile, true, nil
}

// GetByFIDs returns cached profiles for the given identities; unknown ids are absent.
func (s *Store) GetByFIDs(ctx context.Context, fids []int64) ([]Profile, error) {
	if len(fids) == 0 {
		return []Profile{}, nil
	}
	var cached []Profile
	if err := s.db.WithContext(ctx).Where("fid IN ?", fids).Find(&cached).Error; err != nil {
		return nil, fmt.Errorf("profiles: lookup by fid: %w", err)
	}
	return cached, nil
}
