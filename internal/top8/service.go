package top8

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/profiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	bestFriendsFetchLimit = 12
	maxSlots              = 8
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingSocialGraph   = errors.New("social graph client is required")
	errMissingProfileCache  = errors.New("profile cache is required")
	errMissingIDProvider    = errors.New("id provider is required")
	errInvalidOwner         = errors.New("owner fid must be positive")
	errConcurrentGeneration = errors.New("set created concurrently")
	noOpLogger              = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "top8.service.new"
	opResolve    = "top8.resolve"
	opUpdate     = "top8.update"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// SocialGraph is the subset of the Neynar client used by the resolver.
type SocialGraph interface {
	BestFriends(ctx context.Context, fid int64, limit int) ([]neynar.BestFriend, error)
	BulkUsers(ctx context.Context, fids []int64) ([]neynar.User, error)
}

// ProfileCache is the subset of the profile store used by the resolver.
type ProfileCache interface {
	UpsertUsers(ctx context.Context, users []neynar.User)
	GetByFIDs(ctx context.Context, fids []int64) ([]profiles.Profile, error)
}

type ServiceConfig struct {
	Database    *gorm.DB
	SocialGraph SocialGraph
	Profiles    ProfileCache
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
}

// Service resolves and mutates per-owner rankings.
type Service struct {
	db         *gorm.DB
	graph      SocialGraph
	profiles   ProfileCache
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.SocialGraph == nil {
		return nil, newServiceError(opServiceNew, "missing_social_graph", errMissingSocialGraph)
	}
	if cfg.Profiles == nil {
		return nil, newServiceError(opServiceNew, "missing_profile_cache", errMissingProfileCache)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		graph:      cfg.SocialGraph,
		profiles:   cfg.Profiles,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Resolve returns the owner's ranking, generating it from the affinity ranking
// the first time the owner is seen.
func (s *Service) Resolve(ctx context.Context, ownerFID int64) (Resolution, error) {
	if ownerFID <= 0 {
		return Resolution{}, newServiceError(opResolve, "invalid_owner", errInvalidOwner)
	}

	set, found, err := s.loadSet(ctx, ownerFID)
	if err != nil {
		metrics.IncResolution(metrics.ResolutionFailed)
		return Resolution{}, err
	}
	if found {
		return s.resolveExisting(ctx, set)
	}
	return s.generate(ctx, ownerFID)
}

// Version reports when the owner's stored ranking last changed. found is false
// until a ranking has been persisted.
func (s *Service) Version(ctx context.Context, ownerFID int64) (time.Time, bool, error) {
	if ownerFID <= 0 {
		return time.Time{}, false, newServiceError(opResolve, "invalid_owner", errInvalidOwner)
	}
	set, found, err := s.loadSet(ctx, ownerFID)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	return set.UpdatedAt, true, nil
}

func (s *Service) loadSet(ctx context.Context, ownerFID int64) (Set, bool, error) {
	var set Set
	err := s.db.WithContext(ctx).Where("owner_fid = ?", ownerFID).Take(&set).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Set{}, false, nil
	}
	if err != nil {
		s.logError(opResolve, "set_select_failed", err, zap.Int64("owner_fid", ownerFID))
		return Set{}, false, newServiceError(opResolve, "set_select_failed", err)
	}
	return set, true, nil
}

func (s *Service) resolveExisting(ctx context.Context, set Set) (Resolution, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where("owner_fid = ?", set.OwnerFID).
		Order("slot ASC").
		Find(&entries).Error; err != nil {
		s.logError(opResolve, "entries_select_failed", err, zap.Int64("owner_fid", set.OwnerFID))
		metrics.IncResolution(metrics.ResolutionFailed)
		return Resolution{}, newServiceError(opResolve, "entries_select_failed", err)
	}

	targets := make([]int64, 0, len(entries))
	for _, entry := range entries {
		targets = append(targets, entry.TargetFID)
	}
	users, degraded := s.hydrateStored(ctx, set.OwnerFID, targets)

	resolved := make([]ResolvedEntry, 0, len(entries))
	for _, entry := range entries {
		resolved = append(resolved, ResolvedEntry{Entry: entry, User: lookupUser(users, entry.TargetFID)})
	}

	if degraded {
		metrics.IncResolution(metrics.ResolutionCachedDegraded)
	} else {
		metrics.IncResolution(metrics.ResolutionCached)
	}
	stored := set
	return Resolution{Set: &stored, Entries: resolved}, nil
}

// hydrateStored fetches users for persisted targets in one batched call. A failed
// call falls back to the locally cached profiles and reports degraded.
func (s *Service) hydrateStored(ctx context.Context, ownerFID int64, targets []int64) (map[int64]neynar.User, bool) {
	users := make(map[int64]neynar.User, len(targets))
	if len(targets) == 0 {
		return users, false
	}

	hydrated, err := s.graph.BulkUsers(ctx, targets)
	if err == nil {
		for _, user := range hydrated {
			users[user.FID] = user
		}
		return users, false
	}

	s.logger.Warn("hydration failed, using cached profiles",
		zap.Int64("owner_fid", ownerFID),
		zap.Error(err))
	cached, cacheErr := s.profiles.GetByFIDs(ctx, targets)
	if cacheErr != nil {
		s.logger.Warn("cached profile lookup failed",
			zap.Int64("owner_fid", ownerFID),
			zap.Error(cacheErr))
		return users, true
	}
	for _, profile := range cached {
		users[profile.FID] = profile.User()
	}
	return users, true
}

func (s *Service) generate(ctx context.Context, ownerFID int64) (Resolution, error) {
	friends, err := s.graph.BestFriends(ctx, ownerFID, bestFriendsFetchLimit)
	if err != nil {
		s.logError(opResolve, "best_friends_failed", err, zap.Int64("owner_fid", ownerFID))
		metrics.IncResolution(metrics.ResolutionFailed)
		return Resolution{}, newServiceError(opResolve, "best_friends_failed", err)
	}
	if len(friends) == 0 {
		metrics.IncResolution(metrics.ResolutionEmpty)
		return Resolution{Entries: []ResolvedEntry{}}, nil
	}
	if len(friends) > maxSlots {
		friends = friends[:maxSlots]
	}

	fids := make([]int64, 0, len(friends)+1)
	fids = append(fids, ownerFID)
	for _, friend := range friends {
		fids = append(fids, friend.User.FID)
	}
	hydrated, err := s.graph.BulkUsers(ctx, fids)
	if err != nil {
		s.logError(opResolve, "hydrate_failed", err, zap.Int64("owner_fid", ownerFID))
		metrics.IncResolution(metrics.ResolutionFailed)
		return Resolution{}, newServiceError(opResolve, "hydrate_failed", err)
	}
	s.profiles.UpsertUsers(ctx, hydrated)

	users := make(map[int64]neynar.User, len(hydrated))
	for _, user := range hydrated {
		users[user.FID] = user
	}

	now := s.clock().UTC()
	resolved := make([]ResolvedEntry, 0, len(friends))
	for index, friend := range friends {
		entryID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opResolve, "id_generation_failed", err, zap.Int64("owner_fid", ownerFID))
			metrics.IncResolution(metrics.ResolutionFailed)
			return Resolution{}, newServiceError(opResolve, "id_generation_failed", err)
		}
		resolved = append(resolved, ResolvedEntry{
			Entry: Entry{
				ID:                  entryID,
				OwnerFID:            ownerFID,
				Slot:                index + 1,
				TargetFID:           friend.User.FID,
				Source:              SourceAuto,
				MutualAffinityScore: friend.MutualAffinityScore,
				CreatedAt:           now,
			},
			User: lookupUser(users, friend.User.FID),
		})
	}

	set := Set{
		OwnerFID:         ownerFID,
		AlgorithmVersion: AlgorithmVersion,
		GeneratedAt:      now,
		Customized:       false,
		UpdatedAt:        now,
	}
	err = s.persistGenerated(ctx, set, resolved)
	if errors.Is(err, errConcurrentGeneration) {
		existing, found, loadErr := s.loadSet(ctx, ownerFID)
		if loadErr == nil && found {
			return s.resolveExisting(ctx, existing)
		}
	}
	if err != nil {
		s.logError(opResolve, "persist_failed", err, zap.Int64("owner_fid", ownerFID))
		metrics.IncResolution(metrics.ResolutionPersistFailed)
		return Resolution{Entries: resolved}, nil
	}

	metrics.IncResolution(metrics.ResolutionGenerated)
	return Resolution{Set: &set, Entries: resolved}, nil
}

func (s *Service) persistGenerated(ctx context.Context, set Set, resolved []ResolvedEntry) error {
	entries := make([]Entry, 0, len(resolved))
	for _, item := range resolved {
		entries = append(entries, item.Entry)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&set)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			return errConcurrentGeneration
		}
		if err := tx.Where("owner_fid = ?", set.OwnerFID).Delete(&Entry{}).Error; err != nil {
			return err
		}
		return tx.Create(&entries).Error
	})
}

// Update replaces the owner's entries with a manual ranking and marks the set
// customized, creating the set when none exists. Slot range and target
// uniqueness are not validated.
func (s *Service) Update(ctx context.Context, ownerFID int64, inputs []EntryInput) (err error) {
	defer func() {
		metrics.IncUpdate(err)
	}()

	if ownerFID <= 0 {
		return newServiceError(opUpdate, "invalid_owner", errInvalidOwner)
	}

	now := s.clock().UTC()
	entries := make([]Entry, 0, len(inputs))
	for _, input := range inputs {
		entryID, idErr := s.idProvider.NewID()
		if idErr != nil {
			s.logError(opUpdate, "id_generation_failed", idErr, zap.Int64("owner_fid", ownerFID))
			return newServiceError(opUpdate, "id_generation_failed", idErr)
		}
		entries = append(entries, Entry{
			ID:                  entryID,
			OwnerFID:            ownerFID,
			Slot:                input.Slot,
			TargetFID:           input.TargetFID,
			Source:              SourceManual,
			MutualAffinityScore: 0,
			CreatedAt:           now,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_fid = ?", ownerFID).Delete(&Entry{}).Error; err != nil {
			s.logError(opUpdate, "entries_delete_failed", err, zap.Int64("owner_fid", ownerFID))
			return newServiceError(opUpdate, "entries_delete_failed", err)
		}
		if len(entries) > 0 {
			if err := tx.Create(&entries).Error; err != nil {
				s.logError(opUpdate, "entries_insert_failed", err,
					zap.Int64("owner_fid", ownerFID),
					zap.Int("entry_count", len(entries)))
				return newServiceError(opUpdate, "entries_insert_failed", err)
			}
		}
		set := Set{
			OwnerFID:         ownerFID,
			AlgorithmVersion: AlgorithmVersion,
			GeneratedAt:      now,
			Customized:       true,
			UpdatedAt:        now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_fid"}},
			DoUpdates: clause.AssignmentColumns([]string{"customized", "updated_at"}),
		}).Create(&set).Error; err != nil {
			s.logError(opUpdate, "set_save_failed", err, zap.Int64("owner_fid", ownerFID))
			return newServiceError(opUpdate, "set_save_failed", err)
		}
		return nil
	})
}

func lookupUser(users map[int64]neynar.User, fid int64) *neynar.User {
	user, ok := users[fid]
	if !ok {
		return nil
	}
	return &user
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("top8 service error", attrs...)
}
