package top8

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/profiles"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fakeSocialGraph struct {
	mu              sync.Mutex
	friends         map[int64][]neynar.BestFriend
	users           map[int64]neynar.User
	bestFriendsErr  error
	bulkErr         error
	bestFriendCalls int
	bulkCalls       int
	bulkRequests    [][]int64
}

func newFakeSocialGraph() *fakeSocialGraph {
	return &fakeSocialGraph{
		friends: make(map[int64][]neynar.BestFriend),
		users:   make(map[int64]neynar.User),
	}
}

func (f *fakeSocialGraph) BestFriends(_ context.Context, fid int64, limit int) ([]neynar.BestFriend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bestFriendCalls++
	if f.bestFriendsErr != nil {
		return nil, f.bestFriendsErr
	}
	friends := f.friends[fid]
	if len(friends) > limit {
		friends = friends[:limit]
	}
	return append([]neynar.BestFriend(nil), friends...), nil
}

func (f *fakeSocialGraph) BulkUsers(_ context.Context, fids []int64) ([]neynar.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	f.bulkRequests = append(f.bulkRequests, append([]int64(nil), fids...))
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	users := make([]neynar.User, 0, len(fids))
	for _, fid := range fids {
		if user, ok := f.users[fid]; ok {
			users = append(users, user)
		}
	}
	return users, nil
}

func (f *fakeSocialGraph) addUser(fid int64, username string) {
	f.users[fid] = neynar.User{FID: fid, Username: username, DisplayName: username + " display"}
}

func (f *fakeSocialGraph) rankFriends(owner int64, fids ...int64) {
	ranked := make([]neynar.BestFriend, 0, len(fids))
	for index, fid := range fids {
		ranked = append(ranked, neynar.BestFriend{
			User:                neynar.User{FID: fid, Username: "user", DisplayName: "user"},
			MutualAffinityScore: 1 - float64(index)/100,
		})
	}
	f.friends[owner] = ranked
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("entry-%03d", p.next), nil
}

type testHarness struct {
	service *Service
	db      *gorm.DB
	graph   *fakeSocialGraph
	store   *profiles.Store
}

func newHarness(t *testing.T, logger *zap.Logger) testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "top8.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&profiles.Profile{}, &Set{}, &Entry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := profiles.NewStore(profiles.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create profile store: %v", err)
	}
	graph := newFakeSocialGraph()
	service, err := NewService(ServiceConfig{
		Database:    db,
		SocialGraph: graph,
		Profiles:    store,
		Clock: func() time.Time {
			return time.Unix(1_700_000_000, 0)
		},
		IDProvider: &sequenceIDProvider{},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return testHarness{service: service, db: db, graph: graph, store: store}
}

func countEntries(t *testing.T, db *gorm.DB, owner int64) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Entry{}).Where("owner_fid = ?", owner).Count(&count).Error; err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	return count
}

func countSets(t *testing.T, db *gorm.DB, owner int64) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Set{}).Where("owner_fid = ?", owner).Count(&count).Error; err != nil {
		t.Fatalf("failed to count sets: %v", err)
	}
	return count
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "top8.service.new.missing_database" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}

func TestResolveGeneratesFirstEightInUpstreamOrder(t *testing.T) {
	harness := newHarness(t, nil)
	harness.graph.addUser(100, "owner")
	ranked := []int64{201, 202, 203, 204, 205, 206, 207, 208, 209, 210}
	for _, fid := range ranked {
		harness.graph.addUser(fid, "friend")
	}
	harness.graph.rankFriends(100, ranked...)

	resolution, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolution.Persisted() || resolution.Set.Customized {
		t.Fatalf("expected persisted uncustomized set, got %+v", resolution.Set)
	}
	if resolution.Set.AlgorithmVersion != AlgorithmVersion {
		t.Fatalf("unexpected algorithm version %q", resolution.Set.AlgorithmVersion)
	}
	if len(resolution.Entries) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(resolution.Entries))
	}
	for index, item := range resolution.Entries {
		if item.Entry.Slot != index+1 || item.Entry.TargetFID != ranked[index] || item.Entry.Source != SourceAuto {
			t.Fatalf("unexpected entry at %d: %+v", index, item.Entry)
		}
		if item.User == nil || item.User.DisplayName != "friend display" {
			t.Fatalf("expected hydrated user at %d, got %+v", index, item.User)
		}
	}
	if got := countEntries(t, harness.db, 100); got != 8 {
		t.Fatalf("expected 8 persisted entries, got %d", got)
	}
	if got := countSets(t, harness.db, 100); got != 1 {
		t.Fatalf("expected one set row, got %d", got)
	}
	if harness.graph.bulkCalls != 1 || len(harness.graph.bulkRequests[0]) != 9 {
		t.Fatalf("expected one bulk call for owner plus 8 targets, got %v", harness.graph.bulkRequests)
	}
	if owner, found, err := harness.store.GetByUsername(context.Background(), "owner"); err != nil || !found || owner.FID != 100 {
		t.Fatalf("expected owner profile to be cached, found=%v err=%v", found, err)
	}
}

func TestResolveIsIdempotentAfterGeneration(t *testing.T) {
	harness := newHarness(t, nil)
	harness.graph.addUser(100, "owner")
	harness.graph.addUser(201, "a")
	harness.graph.addUser(202, "b")
	harness.graph.rankFriends(100, 201, 202)

	first, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	harness.graph.rankFriends(100, 300, 301, 302)

	second, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if harness.graph.bestFriendCalls != 1 {
		t.Fatalf("expected best friends to be queried once, got %d", harness.graph.bestFriendCalls)
	}
	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("expected identical entry counts, got %d and %d", len(first.Entries), len(second.Entries))
	}
	for index := range first.Entries {
		if first.Entries[index].Entry.TargetFID != second.Entries[index].Entry.TargetFID ||
			first.Entries[index].Entry.Slot != second.Entries[index].Entry.Slot {
			t.Fatalf("entries diverged at %d", index)
		}
	}
	if harness.graph.bulkCalls != 2 {
		t.Fatalf("expected exactly one bulk call per resolution, got %d", harness.graph.bulkCalls)
	}
}

func TestResolveDoesNotPadShortRankings(t *testing.T) {
	harness := newHarness(t, nil)
	harness.graph.rankFriends(100, 201, 202, 203)

	resolution, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(resolution.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(resolution.Entries))
	}
	if got := countEntries(t, harness.db, 100); got != 3 {
		t.Fatalf("expected 3 persisted entries, got %d", got)
	}
}

func TestResolveWithEmptyRankingPersistsNothingAndRetries(t *testing.T) {
	harness := newHarness(t, nil)

	for attempt := 0; attempt < 2; attempt++ {
		resolution, err := harness.service.Resolve(context.Background(), 100)
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if resolution.Persisted() || len(resolution.Entries) != 0 {
			t.Fatalf("expected empty unpersisted resolution, got %+v", resolution)
		}
	}
	if got := countSets(t, harness.db, 100); got != 0 {
		t.Fatalf("expected no set row, got %d", got)
	}
	if harness.graph.bestFriendCalls != 2 {
		t.Fatalf("expected generation to be retried, got %d calls", harness.graph.bestFriendCalls)
	}
	if harness.graph.bulkCalls != 0 {
		t.Fatalf("expected no hydration for empty ranking, got %d", harness.graph.bulkCalls)
	}
}

func TestResolveCustomizedSetSkipsBestFriends(t *testing.T) {
	harness := newHarness(t, nil)
	harness.graph.addUser(300, "manual")
	if err := harness.service.Update(context.Background(), 100, []EntryInput{{Slot: 1, TargetFID: 300}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	resolution, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if harness.graph.bestFriendCalls != 0 {
		t.Fatalf("expected no best friends calls, got %d", harness.graph.bestFriendCalls)
	}
	if !resolution.Set.Customized {
		t.Fatalf("expected customized set")
	}
	if len(resolution.Entries) != 1 || resolution.Entries[0].Entry.Source != SourceManual {
		t.Fatalf("expected one manual entry, got %+v", resolution.Entries)
	}
	if resolution.Entries[0].Entry.MutualAffinityScore != 0 {
		t.Fatalf("expected zero score for manual entry")
	}
}

func TestUpdateReplacesGeneratedEntries(t *testing.T) {
	harness := newHarness(t, nil)
	ranked := []int64{201, 202, 203, 204, 205, 206, 207, 208}
	harness.graph.rankFriends(100, ranked...)
	if _, err := harness.service.Resolve(context.Background(), 100); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got := countEntries(t, harness.db, 100); got != 8 {
		t.Fatalf("expected 8 generated entries, got %d", got)
	}

	if err := harness.service.Update(context.Background(), 100, []EntryInput{{Slot: 1, TargetFID: 300}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := countEntries(t, harness.db, 100); got != 1 {
		t.Fatalf("expected full replace to leave 1 entry, got %d", got)
	}
	var set Set
	if err := harness.db.Where("owner_fid = ?", 100).Take(&set).Error; err != nil {
		t.Fatalf("failed to load set: %v", err)
	}
	if !set.Customized {
		t.Fatalf("expected set to be customized")
	}
}

func TestUpdateThenResolveRoundTrips(t *testing.T) {
	harness := newHarness(t, nil)
	harness.graph.addUser(301, "one")
	inputs := []EntryInput{{Slot: 2, TargetFID: 302}, {Slot: 1, TargetFID: 301}}
	if err := harness.service.Update(context.Background(), 100, inputs); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	resolution, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(resolution.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(resolution.Entries))
	}
	if resolution.Entries[0].Entry.Slot != 1 || resolution.Entries[0].Entry.TargetFID != 301 {
		t.Fatalf("expected slot order, got %+v", resolution.Entries[0].Entry)
	}
	if resolution.Entries[0].User == nil {
		t.Fatalf("expected hydrated user for known target")
	}
	if resolution.Entries[1].User != nil {
		t.Fatalf("expected absent user for unknown target, got %+v", resolution.Entries[1].User)
	}
}

func TestUpdateRejectsInvalidOwner(t *testing.T) {
	harness := newHarness(t, nil)
	err := harness.service.Update(context.Background(), 0, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "top8.update.invalid_owner" {
		t.Fatalf("expected invalid owner error, got %v", err)
	}
}

func TestUpdateDuplicateSlotRollsBack(t *testing.T) {
	harness := newHarness(t, nil)
	if err := harness.service.Update(context.Background(), 100, []EntryInput{{Slot: 1, TargetFID: 300}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	err := harness.service.Update(context.Background(), 100, []EntryInput{{Slot: 1, TargetFID: 301}, {Slot: 1, TargetFID: 302}})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "top8.update.entries_insert_failed" {
		t.Fatalf("expected insert failure, got %v", err)
	}

	var entries []Entry
	if err := harness.db.Where("owner_fid = ?", 100).Find(&entries).Error; err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	if len(entries) != 1 || entries[0].TargetFID != 300 {
		t.Fatalf("expected previous ranking to survive rollback, got %+v", entries)
	}
}

func TestResolveReturnsInMemoryEntriesWhenPersistenceFails(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	harness := newHarness(t, zap.New(core))
	harness.graph.addUser(201, "friend")
	harness.graph.addUser(202, "friend")
	harness.graph.rankFriends(100, 201, 202)
	err := harness.db.Callback().Create().Before("gorm:create").Register("test:fail_entries", func(tx *gorm.DB) {
		if tx.Statement.Table == "top8_entries" {
			_ = tx.AddError(errors.New("disk full"))
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	resolution, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("expected best-effort result, got %v", err)
	}
	if resolution.Persisted() {
		t.Fatalf("expected unpersisted resolution")
	}
	if len(resolution.Entries) != 2 || resolution.Entries[0].User == nil {
		t.Fatalf("expected in-memory entries with users, got %+v", resolution.Entries)
	}
	if got := countSets(t, harness.db, 100); got != 0 {
		t.Fatalf("expected rolled back set row, got %d", got)
	}
	if logs.FilterField(zap.String("reason", "persist_failed")).Len() != 1 {
		t.Fatalf("expected persist failure to be logged, got %v", logs.All())
	}
}

func TestResolvePropagatesUpstreamFailure(t *testing.T) {
	harness := newHarness(t, nil)
	upstream := &neynar.UpstreamError{Operation: "best_friends", StatusCode: 503}
	harness.graph.bestFriendsErr = upstream

	_, err := harness.service.Resolve(context.Background(), 100)
	var upstreamErr *neynar.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected upstream error to be wrapped, got %v", err)
	}
}

func TestResolveExistingFallsBackToCachedProfiles(t *testing.T) {
	harness := newHarness(t, nil)
	harness.store.UpsertUsers(context.Background(), []neynar.User{{FID: 301, Username: "cached", DisplayName: "Cached"}})
	if err := harness.service.Update(context.Background(), 100, []EntryInput{{Slot: 1, TargetFID: 301}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	harness.graph.bulkErr = errors.New("upstream down")
	degradedBefore := testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues(metrics.ResolutionCachedDegraded))
	cachedBefore := testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues(metrics.ResolutionCached))

	resolution, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Entries[0].User == nil || resolution.Entries[0].User.DisplayName != "Cached" {
		t.Fatalf("expected cached profile hydration, got %+v", resolution.Entries[0].User)
	}
	if after := testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues(metrics.ResolutionCachedDegraded)); after-degradedBefore != 1 {
		t.Fatalf("expected degraded resolution to be counted once, got %v", after-degradedBefore)
	}
	if after := testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues(metrics.ResolutionCached)); after != cachedBefore {
		t.Fatalf("expected degraded resolution not to count as cached")
	}
}

func TestResolveLeavesUnhydratedTargetsWithoutUser(t *testing.T) {
	harness := newHarness(t, nil)
	harness.graph.addUser(100, "owner")
	harness.graph.addUser(202, "friend")
	harness.graph.rankFriends(100, 201, 202)

	first, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	second, err := harness.service.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	for name, resolution := range map[string]Resolution{"generated": first, "stored": second} {
		if len(resolution.Entries) != 2 {
			t.Fatalf("%s: expected 2 entries, got %d", name, len(resolution.Entries))
		}
		if resolution.Entries[0].Entry.TargetFID != 201 || resolution.Entries[0].User != nil {
			t.Fatalf("%s: expected absent user for unhydrated target, got %+v", name, resolution.Entries[0].User)
		}
		if resolution.Entries[1].User == nil || resolution.Entries[1].User.DisplayName != "friend display" {
			t.Fatalf("%s: expected hydrated user for slot 2, got %+v", name, resolution.Entries[1].User)
		}
	}
}

func TestResolveConcurrentFirstVisitsPersistOneRanking(t *testing.T) {
	harness := newHarness(t, nil)
	sqlDB, err := harness.db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	for _, fid := range []int64{100, 201, 202, 203} {
		harness.graph.addUser(fid, "user")
	}
	harness.graph.rankFriends(100, 201, 202, 203)

	const callers = 6
	results := make([]Resolution, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results[index], errs[index] = harness.service.Resolve(context.Background(), 100)
		}(index)
	}
	wg.Wait()

	if got := countSets(t, harness.db, 100); got != 1 {
		t.Fatalf("expected one set row, got %d", got)
	}
	if got := countEntries(t, harness.db, 100); got != 3 {
		t.Fatalf("expected 3 persisted entries, got %d", got)
	}
	var stored []Entry
	if err := harness.db.Where("owner_fid = ?", 100).Order("slot ASC").Find(&stored).Error; err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	for index := 0; index < callers; index++ {
		if errs[index] != nil {
			t.Fatalf("caller %d failed: %v", index, errs[index])
		}
		if !results[index].Persisted() || len(results[index].Entries) != 3 {
			t.Fatalf("caller %d: unexpected resolution %+v", index, results[index])
		}
		for slot, item := range results[index].Entries {
			if item.Entry.TargetFID != stored[slot].TargetFID || item.Entry.Slot != stored[slot].Slot {
				t.Fatalf("caller %d: entry %d differs from stored ranking: %+v vs %+v", index, slot, item.Entry, stored[slot])
			}
		}
	}
}
