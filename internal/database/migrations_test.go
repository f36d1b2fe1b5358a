package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/top8"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&profiles.Profile{}, &top8.Set{}, &top8.Entry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsNormalizesUsernames(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	profile := profiles.Profile{FID: 3, Username: " DWR ", LastSeenAt: time.Unix(1, 0)}
	if err := database.Create(&profile).Error; err != nil {
		testContext.Fatalf("failed to insert profile: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored profiles.Profile
	if err := database.Where("fid = ?", 3).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload profile: %v", err)
	}
	if stored.Username != "dwr" {
		testContext.Fatalf("expected normalized username, got %q", stored.Username)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeProfileUsernames).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsResetsEmptyGeneratedSetsOnly(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	now := time.Unix(1_700_000_000, 0).UTC()

	sets := []top8.Set{
		{OwnerFID: 1, AlgorithmVersion: top8.AlgorithmVersion, GeneratedAt: now, UpdatedAt: now},
		{OwnerFID: 2, AlgorithmVersion: top8.AlgorithmVersion, GeneratedAt: now, UpdatedAt: now},
		{OwnerFID: 3, AlgorithmVersion: top8.AlgorithmVersion, GeneratedAt: now, UpdatedAt: now, Customized: true},
	}
	if err := database.Create(&sets).Error; err != nil {
		testContext.Fatalf("failed to insert sets: %v", err)
	}
	entry := top8.Entry{ID: "entry-1", OwnerFID: 2, Slot: 1, TargetFID: 20, Source: top8.SourceAuto, CreatedAt: now}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to insert entry: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []top8.Set
	if err := database.Order("owner_fid ASC").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload sets: %v", err)
	}
	if len(remaining) != 2 || remaining[0].OwnerFID != 2 || remaining[1].OwnerFID != 3 {
		testContext.Fatalf("expected only the empty generated set to be removed, got %+v", remaining)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count records: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected two migration records, got %d", count)
	}
}
