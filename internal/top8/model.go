package top8

import (
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
)

// AlgorithmVersion tags sets generated from the affinity ranking.
const AlgorithmVersion = "neynar_best_friends_v1"

// Source records how an entry was produced.
type Source string

const (
	// SourceAuto marks entries generated from the affinity ranking.
	SourceAuto Source = "auto"
	// SourceManual marks entries saved by the owner.
	SourceManual Source = "manual"
)

// Set is the per-owner ranking header. Its existence means the owner has been
// initialized and the resolver will not regenerate the ranking.
type Set struct {
	OwnerFID         int64     `gorm:"column:owner_fid;primaryKey;autoIncrement:false"`
	AlgorithmVersion string    `gorm:"column:algorithm_version;size:64;not null"`
	GeneratedAt      time.Time `gorm:"column:generated_at;not null"`
	Customized       bool      `gorm:"column:customized;not null;default:false"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing ranking headers.
func (Set) TableName() string {
	return "top8_sets"
}

// Entry is one ranked slot.
type Entry struct {
	ID                  string    `gorm:"column:id;primaryKey;size:36"`
	OwnerFID            int64     `gorm:"column:owner_fid;not null;uniqueIndex:idx_top8_entries_owner_slot,priority:1"`
	Slot                int       `gorm:"column:slot;not null;uniqueIndex:idx_top8_entries_owner_slot,priority:2"`
	TargetFID           int64     `gorm:"column:target_fid;not null"`
	Source              Source    `gorm:"column:source;size:16;not null"`
	MutualAffinityScore float64   `gorm:"column:mutual_affinity_score;not null;default:0"`
	CreatedAt           time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing ranked slots.
func (Entry) TableName() string {
	return "top8_entries"
}

// EntryInput is one slot of a manual save.
type EntryInput struct {
	Slot      int   `json:"slot"`
	TargetFID int64 `json:"target_fid"`
}

// ResolvedEntry pairs a slot with its hydrated target. User is nil when the
// target could not be hydrated.
type ResolvedEntry struct {
	Entry Entry
	User  *neynar.User
}

// Resolution is the result of Resolve. Set is nil when no ranking exists yet.
type Resolution struct {
	Set     *Set
	Entries []ResolvedEntry
}

// Persisted reports whether the resolution is backed by a stored set.
func (r Resolution) Persisted() bool {
	return r.Set != nil
}
