// Package history persists finished calls. It is a collaborator of the
// call core, never a dependency of call setup: recording failures are
// logged by the caller and must not affect teardown.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// CallRecord is one finished call with media time.
type CallRecord struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	MatchID         string `gorm:"index" json:"match_id"`
	CallType        string `json:"call_type"` // "audio" or "video"
	DurationSeconds int    `json:"duration_seconds"`
	IsIncoming      bool   `json:"is_incoming"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is a sqlite-backed call history.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&CallRecord{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordCall persists one finished call. Satisfies call.HistoryRecorder.
func (s *Store) RecordCall(matchID, callType string, durationSeconds int, isIncoming bool) error {
	rec := CallRecord{
		MatchID:         matchID,
		CallType:        callType,
		DurationSeconds: durationSeconds,
		IsIncoming:      isIncoming,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("history: record call: %w", err)
	}
	return nil
}

// ListByMatch returns the newest records for a match, newest first. A
// non-positive limit returns everything.
func (s *Store) ListByMatch(matchID string, limit int) ([]CallRecord, error) {
	q := s.db.Where("match_id = ?", matchID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []CallRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("history: list by match: %w", err)
	}
	return records, nil
}
