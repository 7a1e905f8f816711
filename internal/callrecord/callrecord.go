// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package callrecord persists the call records emitted on CallEnded
// (spec.md §3, §6): { call_id, started_at, ended_at, codec, transcripts[],
// turns[] }. Grounded on the teacher's internal/callcontext package — same
// gorm model + Store interface + BeforeCreate ID-assignment shape, renamed
// from a pre-call claim record to a post-call transcript/turn record.
package callrecord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rapidaai/voxrelay/pkg/commons"
)

// TranscriptEntry is one ASR/TTS utterance attributed to a speaker role.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
	TMs  uint64 `json:"tMs"`
}

// TurnEntry records one listen-then-speak cycle's boundaries, for replay
// and latency analysis.
type TurnEntry struct {
	StartedAtMs uint64 `json:"startedAtMs"`
	EndedAtMs   uint64 `json:"endedAtMs"`
	BargedIn    bool   `json:"bargedIn"`
}

// CallRecord is the persisted summary of one call (spec.md §3's CallRecord,
// §6's emitted shape on CallEnded).
type CallRecord struct {
	ID          uint64    `gorm:"type:bigint;primaryKey;<-:create"`
	CallID      string    `gorm:"column:call_id;type:varchar(64);not null;uniqueIndex"`
	Codec       string    `gorm:"column:codec;type:varchar(64);not null;default:''"`
	Reason      string    `gorm:"column:reason;type:varchar(64);not null;default:''"`
	StartedAt   time.Time `gorm:"column:started_at;type:timestamp;not null"`
	EndedAt     time.Time `gorm:"column:ended_at;type:timestamp"`
	Transcripts []TranscriptEntry `gorm:"-"`
	Turns       []TurnEntry       `gorm:"-"`

	TranscriptsJSON string `gorm:"column:transcripts_json;type:text;not null;default:'[]'"`
	TurnsJSON       string `gorm:"column:turns_json;type:text;not null;default:'[]'"`
}

func (CallRecord) TableName() string { return "call_records" }

func (cr *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if cr.ID == 0 {
		cr.ID = uint64(time.Now().UnixNano())
	}
	return nil
}

// Store persists and retrieves call records.
type Store interface {
	Create(ctx context.Context, callID string, startedAt time.Time) error
	Complete(ctx context.Context, callID string, reason string, codec string, endedAt time.Time, transcripts []TranscriptEntry, turns []TurnEntry) error
	Get(ctx context.Context, callID string) (*CallRecord, error)
}

type gormStore struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewStore builds a Store backed by the given gorm connection (postgres in
// production, sqlite for local/dev per internal/config's SqliteFile
// fallback).
func NewStore(db *gorm.DB, logger commons.Logger) Store {
	return &gormStore{db: db, logger: logger}
}

// AutoMigrate creates/updates the call_records table. Called at startup by
// cmd/voxrelayd and again by preflight's database check.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CallRecord{})
}

func (s *gormStore) Create(ctx context.Context, callID string, startedAt time.Time) error {
	if callID == "" {
		callID = uuid.NewString()
	}
	rec := &CallRecord{CallID: callID, StartedAt: startedAt}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("callrecord: create %s: %w", callID, err)
	}
	return nil
}

func (s *gormStore) Complete(ctx context.Context, callID, reason, codecName string, endedAt time.Time, transcripts []TranscriptEntry, turns []TurnEntry) error {
	transcriptsJSON, err := marshalTranscripts(transcripts)
	if err != nil {
		return err
	}
	turnsJSON, err := marshalTurns(turns)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&CallRecord{}).Where("call_id = ?", callID).Updates(map[string]any{
		"reason":           reason,
		"codec":            codecName,
		"ended_at":         endedAt,
		"transcripts_json": transcriptsJSON,
		"turns_json":       turnsJSON,
	})
	if res.Error != nil {
		return fmt.Errorf("callrecord: complete %s: %w", callID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warnw("callrecord: complete found no matching row", "call_id", callID)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, callID string) (*CallRecord, error) {
	var rec CallRecord
	if err := s.db.WithContext(ctx).Where("call_id = ?", callID).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("callrecord: get %s: %w", callID, err)
	}
	if err := unmarshalTranscripts(rec.TranscriptsJSON, &rec.Transcripts); err != nil {
		return nil, err
	}
	if err := unmarshalTurns(rec.TurnsJSON, &rec.Turns); err != nil {
		return nil, err
	}
	return &rec, nil
}
