package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// EventRecord is the persisted form of an Event.
type EventRecord struct {
	ID              string         `json:"id" gorm:"primaryKey;type:uuid"`
	Type            string         `json:"type" gorm:"not null;index"`
	UserID          string         `json:"user_id" gorm:"not null;index"`
	Role            string         `json:"role" gorm:"not null"`
	StepID          string         `json:"step_id" gorm:""`
	DurationSeconds float64        `json:"duration_seconds" gorm:"default:0"`
	Metadata        datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	OccurredAt      time.Time      `json:"occurred_at" gorm:"not null;index"`
	CreatedAt       time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

func (EventRecord) TableName() string { return "onboarding_events" }

// PostgresSink stores events through gorm.
type PostgresSink struct {
	db *gorm.DB
}

// OpenPostgresSink connects and migrates the events table.
func OpenPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics database: %w", err)
	}
	return NewPostgresSink(db)
}

func NewPostgresSink(db *gorm.DB) (*PostgresSink, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, events []Event) error {
	records := make([]EventRecord, 0, len(events))
	for _, e := range events {
		rec, err := toRecord(e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := s.db.WithContext(ctx).CreateInBatches(records, 100).Error; err != nil {
		return fmt.Errorf("failed to insert analytics events: %w", err)
	}
	return nil
}

func toRecord(e Event) (EventRecord, error) {
	md := datatypes.JSON("{}")
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return EventRecord{}, fmt.Errorf("failed to encode metadata of %s: %w", e.ID, err)
		}
		md = datatypes.JSON(data)
	}
	return EventRecord{
		ID:              e.ID,
		Type:            string(e.Type),
		UserID:          e.UserID,
		Role:            e.Role,
		StepID:          e.StepID,
		DurationSeconds: e.DurationSeconds,
		Metadata:        md,
		OccurredAt:      e.Timestamp,
	}, nil
}
