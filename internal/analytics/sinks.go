package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Info("Onboarding analytics event",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("user_id", e.UserID),
			zap.String("role", e.Role),
			zap.String("step_id", e.StepID),
			zap.Time("timestamp", e.Timestamp),
			zap.Float64("duration_seconds", e.DurationSeconds),
			zap.Any("metadata", e.Metadata))
	}
	return nil
}

// encodeNDJSON renders events one JSON document per line.
func encodeNDJSON(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
		}
	}
	return buf.Bytes(), nil
}
