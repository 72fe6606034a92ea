package analytics

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"einvoice-portal/onboarding-backend/pkg/storage"
)

// ArchiveSink uploads each batch as an NDJSON object.
type ArchiveSink struct {
	s3     storage.S3Client
	bucket string
	prefix string
}

func NewArchiveSink(client storage.S3Client, bucket, prefix string) *ArchiveSink {
	if prefix == "" {
		prefix = "onboarding-events"
	}
	return &ArchiveSink{s3: client, bucket: bucket, prefix: prefix}
}

func (s *ArchiveSink) Name() string { return "s3-archive" }

func (s *ArchiveSink) Write(ctx context.Context, events []Event) error {
	body, err := encodeNDJSON(events)
	if err != nil {
		return err
	}
	if err := s.s3.Upload(ctx, s.bucket, s.objectKey(time.Now().UTC()), bytes.NewReader(body), "application/x-ndjson"); err != nil {
		return fmt.Errorf("failed to archive %d events: %w", len(events), err)
	}
	return nil
}

func (s *ArchiveSink) objectKey(now time.Time) string {
	return fmt.Sprintf("%s/dt=%s/%s.ndjson", s.prefix, now.Format("2006-01-02"), uuid.New().String())
}
