package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// snsBatchLimit is the PublishBatch entry cap.
const snsBatchLimit = 10

// SNSAPI is the subset of the SNS client used by SNSSink.
type SNSAPI interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// SNSSink fans events out to a topic.
type SNSSink struct {
	client   SNSAPI
	topicARN string
}

func NewSNSSink(client SNSAPI, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

func (s *SNSSink) Name() string { return "sns" }

func (s *SNSSink) Write(ctx context.Context, events []Event) error {
	failed := 0
	for start := 0; start < len(events); start += snsBatchLimit {
		end := start + snsBatchLimit
		if end > len(events) {
			end = len(events)
		}

		entries := make([]types.PublishBatchRequestEntry, 0, end-start)
		for _, e := range events[start:end] {
			body, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode event %s: %w", e.ID, err)
			}
			entries = append(entries, types.PublishBatchRequestEntry{
				Id:      aws.String(e.ID),
				Message: aws.String(string(body)),
				MessageAttributes: map[string]types.MessageAttributeValue{
					"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(e.Type))},
					"role":       {DataType: aws.String("String"), StringValue: aws.String(e.Role)},
				},
			})
		}

		out, err := s.client.PublishBatch(ctx, &sns.PublishBatchInput{
			TopicArn:                   aws.String(s.topicARN),
			PublishBatchRequestEntries: entries,
		})
		if err != nil {
			return fmt.Errorf("publish batch failed: %w", err)
		}
		failed += len(out.Failed)
	}
	if failed > 0 {
		return fmt.Errorf("%d events rejected by sns", failed)
	}
	return nil
}
