package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
)

// ElasticsearchSink indexes events with the bulk API.
type ElasticsearchSink struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticsearchSink connects to the given addresses.
func NewElasticsearchSink(addresses []string, username, password, index string) (*ElasticsearchSink, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	if index == "" {
		index = "onboarding-events"
	}
	return &ElasticsearchSink{client: client, index: index}, nil
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []Event) error {
	body, err := s.bulkBody(events)
	if err != nil {
		return err
	}

	res, err := s.client.Bulk(
		bytes.NewReader(body),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.index),
	)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("bulk request rejected: %s: %s", res.Status(), msg)
	}

	var out struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if out.Errors {
		return fmt.Errorf("bulk request had item failures")
	}
	return nil
}

func (s *ElasticsearchSink) bulkBody(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		meta := map[string]map[string]string{"index": {"_id": e.ID}}
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
		}
	}
	return buf.Bytes(), nil
}
