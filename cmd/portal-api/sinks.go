package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/analytics"
	"einvoice-portal/onboarding-backend/internal/config"
	"einvoice-portal/onboarding-backend/pkg/kvstore"
	"einvoice-portal/onboarding-backend/pkg/storage"
)

// buildSinks creates every analytics sink named in the configuration.
func buildSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]analytics.Sink, error) {
	var sinks []analytics.Sink

	if cfg.Analytics.HasSink("log") {
		sinks = append(sinks, analytics.NewLogSink(logger))
	}

	if cfg.Analytics.HasSink("elasticsearch") {
		es := cfg.Analytics.Elasticsearch
		sink, err := analytics.NewElasticsearchSink(es.Addresses, es.Username, es.Password, es.Index)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.Analytics.HasSink("postgres") {
		sink, err := analytics.OpenPostgresSink(cfg.Database.GetDatabaseURL())
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.Analytics.HasSink("sns") || cfg.Analytics.HasSink("s3") {
		awsCfg, err := kvstore.LoadAWSConfig(ctx, cfg.AWS.Region, cfg.AWS.AccessKey, cfg.AWS.SecretKey)
		if err != nil {
			return nil, err
		}

		if cfg.Analytics.HasSink("sns") {
			client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
				if cfg.AWS.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
				}
			})
			sinks = append(sinks, analytics.NewSNSSink(client, cfg.Analytics.SNSTopicARN))
		}

		if cfg.Analytics.HasSink("s3") {
			client := storage.NewS3Client(awsCfg, cfg.AWS.Endpoint, cfg.AWS.UsePathStyle)
			sinks = append(sinks, analytics.NewArchiveSink(client, cfg.Analytics.S3Bucket, cfg.Analytics.S3Prefix))
		}
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.Info("Analytics sinks configured", zap.Strings("sinks", names))

	return sinks, nil
}
