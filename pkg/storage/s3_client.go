package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client stores objects in S3 or an S3-compatible endpoint.
type S3Client interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
}

type awsS3Client struct {
	uploader *manager.Uploader
}

// NewS3Client builds a client from a loaded AWS configuration.
// usePathStyle is needed for S3-compatible endpoints such as MinIO or LocalStack.
func NewS3Client(cfg aws.Config, endpoint string, usePathStyle bool) S3Client {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = usePathStyle
	})
	return &awsS3Client{uploader: manager.NewUploader(client)}
}

func (c *awsS3Client) Upload(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
