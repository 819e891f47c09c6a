package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"queue-ops/internal/models"
)

// Exporter writes dead-letter rows to cold storage before a purge.
type Exporter interface {
	Export(ctx context.Context, recs []models.DeadLetterRecord) error
}

// S3Exporter uploads purged dead-letter rows as a single JSON object per
// purge, keyed by timestamp under a configurable prefix.
type S3Exporter struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Exporter builds the exporter from the ambient AWS configuration.
func NewS3Exporter(ctx context.Context, bucket, prefix string) (*S3Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if prefix == "" {
		prefix = "dead-letter"
	}
	return &S3Exporter{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (e *S3Exporter) Export(ctx context.Context, recs []models.DeadLetterRecord) error {
	body, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	key := fmt.Sprintf("%s/%s.json", e.prefix, time.Now().UTC().Format("2006-01-02T15-04-05"))
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload export %s: %w", key, err)
	}
	return nil
}
