// Package archive uploads completed workflow execution records to R2 object
// storage so the Store's workflow_executions/workflow_tasks tables can be
// trimmed without losing history. Adapted directly from the teacher's
// internal/reliability.R2Client — same AWS SDK v2 endpoint-resolver trick for
// talking to Cloudflare R2, generalized from whole-database backup blobs to
// one JSON document per workflow execution.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/exosim/control-plane/internal/domain"
)

// Record is the archived unit: one execution header plus its task
// transitions, serialized as one object per execution_id.
type Record struct {
	Execution domain.ExecutionRecord `json:"execution"`
	Tasks     []domain.TaskRecord    `json:"tasks"`
}

// Client wraps the S3-compatible SDK pointed at Cloudflare R2, mirroring the
// teacher's R2Client field layout (client/uploader/downloader/bucket/log).
type Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewClient builds a Client for accountID/bucket, failing fast on incomplete
// credentials exactly as the teacher's constructor does.
func NewClient(ctx context.Context, accountID, accessKeyID, secretAccessKey, bucket string, log zerolog.Logger) (*Client, error) {
	if accountID == "" || accessKeyID == "" || secretAccessKey == "" || bucket == "" {
		return nil, fmt.Errorf("archive: r2 credentials incomplete")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
			HostnameImmutable: true,
			SigningRegion:     "auto",
		}, nil
	})

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 2
	})

	return &Client{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		log:      log.With().Str("component", "archive_client").Logger(),
	}, nil
}

// key derives the object key for an execution: one JSON document per
// execution, partitioned by workflow name and start date for discoverability.
func key(rec domain.ExecutionRecord) string {
	return fmt.Sprintf("workflow-executions/%s/%s/%s.json",
		rec.WorkflowName, rec.StartedAt.UTC().Format("2006-01-02"), rec.ExecutionID)
}

// Archive uploads rec to R2 as one JSON object.
func (c *Client) Archive(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: failed to marshal execution record: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	k := key(rec.Execution)
	c.log.Info().Str("key", k).Int("size", len(body)).Msg("archiving workflow execution")

	_, err = c.uploader.Upload(uploadCtx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("archive: upload failed: %w", err)
	}
	return nil
}
