package objectclient

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	cfg "github.com/markdave123-py/contexta-pipeline/internal/config"
	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

type S3Client struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

var _ core.ObjectClient = (*S3Client)(nil)

func NewS3Client(ctx context.Context, cfg *cfg.Config, logger *slog.Logger) (*S3Client, error) {
	if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
		return nil, fmt.Errorf("AWS credentials not set")
	}
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithClient(s3.NewFromConfig(awsCfg), cfg.BucketName, logger), nil
}

// NewWithClient wraps a configured S3 client, e.g. one pointed at MinIO.
func NewWithClient(client *s3.Client, bucket string, logger *slog.Logger) *S3Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Client{client: client, bucket: bucket, logger: logger.With("component", "s3")}
}

// Upload stores data in the configured bucket and returns an s3:// reference.
func (c *S3Client) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	uploader := manager.NewUploader(c.client)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := uploader.Upload(ctxUpload, input); err != nil {
		return "", core.Transient("s3 upload", fmt.Errorf("s3 upload failed: %w", err))
	}
	c.logger.Debug("uploaded object", "key", key, "bytes", len(data))
	return FileRef(c.bucket, key), nil
}

// Download fetches the whole object with concurrent ranged GETs.
func (c *S3Client) Download(ctx context.Context, fileRef string) ([]byte, error) {
	bucket, key, err := ParseFileRef(fileRef)
	if err != nil {
		return nil, core.Fatal("s3 download", err)
	}

	ctxGet, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	buf := manager.NewWriteAtBuffer(nil)
	n, err := manager.NewDownloader(c.client).Download(ctxGet, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, core.Transient("s3 download", fmt.Errorf("s3 get failed: %w", err))
	}
	return buf.Bytes()[:n], nil
}

func (c *S3Client) Delete(ctx context.Context, fileRef string) error {
	bucket, key, err := ParseFileRef(fileRef)
	if err != nil {
		return core.Fatal("s3 delete", err)
	}

	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = c.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}
