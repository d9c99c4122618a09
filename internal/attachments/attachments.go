// Package attachments persists the optional files a Task can carry and
// the document-bypass payloads consumed by DIRECT mode, grounded
// directly on orchestrator-go/internal/dataflow/s3.go's S3Backend.
package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/HectorEspejo/iris/internal/metrics"
)

// Ref describes a stored attachment, returned from Put and carried on
// types.Attachment.StorageKey for later retrieval.
type Ref struct {
	URI         string
	ContentType string
	Size        int64
	Checksum    string
	CreatedAt   time.Time
}

// Store persists and retrieves attachment bytes. The DocumentProcessor
// that drives DIRECT mode (spec §4.4 step 2) is external to this repo
// and reached only through orchestrator.DocumentProcessor; Store is how
// that processor's caller hands it bypass payload bytes.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) (*Ref, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignPut(ctx context.Context, key string, contentType string, expiry time.Duration) (string, error)
}

// Config holds S3/MinIO connection configuration, mirroring
// dataflow.S3Config's endpoint/bucket/credential shape.
type Config struct {
	// Endpoint for MinIO, e.g. "minio.iris.svc:9000". Empty means AWS S3.
	Endpoint string

	Bucket string
	Region string

	AccessKeyID     string
	SecretAccessKey string

	UseSSL bool

	// PathPrefix is prepended to every attachment key.
	PathPrefix string
}

// S3Store implements Store against S3 or a MinIO-compatible endpoint.
type S3Store struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	pathPrefix string
}

// NewS3Store creates a new S3/MinIO-backed Store.
func NewS3Store(ctx context.Context, cfg *Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("attachments: bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("attachments: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Store{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.pathPrefix == "" {
		return key
	}
	return s.pathPrefix + "/" + key
}

func record(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.AttachmentOperations.WithLabelValues(operation, result).Inc()
}

// Put uploads data under key and returns its Ref, checksumming as it
// goes the way S3Backend.Put does.
func (s *S3Store) Put(ctx context.Context, key string, data io.Reader, contentType string) (*Ref, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		record("put", err)
		return nil, fmt.Errorf("attachments: read data: %w", err)
	}

	hash := sha256.Sum256(content)
	checksum := hex.EncodeToString(hash[:])

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	fullKey := s.fullKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		Body:          strings.NewReader(string(content)),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	})
	record("put", err)
	if err != nil {
		return nil, fmt.Errorf("attachments: put object: %w", err)
	}

	return &Ref{
		URI:         fmt.Sprintf("s3://%s/%s", s.bucket, fullKey),
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    checksum,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Get retrieves the bytes stored under key, e.g. the bypass payload a
// DocumentProcessor.Process call needs for a DIRECT-mode Task.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	record("get", err)
	if err != nil {
		return nil, fmt.Errorf("attachments: get object: %w", err)
	}
	return result.Body, nil
}

// Delete removes the object stored under key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	record("delete", err)
	if err != nil {
		return fmt.Errorf("attachments: delete object: %w", err)
	}
	return nil
}

// PresignGet generates a presigned download URL, used when a client
// needs to fetch a previously uploaded attachment directly.
func (s *S3Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	result, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}, s3.WithPresignExpires(expiry))
	record("presign_get", err)
	if err != nil {
		return "", fmt.Errorf("attachments: presign get: %w", err)
	}
	return result.URL, nil
}

// PresignPut generates a presigned upload URL so a client can attach a
// file to a Task before SubmitTask is called, without routing the bytes
// through the coordinator process itself.
func (s *S3Store) PresignPut(ctx context.Context, key string, contentType string, expiry time.Duration) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	result, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expiry))
	record("presign_put", err)
	if err != nil {
		return "", fmt.Errorf("attachments: presign put: %w", err)
	}
	return result.URL, nil
}
