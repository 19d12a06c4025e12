// Package s3 stores the state blob as an object in S3 or an S3
// compatible service such as MinIO.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
)

const backend = "s3"

// Config locates the state object.
type Config struct {
	Bucket    string
	Key       string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// UsePathStyle addresses the bucket in the path, as MinIO expects.
	UsePathStyle bool
}

// objectAPI is the part of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store keeps the blob in one object.
type Store struct {
	client objectAPI
	bucket string
	key    string
}

var _ vfshell.Store = (*Store)(nil)

// New creates a store from cfg. Static credentials are used when given;
// otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newStore(client, cfg.Bucket, cfg.Key), nil
}

func newStore(client objectAPI, bucket, key string) *Store {
	return &Store{client: client, bucket: bucket, key: key}
}

// Load fetches the object. A missing object yields an error matching
// fs.ErrNotExist.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			metrics.RecordStorageOperation(backend, "load", true)
			return nil, fmt.Errorf("get object %s: %w", s.key, fs.ErrNotExist)
		}
		metrics.RecordStorageOperation(backend, "load", false)
		return nil, fmt.Errorf("get object %s: %w", s.key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	metrics.RecordStorageOperation(backend, "load", err == nil)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", s.key, err)
	}
	logging.Debug("S3 get object", zap.String("key", s.key), zap.Int("size", len(data)), zap.Duration("duration", time.Since(start)))
	return data, nil
}

// Save overwrites the object.
func (s *Store) Save(ctx context.Context, blob []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(int64(len(blob))),
		ContentType:   aws.String("application/octet-stream"),
	})
	metrics.RecordStorageOperation(backend, "save", err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", s.key, err)
	}
	logging.Debug("S3 put object", zap.String("key", s.key), zap.Int("size", len(blob)))
	return nil
}
