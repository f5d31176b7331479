package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"solarcms/internal/models"
)

const noSuchKey = "NoSuchKey"

// S3 keeps files as objects in one bucket. URLs point at publicBaseURL, which is
// expected to front the bucket (CDN or bucket website endpoint).
type S3 struct {
	urlMapper
	client *minio.Client
	bucket string
}

var _ Store = (*S3)(nil)

func NewS3(ctx context.Context, cfg models.S3Config, publicBaseURL string, log zerolog.Logger) (*S3, error) {
	const op = "blob.NewS3"

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	// accept a full http(s):// endpoint as well as host:port
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}

	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: check bucket %s: %w", op, cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("%s: create bucket %s: %w", op, cfg.Bucket, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("bucket created")
	}
	log.Info().Str("endpoint", endpoint).Str("bucket", cfg.Bucket).Msg("s3 blob store connected")

	return &S3{urlMapper: newURLMapper(publicBaseURL), client: cli, bucket: cfg.Bucket}, nil
}

func (s *S3) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	const op = "blob.S3.Put"
	if err := checkName(name); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return s.URL(name), nil
}

func (s *S3) Get(ctx context.Context, name string) ([]byte, error) {
	const op = "blob.S3.Get"
	if err := checkName(name); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapS3Err(err))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapS3Err(err))
	}
	return data, nil
}

// Delete stats first because S3 reports success when removing a missing key.
func (s *S3) Delete(ctx context.Context, name string) error {
	const op = "blob.S3.Delete"
	if err := checkName(name); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err != nil {
		return fmt.Errorf("%s: %w", op, mapS3Err(err))
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, name string) (bool, error) {
	const op = "blob.S3.Exists"
	if err := checkName(name); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err = mapS3Err(err); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func mapS3Err(err error) error {
	if minio.ToErrorResponse(err).Code == noSuchKey {
		return fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	}
	return err
}
