package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// Per-attempt timeouts, generous for large clips.
const (
	uploadTimeout   = 180 * time.Second
	downloadTimeout = 120 * time.Second
)

var removeStaged = os.Remove

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Presigner issues time-limited GET URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Storage stores assets in a bucket under the key hierarchy.
type S3Storage struct {
	client    S3API
	presigner Presigner
	bucket    string
}

var _ AssetStorage = (*S3Storage)(nil)

func NewS3(client S3API, presigner Presigner, bucket string) *S3Storage {
	return &S3Storage{client: client, presigner: presigner, bucket: bucket}
}

func (s *S3Storage) Backend() string { return BackendRemote }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}

	err := withRetry(ctx, "upload", key, func(ctx context.Context) error {
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()
		_, err := s.client.PutObject(uploadCtx, &s3.PutObjectInput{
			Bucket:        &s.bucket,
			Key:           &key,
			Body:          bytes.NewReader(data),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	log.Debug().Str("key", key).Int("bytes", len(data)).Msg("Asset uploaded")
	return key, nil
}

// PutFile uploads localPath and removes it once the upload has succeeded,
// so staging copies never accumulate next to the remote object.
func (s *S3Storage) PutFile(ctx context.Context, key, localPath, contentType string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}

	err := withRetry(ctx, "upload", key, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", localPath, err)
		}

		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()
		_, err = s.client.PutObject(uploadCtx, &s3.PutObjectInput{
			Bucket:        &s.bucket,
			Key:           &key,
			Body:          f,
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(info.Size()),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	if err := removeStaged(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("key", key).Str("path", localPath).Msg("Failed to remove staged file")
		return key, nil
	}
	log.Debug().Str("key", key).Str("staged", localPath).Msg("Asset uploaded, staged copy removed")
	return key, nil
}

func (s *S3Storage) open(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := withRetry(ctx, "download", key, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return body, nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	body, err := s.open(dlCtx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Fetch downloads the object into a temp file inside dir.
func (s *S3Storage) Fetch(ctx context.Context, key, dir string) (string, func(), error) {
	noop := func() {}
	if err := checkKey(key); err != nil {
		return "", noop, err
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	body, err := s.open(dlCtx, key)
	if err != nil {
		return "", noop, err
	}
	defer body.Close()

	f, err := os.CreateTemp(dir, "fetch-*"+path.Ext(key))
	if err != nil {
		return "", noop, fmt.Errorf("create temp file for %s: %w", key, err)
	}
	cleanup := func() {
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", f.Name()).Msg("Failed to remove fetched file")
		}
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		cleanup()
		return "", noop, fmt.Errorf("download %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("close %s: %w", f.Name(), err)
	}
	return f.Name(), cleanup, nil
}

// URLFor presigns a GET for key. The URL is computed per call and never
// cached.
func (s *S3Storage) URLFor(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := withRetry(ctx, "delete", key, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		log.Debug().Str("key", key).Str("error", truncate(err.Error(), 200)).Msg("HeadObject failed")
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}
