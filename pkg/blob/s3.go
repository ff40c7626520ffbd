package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

const listPageSize = 1000

// S3Config locates the bucket serving as blob storage.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint points at a non-AWS S3 implementation (minio and the
	// like) and forces path-style addressing.
	Endpoint string
}

// S3Store stores blobs as objects in one S3 bucket under an optional
// key prefix.
type S3Store struct {
	api    s3iface.S3API
	bucket string
	prefix string
}

// NewS3Store builds a store over a real AWS session. Credentials come
// from the usual SDK chain (env, shared config, instance role).
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 blob store needs a bucket")
	}
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewS3StoreWithAPI(cfg, s3.New(sess)), nil
}

// NewS3StoreWithAPI wires an explicit S3 API implementation. Tests use
// this to substitute a fake.
func NewS3StoreWithAPI(cfg S3Config, api s3iface.S3API) *S3Store {
	return &S3Store{api: api, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// Put uploads data under key.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.withPrefix(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored under key, or returns ErrKeyNotFound.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.withPrefix(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("get s3 object %s: %w", key, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object %s: %w", key, err)
	}
	return data, nil
}

// List pages through the bucket with the marker protocol and returns
// every key under prefix, without the store-level prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0, 16)
	marker := ""
	for {
		resp, err := s.api.ListObjectsWithContext(ctx, &s3.ListObjectsInput{
			Bucket:  aws.String(s.bucket),
			Marker:  aws.String(marker),
			MaxKeys: aws.Int64(listPageSize),
			Prefix:  aws.String(s.withPrefix(prefix)),
		})
		if err != nil {
			return nil, fmt.Errorf("list s3 objects under %q: %w", prefix, err)
		}
		for _, obj := range resp.Contents {
			full := aws.StringValue(obj.Key)
			marker = full
			keys = append(keys, s.stripPrefix(full))
		}
		if len(resp.Contents) == 0 || !aws.BoolValue(resp.IsTruncated) {
			return keys, nil
		}
	}
}

// Delete removes the object under key. S3 treats deleting an absent
// key as success, matching the Store contract.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.withPrefix(key)),
	})
	if err != nil {
		return fmt.Errorf("delete s3 object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) withPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimRight(s.prefix, "/") + "/" + key
}

func (s *S3Store) stripPrefix(full string) string {
	if s.prefix == "" {
		return full
	}
	return strings.TrimPrefix(full, strings.TrimRight(s.prefix, "/")+"/")
}
