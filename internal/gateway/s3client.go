package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	LastModified int64  `json:"last_modified,omitempty"` // unix seconds
}

// ObjectStore is an interface for bucket operations (for testing).
// Implementations are scoped to the single shared bucket.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string, maxKeys int32) ([]*ObjectInfo, error)
	TestConnection(ctx context.Context) error
}

// S3ObjectStore talks to an S3-compatible endpoint (R2 included).
type S3ObjectStore struct {
	client   *s3.Client
	bucket   string
	endpoint string
	logger   *logrus.Logger
}

// NewS3ObjectStore creates a client for a custom S3-compatible endpoint
// with path-style addressing.
func NewS3ObjectStore(endpoint, region, bucket, accessKey, secretKey string, logger *logrus.Logger) *S3ObjectStore {
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               endpoint,
			HostnameImmutable: true,
			SigningRegion:     region,
		}, nil
	})

	cfg := aws.Config{
		Region:                      region,
		Credentials:                 credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		EndpointResolverWithOptions: customResolver,
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // path-style URLs for compatibility
	})

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &S3ObjectStore{
		client:   client,
		bucket:   bucket,
		endpoint: endpoint,
		logger:   logger,
	}
}

// PutObject uploads an object to the bucket
func (c *S3ObjectStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	c.logger.WithFields(logrus.Fields{
		"bucket": c.bucket,
		"key":    key,
		"size":   size,
	}).Debug("Uploading object to backing store")

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %q: %w", key, err)
	}
	return nil
}

// GetObject downloads an object from the bucket
func (c *S3ObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}

	info := &ObjectInfo{Key: key}
	if result.ContentLength != nil {
		info.Size = *result.ContentLength
	}
	if result.ContentType != nil {
		info.ContentType = *result.ContentType
	}
	if result.ETag != nil {
		info.ETag = *result.ETag
	}
	if result.LastModified != nil {
		info.LastModified = result.LastModified.Unix()
	}

	return result.Body, info, nil
}

// HeadObject returns object metadata without the body
func (c *S3ObjectStore) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to head object %q: %w", key, err)
	}

	info := &ObjectInfo{Key: key}
	if result.ContentLength != nil {
		info.Size = *result.ContentLength
	}
	if result.ContentType != nil {
		info.ContentType = *result.ContentType
	}
	if result.ETag != nil {
		info.ETag = *result.ETag
	}
	if result.LastModified != nil {
		info.LastModified = result.LastModified.Unix()
	}
	return info, nil
}

// DeleteObject removes an object from the bucket
func (c *S3ObjectStore) DeleteObject(ctx context.Context, key string) error {
	if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete object %q: %w", key, err)
	}
	return nil
}

// ListObjects lists objects under a prefix
func (c *S3ObjectStore) ListObjects(ctx context.Context, prefix string, maxKeys int32) ([]*ObjectInfo, error) {
	var objects []*ObjectInfo
	var continuationToken *string

	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		}
		if maxKeys > 0 {
			input.MaxKeys = aws.Int32(maxKeys)
		}

		result, err := c.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}

		for _, obj := range result.Contents {
			info := &ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.ETag != nil {
				info.ETag = *obj.ETag
			}
			if obj.LastModified != nil {
				info.LastModified = obj.LastModified.Unix()
			}
			objects = append(objects, info)
		}

		if maxKeys > 0 && int32(len(objects)) >= maxKeys {
			return objects[:maxKeys], nil
		}
		if result.IsTruncated == nil || !*result.IsTruncated {
			return objects, nil
		}
		continuationToken = result.NextContinuationToken
	}
}

// TestConnection verifies the bucket is reachable
func (c *S3ObjectStore) TestConnection(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to reach bucket %q at %s: %w", c.bucket, c.endpoint, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
