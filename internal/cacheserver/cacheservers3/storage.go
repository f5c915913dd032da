// Package cacheservers3 keeps cache archives in S3-compatible object storage.
package cacheservers3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/k11v/mortar/internal/apps3"
	"github.com/k11v/mortar/internal/cacheserver"
)

var _ cacheserver.Storage = (*Storage)(nil)

const contentType = "application/octet-stream"

type Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewStorage creates a new Storage using the provided connection string.
// It panics if the connection string is not a valid URL.
func NewStorage(connectionString string) *Storage {
	client := apps3.NewClient(connectionString)
	return &Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
	}
}

func (s *Storage) PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &apps3.BucketName,
		Key:    &objectKey,
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("cacheservers3.Storage: %w", err)
	}
	return req.URL, nil
}

// PresignPut presigns an upload of exactly params.Size bytes.
func (s *Storage) PresignPut(ctx context.Context, params *cacheserver.StoragePresignPutParams) (*cacheserver.PresignedRequest, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        &apps3.BucketName,
		Key:           &params.ObjectKey,
		ContentLength: &params.Size,
		ContentType:   aws.String(contentType),
	}, s3.WithPresignExpires(params.TTL))
	if err != nil {
		return nil, fmt.Errorf("cacheservers3.Storage: %w", err)
	}

	headers := map[string]string{"Content-Type": contentType}
	for name, values := range req.SignedHeader {
		if len(values) == 0 || name == "Host" || name == "Content-Length" {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = values[0]
	}

	return &cacheserver.PresignedRequest{URL: req.URL, Headers: headers}, nil
}

func (s *Storage) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &apps3.BucketName,
		Key:    &objectKey,
	})
	if err != nil {
		if notFound := (*types.NotFound)(nil); errors.As(err, &notFound) {
			return false, nil
		}
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("cacheservers3.Storage: %w", err)
	}
	return true, nil
}

func (s *Storage) Delete(ctx context.Context, objectKey string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &apps3.BucketName,
		Key:    &objectKey,
	})
	if err != nil {
		return fmt.Errorf("cacheservers3.Storage: %w", err)
	}
	return nil
}
