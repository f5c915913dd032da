package cacheserver

import (
	"context"
	"time"
)

// Storage keeps archive blobs. Workers read and write them directly
// through presigned URLs.
type Storage interface {
	PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
	PresignPut(ctx context.Context, params *StoragePresignPutParams) (*PresignedRequest, error)
	Exists(ctx context.Context, objectKey string) (bool, error)

	// Delete doesn't fail when the object doesn't exist.
	Delete(ctx context.Context, objectKey string) error
}

type StoragePresignPutParams struct {
	ObjectKey string
	Size      int64
	TTL       time.Duration
}

// PresignedRequest is a request a client can make without credentials.
// Headers must be sent as they are.
type PresignedRequest struct {
	URL     string
	Headers map[string]string
}
