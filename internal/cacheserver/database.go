package cacheserver

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Database indexes cache entries. Keys are unique per version.
type Database interface {
	// GetEntry returns ErrNotFound when there is no entry.
	GetEntry(ctx context.Context, params *DatabaseGetEntryParams) (*Entry, error)

	// ListEntriesByPrefix returns the newest entries first.
	ListEntriesByPrefix(ctx context.Context, params *DatabaseListEntriesByPrefixParams) ([]*Entry, error)

	// CreateEntry returns ErrAlreadyExists when the key and version are taken.
	CreateEntry(ctx context.Context, params *DatabaseCreateEntryParams) (*Entry, error)

	TouchEntry(ctx context.Context, params *DatabaseTouchEntryParams) error

	// ListEntriesUnusedSince returns the least recently used entries first.
	ListEntriesUnusedSince(ctx context.Context, params *DatabaseListEntriesUnusedSinceParams) ([]*Entry, error)

	DeleteEntry(ctx context.Context, params *DatabaseDeleteEntryParams) error
}

type DatabaseGetEntryParams struct {
	Key     string
	Version string
}

type DatabaseListEntriesByPrefixParams struct {
	Prefix  string
	Version string
	Limit   int
}

type DatabaseCreateEntryParams struct {
	Key     string
	Version string
	Size    int64
	BuildID string
}

type DatabaseTouchEntryParams struct {
	ID     uuid.UUID
	UsedAt time.Time
}

type DatabaseListEntriesUnusedSinceParams struct {
	Since time.Time
	Limit int
}

type DatabaseDeleteEntryParams struct {
	ID uuid.UUID
}
