package cacheserver

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	callCreateEntry            = "CreateEntry"
	callDeleteEntry            = "DeleteEntry"
	callGetEntry               = "GetEntry"
	callListEntriesByPrefix    = "ListEntriesByPrefix"
	callListEntriesUnusedSince = "ListEntriesUnusedSince"
	callTouchEntry             = "TouchEntry"
)

// SpyDatabase is an in-memory Database that records its calls.
type SpyDatabase struct {
	Entries []*Entry
	Now     func() time.Time
	Calls   []string

	mu sync.Mutex
}

func (d *SpyDatabase) appendCalls(c ...string) {
	d.Calls = append(d.Calls, c...)
}

func (d *SpyDatabase) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d *SpyDatabase) GetEntry(ctx context.Context, params *DatabaseGetEntryParams) (*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callGetEntry)

	for _, e := range d.Entries {
		if e.Key == params.Key && e.Version == params.Version {
			c := *e
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (d *SpyDatabase) ListEntriesByPrefix(ctx context.Context, params *DatabaseListEntriesByPrefixParams) ([]*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callListEntriesByPrefix)

	var entries []*Entry
	for _, e := range d.Entries {
		if strings.HasPrefix(e.Key, params.Prefix) && e.Version == params.Version {
			c := *e
			entries = append(entries, &c)
		}
	}
	slices.SortStableFunc(entries, func(a, b *Entry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(entries) > params.Limit {
		entries = entries[:params.Limit]
	}
	return entries, nil
}

func (d *SpyDatabase) CreateEntry(ctx context.Context, params *DatabaseCreateEntryParams) (*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callCreateEntry)

	for _, e := range d.Entries {
		if e.Key == params.Key && e.Version == params.Version {
			return nil, ErrAlreadyExists
		}
	}
	now := d.now()
	e := &Entry{
		ID:         uuid.New(),
		Key:        params.Key,
		Version:    params.Version,
		Size:       params.Size,
		BuildID:    params.BuildID,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	d.Entries = append(d.Entries, e)
	c := *e
	return &c, nil
}

func (d *SpyDatabase) TouchEntry(ctx context.Context, params *DatabaseTouchEntryParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callTouchEntry)

	for _, e := range d.Entries {
		if e.ID == params.ID {
			e.LastUsedAt = params.UsedAt
		}
	}
	return nil
}

func (d *SpyDatabase) ListEntriesUnusedSince(ctx context.Context, params *DatabaseListEntriesUnusedSinceParams) ([]*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callListEntriesUnusedSince)

	var entries []*Entry
	for _, e := range d.Entries {
		if e.LastUsedAt.Before(params.Since) {
			c := *e
			entries = append(entries, &c)
		}
	}
	slices.SortStableFunc(entries, func(a, b *Entry) int {
		return a.LastUsedAt.Compare(b.LastUsedAt)
	})
	if len(entries) > params.Limit {
		entries = entries[:params.Limit]
	}
	return entries, nil
}

func (d *SpyDatabase) DeleteEntry(ctx context.Context, params *DatabaseDeleteEntryParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendCalls(callDeleteEntry)

	d.Entries = slices.DeleteFunc(d.Entries, func(e *Entry) bool { return e.ID == params.ID })
	return nil
}

// StubStorage is an in-memory Storage. Objects are set directly.
type StubStorage struct {
	Objects map[string]bool
	Deleted []string

	mu sync.Mutex
}

func (s *StubStorage) PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	return "https://storage.test/" + objectKey + "?op=get&ttl=" + ttl.String(), nil
}

func (s *StubStorage) PresignPut(ctx context.Context, params *StoragePresignPutParams) (*PresignedRequest, error) {
	return &PresignedRequest{
		URL:     "https://storage.test/" + params.ObjectKey + "?op=put&ttl=" + params.TTL.String(),
		Headers: map[string]string{"Content-Type": "application/octet-stream"},
	}, nil
}

func (s *StubStorage) Exists(ctx context.Context, objectKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Objects[objectKey], nil
}

func (s *StubStorage) Delete(ctx context.Context, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Objects, objectKey)
	s.Deleted = append(s.Deleted, objectKey)
	return nil
}

func (s *StubStorage) put(objectKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Objects == nil {
		s.Objects = make(map[string]bool)
	}
	s.Objects[objectKey] = true
}
