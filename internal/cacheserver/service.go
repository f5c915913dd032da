// Package cacheserver implements the cache-index service. Entries are
// indexed in a Database while their archives live in a Storage that
// workers access through presigned URLs.
package cacheserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type Entry struct {
	ID         uuid.UUID
	Key        string
	Version    string
	Size       int64
	BuildID    string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// ObjectKey is where the archive of e is stored.
func (e *Entry) ObjectKey() string {
	return "caches/" + e.ID.String()
}

type Config struct {
	URLTTL           time.Duration `env:"URL_TTL"`        // default: 1h
	EvictAfter       time.Duration `env:"EVICT_AFTER"`    // default: 7 days
	EvictInterval    time.Duration `env:"EVICT_INTERVAL"` // default: 1h
	PrefixCandidates int           `env:"PREFIX_CANDIDATES"`
}

func (c *Config) urlTTL() time.Duration {
	if c.URLTTL <= 0 {
		return time.Hour
	}
	return c.URLTTL
}

func (c *Config) evictAfter() time.Duration {
	if c.EvictAfter <= 0 {
		return 7 * 24 * time.Hour
	}
	return c.EvictAfter
}

func (c *Config) evictInterval() time.Duration {
	if c.EvictInterval <= 0 {
		return time.Hour
	}
	return c.EvictInterval
}

// prefixCandidates bounds the entries checked per prefix when the newest
// ones have no archive yet.
func (c *Config) prefixCandidates() int {
	if c.PrefixCandidates <= 0 {
		return 5
	}
	return c.PrefixCandidates
}

type Service struct {
	config   *Config  // required
	database Database // required
	storage  Storage  // required
	metrics  *Metrics // required
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(config *Config, database Database, storage Storage, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:   config,
		database: database,
		storage:  storage,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

type DownloadParams struct {
	BuildID     string
	Key         string
	Version     string
	KeyPrefixes []string
}

type DownloadResult struct {
	MatchedKey  string
	DownloadURL string
}

// Download finds the entry for the exact key or else the newest entry
// matching one of the prefixes in order. Only entries of the same version
// with an uploaded archive match. It returns ErrNotFound when nothing
// matches.
func (s *Service) Download(ctx context.Context, params *DownloadParams) (*DownloadResult, error) {
	entry, err := s.exactEntry(ctx, params.Key, params.Version)
	if err != nil {
		return nil, fmt.Errorf("cacheserver.Service: %w", err)
	}
	result := lookupExact

	for _, prefix := range params.KeyPrefixes {
		if entry != nil {
			break
		}
		if entry, err = s.prefixEntry(ctx, prefix, params.Version); err != nil {
			return nil, fmt.Errorf("cacheserver.Service: %w", err)
		}
		result = lookupPrefix
	}

	if entry == nil {
		s.metrics.Lookups.WithLabelValues(lookupMiss).Inc()
		return nil, fmt.Errorf("cacheserver.Service: %w", ErrNotFound)
	}
	s.metrics.Lookups.WithLabelValues(result).Inc()

	err = s.database.TouchEntry(ctx, &DatabaseTouchEntryParams{ID: entry.ID, UsedAt: s.now()})
	if err != nil {
		// A stale last use only makes eviction a bit early.
		s.logger.Warn("didn't touch entry", "id", entry.ID, "err", err)
	}

	u, err := s.storage.PresignGet(ctx, entry.ObjectKey(), s.config.urlTTL())
	if err != nil {
		return nil, fmt.Errorf("cacheserver.Service: %w", err)
	}

	return &DownloadResult{MatchedKey: entry.Key, DownloadURL: u}, nil
}

func (s *Service) exactEntry(ctx context.Context, key, version string) (*Entry, error) {
	entry, err := s.database.GetEntry(ctx, &DatabaseGetEntryParams{Key: key, Version: version})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.storage.Exists(ctx, entry.ObjectKey())
	if err != nil || !ok {
		return nil, err
	}
	return entry, nil
}

func (s *Service) prefixEntry(ctx context.Context, prefix, version string) (*Entry, error) {
	if prefix == "" {
		return nil, nil
	}

	entries, err := s.database.ListEntriesByPrefix(ctx, &DatabaseListEntriesByPrefixParams{
		Prefix:  prefix,
		Version: version,
		Limit:   s.config.prefixCandidates(),
	})
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		ok, err := s.storage.Exists(ctx, entry.ObjectKey())
		if err != nil {
			return nil, err
		}
		if ok {
			return entry, nil
		}
	}
	return nil, nil
}

type CreateUploadSessionParams struct {
	BuildID string
	Key     string
	Version string
	Size    int64
}

type UploadSession struct {
	URL     string
	Headers map[string]string
}

// CreateUploadSession creates an entry and returns where to put its
// archive. It returns ErrAlreadyExists when the entry exists, unless its
// archive was never uploaded and its session expired. Such an entry is
// replaced.
func (s *Service) CreateUploadSession(ctx context.Context, params *CreateUploadSessionParams) (*UploadSession, error) {
	createParams := &DatabaseCreateEntryParams{
		Key:     params.Key,
		Version: params.Version,
		Size:    params.Size,
		BuildID: params.BuildID,
	}

	entry, err := s.database.CreateEntry(ctx, createParams)
	if errors.Is(err, ErrAlreadyExists) {
		var replaced bool
		if replaced, err = s.replaceAbandoned(ctx, params.Key, params.Version); err != nil {
			return nil, fmt.Errorf("cacheserver.Service: %w", err)
		}
		if !replaced {
			s.metrics.UploadSessions.WithLabelValues(uploadConflict).Inc()
			return nil, fmt.Errorf("cacheserver.Service: %w", ErrAlreadyExists)
		}
		entry, err = s.database.CreateEntry(ctx, createParams)
	}
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			s.metrics.UploadSessions.WithLabelValues(uploadConflict).Inc()
		}
		return nil, fmt.Errorf("cacheserver.Service: %w", err)
	}

	req, err := s.storage.PresignPut(ctx, &StoragePresignPutParams{
		ObjectKey: entry.ObjectKey(),
		Size:      params.Size,
		TTL:       s.config.urlTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("cacheserver.Service: %w", err)
	}
	s.metrics.UploadSessions.WithLabelValues(uploadCreated).Inc()

	return &UploadSession{URL: req.URL, Headers: req.Headers}, nil
}

// replaceAbandoned deletes the entry for key and version when its archive
// is missing and its upload URL has expired.
func (s *Service) replaceAbandoned(ctx context.Context, key, version string) (bool, error) {
	entry, err := s.database.GetEntry(ctx, &DatabaseGetEntryParams{Key: key, Version: version})
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if s.now().Sub(entry.CreatedAt) < s.config.urlTTL() {
		return false, nil
	}

	ok, err := s.storage.Exists(ctx, entry.ObjectKey())
	if err != nil || ok {
		return false, err
	}

	s.logger.Info("replacing abandoned entry", "id", entry.ID, "key", key)
	if err = s.database.DeleteEntry(ctx, &DatabaseDeleteEntryParams{ID: entry.ID}); err != nil {
		return false, err
	}
	return true, nil
}

const evictBatchSize = 100

// Evict deletes entries not used since EvictAfter and returns how many
// were deleted. Archives are deleted before their entries so an entry
// never outlives a lookup of its archive.
func (s *Service) Evict(ctx context.Context) (int, error) {
	since := s.now().Add(-s.config.evictAfter())
	evicted := 0

	for {
		entries, err := s.database.ListEntriesUnusedSince(ctx, &DatabaseListEntriesUnusedSinceParams{
			Since: since,
			Limit: evictBatchSize,
		})
		if err != nil {
			return evicted, fmt.Errorf("cacheserver.Service: %w", err)
		}

		for _, entry := range entries {
			if err = s.storage.Delete(ctx, entry.ObjectKey()); err != nil {
				return evicted, fmt.Errorf("cacheserver.Service: %w", err)
			}
			if err = s.database.DeleteEntry(ctx, &DatabaseDeleteEntryParams{ID: entry.ID}); err != nil {
				return evicted, fmt.Errorf("cacheserver.Service: %w", err)
			}
			evicted++
			s.metrics.Evictions.Inc()
			s.metrics.EvictedBytes.Add(float64(entry.Size))
		}

		if len(entries) < evictBatchSize {
			return evicted, nil
		}
	}
}

// RunEvictor evicts every EvictInterval until ctx is done.
func (s *Service) RunEvictor(ctx context.Context) error {
	ticker := time.NewTicker(s.config.evictInterval())
	defer ticker.Stop()

	for {
		evicted, err := s.Evict(ctx)
		if err != nil {
			s.logger.Error("didn't evict", "err", err, "evicted", evicted)
		} else if evicted > 0 {
			s.logger.Info("evicted", "evicted", evicted)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
