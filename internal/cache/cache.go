package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/k11v/mortar/internal/archive"
)

// Cache packs paths of a working directory into archives and moves them
// through a Client.
type Cache struct {
	Client     *Client // required
	WorkingDir string  // required
	Logger     *slog.Logger
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// RestoreResult tells whether and from which key a cache was restored.
type RestoreResult struct {
	Restored   bool
	MatchedKey string
	ExactHit   bool
}

// Restore downloads the newest archive for key, falling back to
// keyPrefixes in order, and unpacks it into the working directory.
// A miss is logged and returns a result with Restored false.
func (c *Cache) Restore(ctx context.Context, key string, keyPrefixes []string, inputs []archive.Input) (*RestoreResult, error) {
	d, err := c.Client.Download(ctx, key, keyPrefixes, inputPaths(inputs))
	if err != nil {
		return nil, fmt.Errorf("cache.Cache: %w", err)
	}
	defer d.Close()

	if !d.Found {
		c.logger().Info("no cache found", "key", key, "key_prefixes", keyPrefixes)
		return &RestoreResult{}, nil
	}

	if err = archive.Unpack(ctx, d.Path, c.WorkingDir, c.logger()); err != nil {
		return nil, fmt.Errorf("cache.Cache: %w", err)
	}

	result := &RestoreResult{
		Restored:   true,
		MatchedKey: d.MatchedKey,
		ExactHit:   d.ExactHit(key),
	}
	if result.ExactHit {
		c.logger().Info("restored cache", "key", key)
	} else {
		c.logger().Info("restored cache from a prefix match", "key", key, "matched_key", d.MatchedKey)
	}
	return result, nil
}

type SaveResult struct {
	Uploaded bool
	Size     int64
}

// Save packs inputs and uploads them under key. When key already has an
// entry, nothing is uploaded and no error is returned.
func (c *Cache) Save(ctx context.Context, key string, inputs []archive.Input) (*SaveResult, error) {
	a, err := archive.Pack(ctx, inputs, c.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("cache.Cache: %w", err)
	}
	defer a.Close()

	c.logger().Info("packed cache", "key", key, "files", len(a.Manifest), "size", a.Size)

	up, err := c.Client.Upload(ctx, key, inputPaths(inputs), a.Path, a.Size)
	if err != nil {
		return nil, fmt.Errorf("cache.Cache: %w", err)
	}
	if up.Skipped {
		c.logger().Info("cache already exists", "key", key)
		return &SaveResult{}, nil
	}

	c.logger().Info("saved cache", "key", key, "size", a.Size)
	return &SaveResult{Uploaded: true, Size: a.Size}, nil
}

// IsNoFiles reports whether a save failed only because inputs matched
// no files.
func IsNoFiles(err error) bool {
	return errors.Is(err, archive.ErrNoFiles)
}

// inputPaths lists inputs in the given order. Entry versions depend on it.
func inputPaths(inputs []archive.Input) []string {
	paths := make([]string, len(inputs))
	for i, in := range inputs {
		paths[i] = in.String()
	}
	return paths
}
