package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/k11v/mortar/internal/archive"
	"github.com/k11v/mortar/internal/cachekey"
)

// Ccache saves and restores a ccache directory under keys derived from the
// dependency lockfile of the working directory.
type Ccache struct {
	Cache    *Cache            // required
	Platform cachekey.Platform // required
	Dir      string            // required

	// Exec runs ccache with args. It defaults to running the ccache
	// binary with CCACHE_DIR set to Dir.
	Exec func(ctx context.Context, args ...string) ([]byte, error)
}

func (c *Ccache) exec(ctx context.Context, args ...string) ([]byte, error) {
	if c.Exec != nil {
		return c.Exec(ctx, args...)
	}
	cmd := exec.CommandContext(ctx, "ccache", args...)
	cmd.Env = append(os.Environ(), "CCACHE_DIR="+c.Dir)
	return cmd.CombinedOutput()
}

func (c *Ccache) logger() *slog.Logger {
	return c.Cache.logger()
}

// inputs names Dir relative to the working directory when it is inside it,
// so that entry versions don't depend on where the project is checked out.
func (c *Ccache) inputs() []archive.Input {
	dir := c.Dir
	if rel, err := filepath.Rel(c.Cache.WorkingDir, dir); err == nil && filepath.IsLocal(rel) {
		dir = rel
	}
	return []archive.Input{archive.Literal(dir)}
}

// CcacheRestore is what Ccache.Save needs to know about the restore that
// happened earlier in the build.
type CcacheRestore struct {
	RestoreResult

	Key string
	At  time.Time
}

// Restore restores the ccache directory. The exact key is tried first,
// then any key with the platform prefix.
func (c *Ccache) Restore(ctx context.Context) (*CcacheRestore, error) {
	key, err := cachekey.RequestKey(c.Cache.WorkingDir, c.Platform)
	if err != nil {
		return nil, fmt.Errorf("cache.Ccache: %w", err)
	}
	prefix, err := cachekey.Prefix(c.Platform)
	if err != nil {
		return nil, fmt.Errorf("cache.Ccache: %w", err)
	}

	restore := &CcacheRestore{Key: key.String(), At: time.Now()}
	result, err := c.Cache.Restore(ctx, restore.Key, []string{prefix}, c.inputs())
	if err != nil {
		return nil, fmt.Errorf("cache.Ccache: %w", err)
	}
	restore.RestoreResult = *result

	if result.Restored {
		// Statistics should describe this build only.
		if out, err := c.exec(ctx, "--zero-stats"); err != nil {
			c.logger().Warn("didn't zero ccache stats", "err", err, "output", string(out))
		}
	}
	return restore, nil
}

// Save evicts the entries this build didn't use and uploads the directory.
// Nothing is uploaded when restore was an exact hit because the entry for
// the key already exists.
func (c *Ccache) Save(ctx context.Context, restore *CcacheRestore) (*SaveResult, error) {
	if restore != nil && restore.ExactHit {
		c.logger().Info("skipped saving ccache restored by its exact key", "key", restore.Key)
		return &SaveResult{}, nil
	}

	if restore != nil {
		elapsed := int64(time.Since(restore.At).Seconds()) + 1
		if out, err := c.exec(ctx, "--evict-older-than", strconv.FormatInt(elapsed, 10)+"s"); err != nil {
			c.logger().Warn("didn't evict ccache entries", "err", err, "output", string(out))
		}
	}
	if out, err := c.exec(ctx, "--show-stats"); err != nil {
		c.logger().Warn("didn't show ccache stats", "err", err, "output", string(out))
	} else {
		c.logger().Info("ccache stats", "stats", string(out))
	}

	key, err := cachekey.RequestKey(c.Cache.WorkingDir, c.Platform)
	if err != nil {
		return nil, fmt.Errorf("cache.Ccache: %w", err)
	}
	result, err := c.Cache.Save(ctx, key.String(), c.inputs())
	if err != nil {
		return nil, fmt.Errorf("cache.Ccache: %w", err)
	}
	return result, nil
}
