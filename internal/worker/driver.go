package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/k11v/mortar/internal/cache"
	"github.com/k11v/mortar/internal/cachekey"
	"github.com/k11v/mortar/internal/phase"
	"github.com/k11v/mortar/internal/procwatch"
)

const defaultShell = "/bin/sh"

// Driver runs the phases of one job.
type Driver struct {
	Job      *Job            // required
	Executor *phase.Executor // required

	// Client is where caches come from and go to. Nil disables caching.
	Client *cache.Client

	// Lister discovers subprocess trees. It defaults to procwatch.PgrepLister.
	Lister procwatch.ChildLister

	// Shell runs step commands with -c. It defaults to /bin/sh.
	Shell string

	// CcacheExec replaces running the ccache binary.
	CcacheExec func(ctx context.Context, args ...string) ([]byte, error)
}

func (d *Driver) shell() string {
	if d.Shell == "" {
		return defaultShell
	}
	return d.Shell
}

func (d *Driver) platform() cachekey.Platform {
	p, _ := cachekey.ParsePlatform(d.Job.Platform)
	return p
}

func (d *Driver) cache(logger *slog.Logger) *cache.Cache {
	return &cache.Cache{Client: d.Client, WorkingDir: d.Job.WorkingDir, Logger: logger}
}

func (d *Driver) ccache(logger *slog.Logger) *cache.Ccache {
	dir := d.Job.Cache.CcacheDir
	if dir == "" {
		dir = ".ccache"
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(d.Job.WorkingDir, dir)
	}
	return &cache.Ccache{
		Cache:    d.cache(logger),
		Platform: d.platform(),
		Dir:      dir,
		Exec:     d.CcacheExec,
	}
}

// Run runs the build and returns the error of the first failed step.
// Caches are saved only when every step succeeded. CLEAN_UP runs in any
// case, even when ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	_ = phase.Do(ctx, d.Executor, phase.TagRestoreCache, d.restoreCache)

	ccacheRestore, _ := phase.Run(ctx, d.Executor, phase.TagRestoreCcache, d.restoreCcache)

	stepsErr := d.runSteps(ctx)

	if stepsErr == nil {
		_ = phase.Do(ctx, d.Executor, phase.TagSaveCache, d.saveCache)
		_ = phase.Do(ctx, d.Executor, phase.TagSaveCcache, func(ctx context.Context, p *phase.Phase) error {
			return d.saveCcache(ctx, p, ccacheRestore)
		})
	}

	cleanUpErr := phase.Do(context.WithoutCancel(ctx), d.Executor, phase.TagCleanUp, d.cleanUp)

	if stepsErr != nil {
		return stepsErr
	}
	return cleanUpErr
}

func (d *Driver) restoreCache(ctx context.Context, p *phase.Phase) error {
	inputs := d.Job.Cache.Inputs()
	if d.Client == nil || len(inputs) == 0 {
		p.MarkSkipped()
		return nil
	}

	_, err := d.cache(p.Logger()).Restore(ctx, d.Job.Cache.Key, d.Job.Cache.KeyPrefixes, inputs)
	if err != nil {
		p.Logger().Warn("didn't restore cache, continuing without it", "err", err)
		p.MarkWarning()
	}
	return nil
}

func (d *Driver) restoreCcache(ctx context.Context, p *phase.Phase) (*cache.CcacheRestore, error) {
	if d.Client == nil || !d.Job.Cache.Ccache {
		p.MarkSkipped()
		return nil, nil
	}

	restore, err := d.ccache(p.Logger()).Restore(ctx)
	if err != nil {
		p.Logger().Warn("didn't restore ccache, continuing without it", "err", err)
		p.MarkWarning()
		return nil, nil
	}
	return restore, nil
}

func (d *Driver) runSteps(ctx context.Context) error {
	for i := range d.Job.Steps {
		step := &d.Job.Steps[i]
		err := phase.Do(ctx, d.Executor, phase.Tag(step.Phase), func(ctx context.Context, p *phase.Phase) error {
			return d.runStep(ctx, p, step)
		})
		if err != nil {
			return fmt.Errorf("worker.Driver: %w", err)
		}
	}
	return nil
}

func (d *Driver) runStep(ctx context.Context, p *phase.Phase, step *Step) error {
	logger := p.Logger()

	dir := d.Job.WorkingDir
	if step.Dir != "" {
		dir = step.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(d.Job.WorkingDir, dir)
		}
	}

	stdout := &lineWriter{logger: logger, stream: "stdout"}
	stderr := &lineWriter{logger: logger, stream: "stderr"}

	cmd := exec.Command(d.shell(), "-c", step.Run)
	cmd.Dir = dir
	cmd.Env = p.Env().Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	watchdog := &procwatch.Watchdog{
		Kind:      step.timeoutKind(),
		WarnAfter: step.WarnAfter,
		KillAfter: step.KillAfter,
		Lister:    d.Lister,
		Logger:    logger,
		OnWarn: func(inactive time.Duration) {
			logger.Warn("no output for a while, the step may be stuck", "inactive", inactive.Round(time.Second))
		},
		OnKill: func(tree *procwatch.Tree) {
			logger.Error("killing inactive step", "pids", tree.Pids())
		},
	}

	logger.Info("running step", "run", step.Run, "dir", dir)
	started := time.Now()
	err := watchdog.Run(ctx, cmd)
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return err
	}
	logger.Info("step succeeded", "duration", time.Since(started).Round(time.Millisecond))
	return nil
}

func (d *Driver) saveCache(ctx context.Context, p *phase.Phase) error {
	inputs := d.Job.Cache.Inputs()
	if d.Client == nil || len(inputs) == 0 {
		p.MarkSkipped()
		return nil
	}

	result, err := d.cache(p.Logger()).Save(ctx, d.Job.Cache.Key, inputs)
	switch {
	case cache.IsNoFiles(err):
		p.Logger().Info("nothing to cache", "key", d.Job.Cache.Key)
		p.MarkSkipped()
	case err != nil:
		p.Logger().Warn("didn't save cache", "err", err)
		p.MarkWarning()
	case !result.Uploaded:
		p.MarkSkipped()
	}
	return nil
}

func (d *Driver) saveCcache(ctx context.Context, p *phase.Phase, restore *cache.CcacheRestore) error {
	if d.Client == nil || !d.Job.Cache.Ccache {
		p.MarkSkipped()
		return nil
	}

	result, err := d.ccache(p.Logger()).Save(ctx, restore)
	switch {
	case cache.IsNoFiles(err):
		p.Logger().Info("no ccache directory to save")
		p.MarkSkipped()
	case err != nil:
		p.Logger().Warn("didn't save ccache", "err", err)
		p.MarkWarning()
	case !result.Uploaded:
		p.MarkSkipped()
	}
	return nil
}

func (d *Driver) cleanUp(_ context.Context, p *phase.Phase) error {
	if len(d.Job.CleanUp) == 0 {
		p.MarkSkipped()
		return nil
	}

	var errs []error
	for _, name := range d.Job.CleanUp {
		if !filepath.IsAbs(name) {
			name = filepath.Join(d.Job.WorkingDir, name)
		}
		if err := os.RemoveAll(name); err != nil {
			errs = append(errs, err)
			continue
		}
		p.Logger().Info("removed", "path", name)
	}
	if err := errors.Join(errs...); err != nil {
		p.Logger().Warn("didn't clean up everything", "err", err)
		p.MarkWarning()
	}
	return nil
}
