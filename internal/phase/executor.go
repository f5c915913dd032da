// Package phase runs a build as a sequence of named phases.
//
// Every phase gets a snapshot of the build environment when it opens and
// can hand variables to later phases by writing one file per variable into
// the propagation directory. The files are harvested when the phase ends,
// on every exit path, so a variable becomes visible starting with the next
// phase.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type ExecutorParams struct {
	BuildID string
	EnvDir  string // required
	Env     Env

	Reporter Reporter
	Resolver Resolver
	Logger   *slog.Logger
}

// Executor isn't safe for concurrent use. Phases of a build run one after
// another.
type Executor struct {
	buildID  string
	envDir   string
	env      Env
	reporter Reporter
	resolver Resolver
	logger   *slog.Logger
	logs     *logBuffer

	open *Phase
}

func NewExecutor(params *ExecutorParams) (*Executor, error) {
	if params.EnvDir == "" {
		return nil, errors.New("phase.NewExecutor: empty env dir")
	}
	envDir, err := filepath.Abs(params.EnvDir)
	if err != nil {
		return nil, fmt.Errorf("phase.NewExecutor: %w", err)
	}
	if err = os.MkdirAll(envDir, 0o777); err != nil {
		return nil, fmt.Errorf("phase.NewExecutor: %w", err)
	}
	// Leftovers of a previous build must not leak into this one.
	if err = drainEnvDir(envDir); err != nil {
		return nil, fmt.Errorf("phase.NewExecutor: %w", err)
	}

	reporter := params.Reporter
	if reporter == nil {
		reporter = discardReporter{}
	}
	resolver := params.Resolver
	if resolver == nil {
		resolver = &RuleResolver{Rules: DefaultRules}
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logs := &logBuffer{}

	return &Executor{
		buildID:  params.BuildID,
		envDir:   envDir,
		env:      params.Env.With(EnvDirKey, envDir),
		reporter: reporter,
		resolver: resolver,
		logger:   slog.New(newCaptureHandler(logger.Handler(), logs)),
		logs:     logs,
	}, nil
}

// Env returns the environment the next phase will see.
func (e *Executor) Env() Env {
	return e.env
}

func (e *Executor) EnvDir() string {
	return e.envDir
}

func (e *Executor) Logger() *slog.Logger {
	return e.logger
}

// Phase is the handle a phase body uses to talk to the executor.
type Phase struct {
	tag       Tag
	startedAt time.Time
	env       Env
	envDir    string
	logger    *slog.Logger

	skipped bool
	warning bool
	closed  bool
}

func (p *Phase) Tag() Tag {
	return p.tag
}

// Env returns the environment as it was when the phase opened. Variables
// set during the phase aren't included.
func (p *Phase) Env() Env {
	return p.env
}

func (p *Phase) EnvDir() string {
	return p.envDir
}

// SetEnv makes name=value visible to the phases after this one.
func (p *Phase) SetEnv(name, value string) error {
	if !validEnvName(name) || name == EnvDirKey || filepath.Base(name) != name {
		return fmt.Errorf("phase.Phase: invalid env name %q", name)
	}
	if err := os.WriteFile(filepath.Join(p.envDir, name), []byte(value), 0o666); err != nil {
		return fmt.Errorf("phase.Phase: %w", err)
	}
	return nil
}

// MarkSkipped makes a successful phase end as skipped.
func (p *Phase) MarkSkipped() {
	p.skipped = true
}

// MarkWarning makes a successful phase end with warnings.
func (p *Phase) MarkWarning() {
	p.warning = true
}

func (p *Phase) Logger() *slog.Logger {
	return p.logger
}

// Run runs body as the phase tag and records its outcome.
//
// If tag is already open, body runs as part of it and nothing else
// happens. If another phase is open, it is closed with OutcomeUnknown
// first. A failing body's error is classified and the resolved error is
// returned instead of the original one.
func Run[T any](ctx context.Context, e *Executor, tag Tag, body func(ctx context.Context, p *Phase) (T, error)) (T, error) {
	if e.open != nil && e.open.tag == tag {
		return body(ctx, e.open)
	}

	p := e.begin(ctx, tag)

	completed := false
	defer func() {
		if !completed {
			e.end(ctx, p, OutcomeFail)
		}
	}()

	result, err := body(ctx, p)
	completed = true
	if err != nil {
		return result, e.fail(ctx, p, err)
	}

	outcome := OutcomeSuccess
	switch {
	case p.skipped:
		outcome = OutcomeSkipped
	case p.warning:
		outcome = OutcomeWarning
	}
	e.end(ctx, p, outcome)
	return result, nil
}

// Do is Run for bodies without a result.
func Do(ctx context.Context, e *Executor, tag Tag, body func(ctx context.Context, p *Phase) error) error {
	_, err := Run(ctx, e, tag, func(ctx context.Context, p *Phase) (struct{}, error) {
		return struct{}{}, body(ctx, p)
	})
	return err
}

func (e *Executor) begin(ctx context.Context, tag Tag) *Phase {
	if e.open != nil {
		e.logger.Warn("phase is still open, ending it with an unknown result", "phase", e.open.tag, "next", tag)
		e.end(ctx, e.open, OutcomeUnknown)
	}

	e.logs.reset()
	p := &Phase{
		tag:       tag,
		startedAt: time.Now(),
		env:       e.env,
		envDir:    e.envDir,
		logger:    e.logger.With("phase", string(tag)),
	}
	e.open = p
	p.logger.Info("phase started")
	return p
}

func (e *Executor) fail(ctx context.Context, p *Phase, err error) error {
	if p.closed {
		return err
	}

	resolution := e.resolver.Resolve(ctx, err, e.logs.snapshot())
	if resolution.Err == nil {
		resolution.Err = err
	}
	if resolution.Classified {
		p.logger.Error(resolution.Err.Error())
	} else {
		p.logger.Error("phase failed", "err", fmt.Sprintf("%+v", err))
	}

	e.end(ctx, p, OutcomeFail)
	return resolution.Err
}

// end harvests the env and emits the record of p unless p is already
// closed.
func (e *Executor) end(ctx context.Context, p *Phase, outcome Outcome) {
	if p.closed {
		return
	}
	p.closed = true
	if e.open == p {
		e.open = nil
	}

	duration := time.Since(p.startedAt)

	delta, err := harvestEnv(e.envDir, p.logger)
	if err != nil {
		p.logger.Warn("didn't harvest all env files", "err", err)
	}
	e.env = e.env.Merge(delta)
	if delta.Len() > 0 {
		p.logger.Info("harvested env", "names", delta.Keys())
	}

	record := &Record{
		BuildID:    e.buildID,
		Tag:        p.tag,
		StartedAt:  p.startedAt,
		DurationMs: duration.Milliseconds(),
		Outcome:    outcome,
	}
	p.logger.Info("phase ended", "outcome", string(outcome), "duration", duration)

	// An interrupted build still records how its phase ended.
	if err = e.reporter.Report(context.WithoutCancel(ctx), record); err != nil {
		p.logger.Warn("didn't report phase", "err", err)
	}
}
