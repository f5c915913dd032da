package phase

import (
	"context"
	"errors"
	"time"
)

// Tag names a phase. The order of phases is the order the driver runs them in.
type Tag string

const (
	TagRestoreCache  Tag = "RESTORE_CACHE"
	TagRestoreCcache Tag = "RESTORE_CCACHE"
	TagSaveCache     Tag = "SAVE_CACHE"
	TagSaveCcache    Tag = "SAVE_CCACHE"
	TagCleanUp       Tag = "CLEAN_UP"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeWarning Outcome = "warning"
	OutcomeFail    Outcome = "fail"

	// OutcomeUnknown is recorded for a phase that was still open when
	// another phase started.
	OutcomeUnknown Outcome = "unknown"
)

// Record is emitted exactly once per phase.
type Record struct {
	BuildID    string    `json:"buildId"`
	Tag        Tag       `json:"tag"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Outcome    Outcome   `json:"outcome"`
}

type Reporter interface {
	Report(ctx context.Context, r *Record) error
}

type ReporterFunc func(ctx context.Context, r *Record) error

func (f ReporterFunc) Report(ctx context.Context, r *Record) error {
	return f(ctx, r)
}

// MultiReporter reports to every reporter even when some of them fail.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, r *Record) error {
	var errs []error
	for _, reporter := range m {
		if err := reporter.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discardReporter struct{}

func (discardReporter) Report(context.Context, *Record) error {
	return nil
}
