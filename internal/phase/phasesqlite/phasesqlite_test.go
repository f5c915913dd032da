package phasesqlite

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/k11v/mortar/internal/phase"
)

func TestStore(t *testing.T) {
	t.Run("lists reported records of a build", func(t *testing.T) {
		ctx := context.Background()
		name := filepath.Join(t.TempDir(), "records.db")
		store, err := Open(name)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer store.Close()

		startedAt := time.Date(2024, 10, 19, 12, 0, 0, 500, time.UTC)
		records := []*phase.Record{
			{BuildID: "a", Tag: phase.TagRestoreCache, StartedAt: startedAt, DurationMs: 1200, Outcome: phase.OutcomeSuccess},
			{BuildID: "b", Tag: phase.TagRestoreCache, StartedAt: startedAt, DurationMs: 10, Outcome: phase.OutcomeSkipped},
			{BuildID: "a", Tag: "RUN_GRADLEW", StartedAt: startedAt.Add(time.Second), DurationMs: 3000, Outcome: phase.OutcomeFail},
		}
		for _, r := range records {
			if err = store.Report(ctx, r); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		got, err := store.List(ctx, "a")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if want := []*phase.Record{records[0], records[2]}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("reopens a migrated database", func(t *testing.T) {
		name := filepath.Join(t.TempDir(), "records.db")
		for range 2 {
			store, err := Open(name)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if err = store.Close(); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}
	})

	t.Run("records phases run by an executor", func(t *testing.T) {
		ctx := context.Background()
		store, err := Open(filepath.Join(t.TempDir(), "records.db"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer store.Close()

		e, err := phase.NewExecutor(&phase.ExecutorParams{
			BuildID:  "build-1",
			EnvDir:   t.TempDir(),
			Reporter: store,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		err = phase.Do(ctx, e, phase.TagCleanUp, func(ctx context.Context, p *phase.Phase) error {
			p.MarkWarning()
			return nil
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := store.List(ctx, "build-1")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(got) != 1 || got[0].Tag != phase.TagCleanUp || got[0].Outcome != phase.OutcomeWarning {
			t.Fatalf("got %v, want one warning record for %s", got, phase.TagCleanUp)
		}
	})
}
