package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/k11v/mortar/internal/cache"
	"github.com/k11v/mortar/internal/phase"
	"github.com/k11v/mortar/internal/procwatch"
)

type SpyReporter struct {
	mu      sync.Mutex
	Records []*phase.Record
}

func (r *SpyReporter) Report(_ context.Context, record *phase.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, record)
	return nil
}

// Outcomes returns "TAG outcome" for every record.
func (r *SpyReporter) Outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var outcomes []string
	for _, record := range r.Records {
		outcomes = append(outcomes, string(record.Tag)+" "+string(record.Outcome))
	}
	return outcomes
}

func newTestDriver(tb testing.TB, job *Job) (*Driver, *SpyReporter) {
	tb.Helper()

	if job.WorkingDir == "" {
		job.WorkingDir = tb.TempDir()
	}
	env, err := job.InitialEnv([]string{"PATH=" + os.Getenv("PATH")})
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	reporter := &SpyReporter{}
	executor, err := phase.NewExecutor(&phase.ExecutorParams{
		BuildID:  "build-1",
		EnvDir:   tb.TempDir(),
		Env:      env,
		Reporter: reporter,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	return &Driver{Job: job, Executor: executor}, reporter
}

func TestDriverRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
	ctx := context.Background()

	t.Run("runs steps with propagated env", func(t *testing.T) {
		wd := t.TempDir()
		writeFile(t, filepath.Join(wd, "keystore.jks"), "secret")
		job := &Job{
			Platform:   "android",
			WorkingDir: wd,
			Env:        map[string]string{"GREETING": "hello"},
			Steps: []Step{
				{Phase: "PREPARE", Run: `printf '%s-1.2.3' "$GREETING" > "$__BUILD_ENVS_DIR/APP_VERSION"`},
				{Phase: "BUILD", Run: `test "$APP_VERSION" = hello-1.2.3 && echo "$APP_VERSION" > out.txt`},
			},
			CleanUp: []string{"keystore.jks"},
		}
		driver, reporter := newTestDriver(t, job)

		if err := driver.Run(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		want := []string{
			"RESTORE_CACHE skipped",
			"RESTORE_CCACHE skipped",
			"PREPARE success",
			"BUILD success",
			"SAVE_CACHE skipped",
			"SAVE_CCACHE skipped",
			"CLEAN_UP success",
		}
		if got := reporter.Outcomes(); !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		out, err := os.ReadFile(filepath.Join(wd, "out.txt"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(out), "hello-1.2.3\n"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if _, err = os.Stat(filepath.Join(wd, "keystore.jks")); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want the keystore removed", err)
		}
	})

	t.Run("stops at a failed step and cleans up", func(t *testing.T) {
		job := &Job{
			Platform: "ios",
			Steps: []Step{
				{Phase: "INSTALL_PODS", Run: "echo installing; exit 3"},
				{Phase: "BUILD", Run: "echo unreachable"},
			},
		}
		driver, reporter := newTestDriver(t, job)

		err := driver.Run(ctx)
		if exitErr := (*exec.ExitError)(nil); !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
			t.Fatalf("got %v, want exit status 3", err)
		}

		want := []string{
			"RESTORE_CACHE skipped",
			"RESTORE_CCACHE skipped",
			"INSTALL_PODS fail",
			"CLEAN_UP skipped",
		}
		if got := reporter.Outcomes(); !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("kills an inactive step", func(t *testing.T) {
		job := &Job{
			Platform: "ios",
			Steps: []Step{
				{Phase: "INSTALL_PODS", Run: "echo resolving; sleep 10", KillAfter: 300 * time.Millisecond, TimeoutKind: "pod install"},
			},
		}
		driver, reporter := newTestDriver(t, job)

		err := driver.Run(ctx)
		if userErr := (*phase.UserError)(nil); !errors.As(err, &userErr) || !strings.HasPrefix(userErr.Message, "pod install timed out") {
			t.Fatalf("got %v, want a pod install timeout", err)
		}
		if timeoutErr := (*procwatch.TimeoutError)(nil); !errors.As(err, &timeoutErr) {
			t.Fatalf("got %v, want it to wrap %T", err, timeoutErr)
		}
		if got, want := reporter.Outcomes()[2], "INSTALL_PODS fail"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("degrades cache failures to warnings", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusInternalServerError)
		}))
		defer server.Close()

		wd := t.TempDir()
		writeFile(t, filepath.Join(wd, "yarn.lock"), "lock")
		writeFile(t, filepath.Join(wd, ".ccache", "0", "entry"), "object")
		job := &Job{
			Platform:   "android",
			WorkingDir: wd,
			Cache: JobCache{
				Key:    "android-deps-abc",
				Paths:  []string{"node_modules"},
				Ccache: true,
			},
			Steps: []Step{
				{Phase: "INSTALL_DEPENDENCIES", Run: "mkdir -p node_modules/a && echo a > node_modules/a/index.js"},
			},
		}
		driver, reporter := newTestDriver(t, job)
		driver.Client = &cache.Client{BaseURL: server.URL, Retries: -1}
		var ccacheCalls [][]string
		driver.CcacheExec = func(_ context.Context, args ...string) ([]byte, error) {
			ccacheCalls = append(ccacheCalls, args)
			return nil, nil
		}

		if err := driver.Run(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		want := []string{
			"RESTORE_CACHE warning",
			"RESTORE_CCACHE warning",
			"INSTALL_DEPENDENCIES success",
			"SAVE_CACHE warning",
			"SAVE_CCACHE warning",
			"CLEAN_UP skipped",
		}
		if got := reporter.Outcomes(); !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := ccacheCalls, [][]string{{"--show-stats"}}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v ccache calls, want %v", got, want)
		}
	})
}

func TestLineWriter(t *testing.T) {
	var sb strings.Builder
	logger := slog.New(slog.NewTextHandler(&sb, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	}))
	w := &lineWriter{logger: logger, stream: "stdout"}

	for _, s := range []string{"first li", "ne\nsecond line\r\nthi", "rd"} {
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}
	w.Flush()

	want := "msg=\"first line\" stream=stdout\n" +
		"msg=\"second line\" stream=stdout\n" +
		"msg=third stream=stdout\n"
	if got := sb.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
