package cache

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/k11v/mortar/internal/archive"
	"github.com/k11v/mortar/internal/cachekey"
)

func writeFile(tb testing.TB, name, content string) {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o777); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	if err := os.WriteFile(name, []byte(content), 0o666); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
}

func TestCache(t *testing.T) {
	t.Run("restores what was saved into another working dir", func(t *testing.T) {
		ctx := context.Background()
		index := NewFakeIndex(t)
		inputs := []archive.Input{archive.Literal("node_modules"), archive.Glob("android/**/*.so")}

		saveDir := t.TempDir()
		writeFile(t, filepath.Join(saveDir, "node_modules", "react", "index.js"), "react")
		writeFile(t, filepath.Join(saveDir, "android", "app", "libfoo.so"), "foo")
		saved, err := (&Cache{Client: index.Client(), WorkingDir: saveDir}).Save(ctx, "deps-1", inputs)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !saved.Uploaded {
			t.Fatalf("got nothing uploaded, want an upload")
		}

		restoreDir := t.TempDir()
		restored, err := (&Cache{Client: index.Client(), WorkingDir: restoreDir}).Restore(ctx, "deps-1", []string{"deps-"}, inputs)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := restored, (&RestoreResult{Restored: true, MatchedKey: "deps-1", ExactHit: true}); !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		b, err := os.ReadFile(filepath.Join(restoreDir, "android", "app", "libfoo.so"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(b), "foo"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("proceeds without a cache on a miss", func(t *testing.T) {
		index := NewFakeIndex(t)
		c := &Cache{Client: index.Client(), WorkingDir: t.TempDir()}

		restored, err := c.Restore(context.Background(), "deps-1", nil, []archive.Input{archive.Literal("node_modules")})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if restored.Restored {
			t.Fatalf("got restored, want a miss")
		}
	})

	t.Run("doesn't upload when nothing matches", func(t *testing.T) {
		index := NewFakeIndex(t)
		c := &Cache{Client: index.Client(), WorkingDir: t.TempDir()}

		_, err := c.Save(context.Background(), "deps-1", []archive.Input{archive.Literal("node_modules")})
		if !IsNoFiles(err) {
			t.Fatalf("got %v err, want no files", err)
		}
		if got := index.Requests(); len(got) != 0 {
			t.Fatalf("got %v requests, want none", got)
		}
	})
}

type SpyCcache struct {
	calls [][]string
}

func (s *SpyCcache) Exec(_ context.Context, args ...string) ([]byte, error) {
	s.calls = append(s.calls, args)
	return []byte("Hits: 0"), nil
}

func newTestCcache(t *testing.T, index *FakeIndex, lockfile string) (*Ccache, *SpyCcache) {
	t.Helper()
	workingDir := t.TempDir()
	writeFile(t, filepath.Join(workingDir, "yarn.lock"), lockfile)
	writeFile(t, filepath.Join(workingDir, ".ccache", "ab", "cd.o"), "object")

	spy := &SpyCcache{}
	return &Ccache{
		Cache:    &Cache{Client: index.Client(), WorkingDir: workingDir},
		Platform: cachekey.PlatformAndroid,
		Dir:      filepath.Join(workingDir, ".ccache"),
		Exec:     spy.Exec,
	}, spy
}

func TestCcache(t *testing.T) {
	t.Run("saves after a miss and skips saving after an exact hit", func(t *testing.T) {
		ctx := context.Background()
		index := NewFakeIndex(t)

		first, firstSpy := newTestCcache(t, index, "lock v1")
		restore, err := first.Restore(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if restore.Restored {
			t.Fatalf("got restored, want a miss")
		}
		if !strings.HasPrefix(restore.Key, "android-ccache-") {
			t.Fatalf("got %q key, want the android prefix", restore.Key)
		}
		saved, err := first.Save(ctx, restore)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !saved.Uploaded {
			t.Fatalf("got nothing uploaded, want an upload")
		}
		if got, want := firstSpy.calls[len(firstSpy.calls)-1], []string{"--show-stats"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		second, secondSpy := newTestCcache(t, index, "lock v1")
		restore, err = second.Restore(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !restore.ExactHit {
			t.Fatalf("got %v, want an exact hit", restore.RestoreResult)
		}
		saved, err = second.Save(ctx, restore)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if saved.Uploaded {
			t.Fatalf("got uploaded, want skipped")
		}
		if got, want := secondSpy.calls, [][]string{{"--zero-stats"}}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("evicts unused entries after a prefix match", func(t *testing.T) {
		ctx := context.Background()
		index := NewFakeIndex(t)

		old, _ := newTestCcache(t, index, "lock v1")
		if _, err := old.Save(ctx, nil); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		c, spy := newTestCcache(t, index, "lock v2")
		restore, err := c.Restore(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !restore.Restored || restore.ExactHit {
			t.Fatalf("got %v, want a prefix match", restore.RestoreResult)
		}
		saved, err := c.Save(ctx, restore)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !saved.Uploaded {
			t.Fatalf("got nothing uploaded, want an upload")
		}

		if got := len(spy.calls); got != 3 {
			t.Fatalf("got %v calls, want zero-stats, eviction and stats", spy.calls)
		}
		if got, want := spy.calls[1][0], "--evict-older-than"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if !strings.HasSuffix(spy.calls[1][1], "s") {
			t.Fatalf("got %q, want seconds", spy.calls[1][1])
		}
	})
}
