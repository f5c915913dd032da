package cacheserverpg

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/mortar/internal/cacheserver"
	"github.com/k11v/mortar/internal/postgresutil"
)

func TestDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}

	ctx := context.Background()
	database := NewTestDatabase(t, ctx)

	create := func(key, version string) *cacheserver.Entry {
		t.Helper()
		entry, err := database.CreateEntry(ctx, &cacheserver.DatabaseCreateEntryParams{Key: key, Version: version, Size: 7, BuildID: "build-1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		return entry
	}

	t.Run("creates and gets entries", func(t *testing.T) {
		created := create("get-a", "v1")

		got, err := database.GetEntry(ctx, &cacheserver.DatabaseGetEntryParams{Key: "get-a", Version: "v1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.ID != created.ID || got.Size != 7 || got.BuildID != "build-1" {
			t.Fatalf("got %+v, want %+v", got, created)
		}

		_, err = database.GetEntry(ctx, &cacheserver.DatabaseGetEntryParams{Key: "get-a", Version: "v2"})
		if !errors.Is(err, cacheserver.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, cacheserver.ErrNotFound)
		}
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		create("dup", "v1")

		_, err := database.CreateEntry(ctx, &cacheserver.DatabaseCreateEntryParams{Key: "dup", Version: "v1"})
		if !errors.Is(err, cacheserver.ErrAlreadyExists) {
			t.Fatalf("got %v, want %v", err, cacheserver.ErrAlreadyExists)
		}

		create("dup", "v2")
	})

	t.Run("lists by prefix newest first", func(t *testing.T) {
		older := create("list_x-1", "v1")
		newer := create("list_x-2", "v1")
		create("listyx-3", "v1")
		create("list_x-4", "v2")

		entries, err := database.ListEntriesByPrefix(ctx, &cacheserver.DatabaseListEntriesByPrefixParams{Prefix: "list_x-", Version: "v1", Limit: 10})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(entries) != 2 || entries[0].ID != newer.ID || entries[1].ID != older.ID {
			t.Fatalf("got %+v, want %s then %s", entries, newer.Key, older.Key)
		}
	})

	t.Run("evicts least recently used first", func(t *testing.T) {
		a := create("evict-a", "v1")
		b := create("evict-b", "v1")

		future := time.Now().Add(time.Hour)
		if err := database.TouchEntry(ctx, &cacheserver.DatabaseTouchEntryParams{ID: a.ID, UsedAt: future}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		entries, err := database.ListEntriesUnusedSince(ctx, &cacheserver.DatabaseListEntriesUnusedSinceParams{Since: future.Add(time.Minute), Limit: 1000})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		var ia, ib = -1, -1
		for i, e := range entries {
			switch e.ID {
			case a.ID:
				ia = i
			case b.ID:
				ib = i
			}
		}
		if ia == -1 || ib == -1 || ib > ia {
			t.Fatalf("got evict-a at %d and evict-b at %d, want evict-b first", ia, ib)
		}

		if err = database.DeleteEntry(ctx, &cacheserver.DatabaseDeleteEntryParams{ID: b.ID}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		_, err = database.GetEntry(ctx, &cacheserver.DatabaseGetEntryParams{Key: "evict-b", Version: "v1"})
		if !errors.Is(err, cacheserver.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, cacheserver.ErrNotFound)
		}
	})
}

func TestLikePrefix(t *testing.T) {
	if got, want := likePrefix(`a_b%c\`), `a\_b\%c\\%`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func NewTestDatabase(tb testing.TB, ctx context.Context) *Database {
	tb.Helper()

	username := "postgres"
	password := "postgres"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:17-alpine",
			Env: map[string]string{
				"POSTGRES_USER":     username,
				"POSTGRES_PASSWORD": password,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5432/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	connectionString := fmt.Sprintf("postgres://%s:%s@%s/postgres?sslmode=disable", username, password, endpoint)
	if err = Setup(connectionString); err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	pool, err := postgresutil.NewPool(ctx, connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(pool.Close)

	return NewDatabase(pool)
}
