// Package cacheserverpg stores the cache index in PostgreSQL.
package cacheserverpg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/k11v/mortar/internal/cacheserver"
)

var _ cacheserver.Database = (*Database)(nil)

type Database struct {
	pool *pgxpool.Pool // required
}

func NewDatabase(pool *pgxpool.Pool) *Database {
	return &Database{pool: pool}
}

type row struct {
	ID         uuid.UUID `db:"id"`
	Key        string    `db:"key"`
	Version    string    `db:"version"`
	Size       int64     `db:"size"`
	BuildID    string    `db:"build_id"`
	CreatedAt  time.Time `db:"created_at"`
	LastUsedAt time.Time `db:"last_used_at"`
}

func rowToEntry(collectableRow pgx.CollectableRow) (*cacheserver.Entry, error) {
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to entry: %w", err)
	}

	return &cacheserver.Entry{
		ID:         collectedRow.ID,
		Key:        collectedRow.Key,
		Version:    collectedRow.Version,
		Size:       collectedRow.Size,
		BuildID:    collectedRow.BuildID,
		CreatedAt:  collectedRow.CreatedAt,
		LastUsedAt: collectedRow.LastUsedAt,
	}, nil
}

const columns = "id, key, version, size, build_id, created_at, last_used_at"

func (d *Database) GetEntry(ctx context.Context, params *cacheserver.DatabaseGetEntryParams) (*cacheserver.Entry, error) {
	query := `SELECT ` + columns + ` FROM cache_entries WHERE key = $1 AND version = $2`

	rows, _ := d.pool.Query(ctx, query, params.Key, params.Version)
	entry, err := pgx.CollectExactlyOneRow(rows, rowToEntry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = cacheserver.ErrNotFound
		}
		return nil, fmt.Errorf("cacheserverpg.Database: %w", err)
	}
	return entry, nil
}

func (d *Database) ListEntriesByPrefix(ctx context.Context, params *cacheserver.DatabaseListEntriesByPrefixParams) ([]*cacheserver.Entry, error) {
	query := `
		SELECT ` + columns + `
		FROM cache_entries
		WHERE version = $1 AND key LIKE $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, _ := d.pool.Query(ctx, query, params.Version, likePrefix(params.Prefix), params.Limit)
	entries, err := pgx.CollectRows(rows, rowToEntry)
	if err != nil {
		return nil, fmt.Errorf("cacheserverpg.Database: %w", err)
	}
	return entries, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix returns a LIKE pattern matching strings starting with prefix.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

func (d *Database) CreateEntry(ctx context.Context, params *cacheserver.DatabaseCreateEntryParams) (*cacheserver.Entry, error) {
	query := `
		INSERT INTO cache_entries (id, key, version, size, build_id, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING ` + columns

	rows, _ := d.pool.Query(ctx, query, uuid.New(), params.Key, params.Version, params.Size, params.BuildID)
	entry, err := pgx.CollectExactlyOneRow(rows, rowToEntry)
	if err != nil {
		if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			err = errors.Join(cacheserver.ErrAlreadyExists, err)
		}
		return nil, fmt.Errorf("cacheserverpg.Database: %w", err)
	}
	return entry, nil
}

func (d *Database) TouchEntry(ctx context.Context, params *cacheserver.DatabaseTouchEntryParams) error {
	query := `UPDATE cache_entries SET last_used_at = greatest(last_used_at, $2) WHERE id = $1`

	if _, err := d.pool.Exec(ctx, query, params.ID, params.UsedAt); err != nil {
		return fmt.Errorf("cacheserverpg.Database: %w", err)
	}
	return nil
}

func (d *Database) ListEntriesUnusedSince(ctx context.Context, params *cacheserver.DatabaseListEntriesUnusedSinceParams) ([]*cacheserver.Entry, error) {
	query := `
		SELECT ` + columns + `
		FROM cache_entries
		WHERE last_used_at < $1
		ORDER BY last_used_at
		LIMIT $2
	`

	rows, _ := d.pool.Query(ctx, query, params.Since, params.Limit)
	entries, err := pgx.CollectRows(rows, rowToEntry)
	if err != nil {
		return nil, fmt.Errorf("cacheserverpg.Database: %w", err)
	}
	return entries, nil
}

func (d *Database) DeleteEntry(ctx context.Context, params *cacheserver.DatabaseDeleteEntryParams) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM cache_entries WHERE id = $1`, params.ID); err != nil {
		return fmt.Errorf("cacheserverpg.Database: %w", err)
	}
	return nil
}

// Setup migrates the database at connectionString to the latest version.
func Setup(connectionString string) error {
	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return fmt.Errorf("cacheserverpg.Setup: %w", err)
	}
	defer db.Close()

	if err = migrateDB(db); err != nil {
		return fmt.Errorf("cacheserverpg.Setup: %w", err)
	}
	return nil
}

//go:embed migrations/*.sql
var migrations embed.FS

func migrationsFS() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS(), ".")
	if err != nil {
		return err
	}

	databaseDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", databaseDriver)
	if err != nil {
		return err
	}

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
