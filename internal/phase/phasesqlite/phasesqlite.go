// Package phasesqlite keeps phase records of the builds run by a worker in
// a local SQLite database.
package phasesqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/k11v/mortar/internal/phase"
)

var _ phase.Reporter = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// Open opens the database file at name, creating and migrating it when
// needed.
func Open(name string) (*Store, error) {
	db, err := sql.Open("sqlite3", name)
	if err != nil {
		return nil, fmt.Errorf("phasesqlite.Open: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err = migrateDB(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("phasesqlite.Open: %w", err)
	}
	return &Store{db: db}, nil
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

	databaseDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", databaseDriver)
	if err != nil {
		return err
	}

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

func (s *Store) Report(ctx context.Context, r *phase.Record) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO phase_records (build_id, tag, started_at, duration_ms, outcome)
		VALUES (?, ?, ?, ?, ?)`,
		r.BuildID,
		string(r.Tag),
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.DurationMs,
		string(r.Outcome),
	)
	if err != nil {
		return fmt.Errorf("phasesqlite.Store: %w", err)
	}
	return nil
}

// List returns the records of a build in the order they were reported.
func (s *Store) List(ctx context.Context, buildID string) ([]*phase.Record, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT build_id, tag, started_at, duration_ms, outcome
		FROM phase_records
		WHERE build_id = ?
		ORDER BY id`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("phasesqlite.Store: %w", err)
	}
	defer rows.Close()

	var records []*phase.Record
	for rows.Next() {
		var (
			r         phase.Record
			tag       string
			startedAt string
			outcome   string
		)
		if err = rows.Scan(&r.BuildID, &tag, &startedAt, &r.DurationMs, &outcome); err != nil {
			return nil, fmt.Errorf("phasesqlite.Store: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("phasesqlite.Store: %w", err)
		}
		r.Tag = phase.Tag(tag)
		r.Outcome = phase.Outcome(outcome)
		records = append(records, &r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("phasesqlite.Store: %w", err)
	}
	return records, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
