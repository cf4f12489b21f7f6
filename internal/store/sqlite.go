// Package store persists glucose readings in SQLite and serves history
// snapshots back to the analysis core.
//
// Stored readings are immutable: a correction is a new row whose
// supersedes_id points at the reading it replaces. Snapshots exclude
// superseded rows, so history stays auditable without ever being rewritten
// in place.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/glucograph/glucograph/internal/glucose"
)

// ReadingStore persists readings using modernc.org/sqlite.
type ReadingStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at the given path and
// configures WAL mode.
func Open(path string) (*ReadingStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "store: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "store: exec %s", pragma)
		}
	}
	return &ReadingStore{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS readings (
	id            TEXT PRIMARY KEY,
	ts            DATETIME NOT NULL,
	value         REAL NOT NULL,
	mtype         TEXT NOT NULL,
	source        TEXT NOT NULL,
	confidence    REAL NOT NULL,
	discrepancy   INTEGER NOT NULL DEFAULT 0,
	date_anchored INTEGER NOT NULL DEFAULT 0,
	supersedes_id TEXT REFERENCES readings(id),
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);
CREATE INDEX IF NOT EXISTS idx_readings_supersedes ON readings(supersedes_id);
`

// Migrate creates the schema if it does not exist.
func (s *ReadingStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "store: migrate")
}

// Close closes the underlying database.
func (s *ReadingStore) Close() error {
	return s.db.Close()
}

// AppendReadings inserts a batch of readings in one transaction. Readings
// already present (same ID) are skipped, making repeated imports of the
// same chart idempotent.
func (s *ReadingStore) AppendReadings(ctx context.Context, readings []glucose.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin append")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO readings
			(id, ts, value, mtype, source, confidence, discrepancy, date_anchored, supersedes_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "store: prepare append")
	}
	defer stmt.Close()

	for _, r := range readings {
		var supersedes any
		if r.SupersedesID != nil {
			supersedes = r.SupersedesID.String()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID.String(), r.Timestamp.UTC(), r.Value, string(r.Type), string(r.Source),
			r.Confidence, r.Discrepancy, r.DateAnchored, supersedes,
		); err != nil {
			return eris.Wrapf(err, "store: insert reading %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "store: commit append")
}

// FetchRange returns a history snapshot of readings with timestamps in
// [from, to), excluding rows that a later correction superseded.
func (s *ReadingStore) FetchRange(ctx context.Context, from, to time.Time) (glucose.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, value, mtype, source, confidence, discrepancy, date_anchored, supersedes_id
		FROM readings r
		WHERE ts >= ? AND ts < ?
		  AND NOT EXISTS (SELECT 1 FROM readings c WHERE c.supersedes_id = r.id)
		ORDER BY ts`,
		from.UTC(), to.UTC())
	if err != nil {
		return glucose.History{}, eris.Wrap(err, "store: fetch range")
	}
	defer rows.Close()

	readings := make([]glucose.Reading, 0)
	for rows.Next() {
		var (
			r          glucose.Reading
			id         string
			mtype      string
			source     string
			supersedes sql.NullString
		)
		if err := rows.Scan(&id, &r.Timestamp, &r.Value, &mtype, &source,
			&r.Confidence, &r.Discrepancy, &r.DateAnchored, &supersedes); err != nil {
			return glucose.History{}, eris.Wrap(err, "store: scan reading")
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return glucose.History{}, eris.Wrapf(err, "store: reading id %q", id)
		}
		r.ID = parsed
		r.Type = glucose.MeasurementType(mtype)
		r.Source = glucose.Source(source)
		if supersedes.Valid {
			sid, err := uuid.Parse(supersedes.String)
			if err != nil {
				return glucose.History{}, eris.Wrapf(err, "store: supersedes id %q", supersedes.String)
			}
			r.SupersedesID = &sid
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return glucose.History{}, eris.Wrap(err, "store: iterate readings")
	}
	return glucose.NewHistory(readings), nil
}

// Supersede records a correction: a new reading that replaces an existing
// one. The original row is untouched and drops out of future snapshots.
func (s *ReadingStore) Supersede(ctx context.Context, originalID uuid.UUID, corrected glucose.Reading) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM readings WHERE id = ?", originalID.String()).Scan(&exists)
	if err != nil {
		return eris.Wrap(err, "store: look up original")
	}
	if exists == 0 {
		return eris.Errorf("store: no reading %s to supersede", originalID)
	}

	corrected.SupersedesID = &originalID
	if corrected.ID == uuid.Nil {
		corrected.ID = uuid.New()
	}
	return s.AppendReadings(ctx, []glucose.Reading{corrected})
}
