// Package sqlstore persists SLA records and the token ledger in one SQLite database through
// database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/compose-network/sla-escrow/x/sla"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

var _ sla.Store = (*Store)(nil)

// Store keeps one row per SLA. The full record is stored as JSON; state and manager are
// duplicated into columns for ad-hoc queries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and creates the schema when missing.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS slas (
		id INTEGER PRIMARY KEY,
		state INTEGER NOT NULL,
		manager TEXT NOT NULL,
		record TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, rec *sla.SLA) (uint64, error) {
	if rec == nil {
		return 0, fmt.Errorf("record is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM slas`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}

	cp := rec.Clone()
	cp.ID = id
	blob, err := json.Marshal(cp)
	if err != nil {
		return 0, fmt.Errorf("encode sla %d: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO slas (id, state, manager, record, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, uint8(cp.State), cp.Manager.Hex(), string(blob), cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert sla %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, rec *sla.SLA) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode sla %d: %w", rec.ID, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE slas SET state = ?, record = ?, updated_at = ? WHERE id = ?`,
		uint8(rec.State), string(blob), rec.UpdatedAt.UTC().Format(time.RFC3339Nano), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update sla %d: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sla %d: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("sla %d: %w", rec.ID, sla.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uint64) (*sla.SLA, error) {
	// ids are INTEGER rows; anything past int64 cannot exist
	if id > math.MaxInt64 {
		return nil, fmt.Errorf("sla %d: %w", id, sla.ErrRecordNotFound)
	}

	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM slas WHERE id = ?`, int64(id)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sla %d: %w", id, sla.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sla %d: %w", id, err)
	}
	return decode(blob)
}

func (s *Store) NextID(ctx context.Context) (uint64, error) {
	var next uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM slas`).Scan(&next); err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return next, nil
}

// List returns records in creation order. A zero limit means no limit.
func (s *Store) List(ctx context.Context, offset, limit uint64) ([]*sla.SLA, error) {
	if offset > math.MaxInt64 {
		return []*sla.SLA{}, nil
	}
	lim := int64(-1)
	if limit > 0 && limit <= math.MaxInt64 {
		lim = int64(limit)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM slas WHERE id >= ? ORDER BY id LIMIT ?`, int64(offset), lim)
	if err != nil {
		return nil, fmt.Errorf("list slas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*sla.SLA, 0)
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan sla: %w", err)
		}
		rec, err := decode(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list slas: %w", err)
	}
	return out, nil
}

func decode(blob string) (*sla.SLA, error) {
	var rec sla.SLA
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, fmt.Errorf("decode sla: %w", err)
	}
	// restore the non-nil invariants the registry relies on
	return rec.Clone(), nil
}
