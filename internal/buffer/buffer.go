// Package buffer is the durable local log of production increments.
//
// Every increment is fsync'd before Append returns; a crash after a
// successful Append must not lose the row. A single mutex serialises all
// writers (orchestrator appends, replicator marks, housekeeper vacuums) so
// MarkSynced and Vacuum never race Append on the same rows.
package buffer

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	sisproone "github.com/salvadorguc/sisproone-micro"
	"github.com/salvadorguc/sisproone-micro/internal/check"
	"github.com/salvadorguc/sisproone-micro/internal/clock"
)

var (
	// ErrStorageFull is returned when the underlying database cannot grow.
	ErrStorageFull = errors.New("buffer: storage full")
	// ErrStorageCorrupt is returned when sqlite reports a damaged file.
	ErrStorageCorrupt = errors.New("buffer: storage corrupt")
	// ErrInvalidIncrement is returned for increments that violate the data
	// model (quantity must be positive).
	ErrInvalidIncrement = errors.New("buffer: invalid increment")
)

//go:embed schema.sql
var schema string

// Stats summarises the buffer for the presentation layer.
type Stats struct {
	Total    int
	Pending  int
	Synced   int
	Rejected int
	BySource map[sisproone.Source]int
}

// Store is the sqlite-backed increment log.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	clock clock.Clock
}

// Open creates or opens the buffer database at path and applies the schema.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create buffer directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open buffer db: %w", err)
	}
	// Single connection: the process-wide writer discipline lives in s.mu,
	// and one connection keeps readers on consistent snapshots.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = FULL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, mapErr(fmt.Errorf("apply schema: %w", err))
	}
	return &Store{db: db, clock: clk}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append persists inc with synced=0 and returns its assigned seq. The
// fingerprint is computed here when the caller left it empty, so a retried
// upload after a crash reuses the same idempotency key.
func (s *Store) Append(ctx context.Context, inc sisproone.Increment) (int64, error) {
	if inc.Quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity %d", ErrInvalidIncrement, inc.Quantity)
	}
	if inc.OccurredAt.IsZero() {
		inc.OccurredAt = s.clock.Now()
	}
	if inc.Fingerprint == "" {
		inc.Fingerprint = clock.Fingerprint(inc.OrderCode, inc.UPC, inc.OccurredAt, inc.StationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO increments
			(order_code, upc, quantity, occurred_at, source, station_id, user_id, order_id, fingerprint, synced, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		inc.OrderCode, inc.UPC, inc.Quantity,
		inc.OccurredAt.UTC().Format(time.RFC3339),
		string(inc.Source), inc.StationID, inc.UserID, inc.OrderID, inc.Fingerprint,
	)
	if err != nil {
		return 0, mapErr(fmt.Errorf("append increment: %w", err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append increment: %w", err)
	}
	check.Invariantf(seq > 0, "buffer assigned non-positive seq %d", seq)
	return seq, nil
}

const incrementColumns = `seq, order_code, upc, quantity, occurred_at, source,
	station_id, user_id, order_id, fingerprint, synced, rejected`

// PendingBatch returns the oldest limit unsynced, unrejected rows in strict
// seq order. An empty result is normal.
func (s *Store) PendingBatch(ctx context.Context, limit int) ([]sisproone.Increment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incrementColumns+`
		FROM increments
		WHERE synced = 0 AND rejected = 0
		ORDER BY seq ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapErr(fmt.Errorf("pending batch: %w", err))
	}
	defer rows.Close()
	return scanIncrements(rows)
}

// ReadingsByOrder returns every increment recorded for an order at a station,
// oldest first.
func (s *Store) ReadingsByOrder(ctx context.Context, orderCode string, stationID int) ([]sisproone.Increment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incrementColumns+`
		FROM increments
		WHERE order_code = ? AND station_id = ?
		ORDER BY seq ASC`, orderCode, stationID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("readings by order: %w", err))
	}
	defer rows.Close()
	return scanIncrements(rows)
}

// MarkSynced atomically flips synced=1 for the given seqs. Idempotent.
func (s *Store) MarkSynced(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("mark synced: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE increments SET synced = 1 WHERE seq = ?`)
	if err != nil {
		return mapErr(fmt.Errorf("mark synced: %w", err))
	}
	defer stmt.Close()

	for _, seq := range seqs {
		if _, err := stmt.ExecContext(ctx, seq); err != nil {
			return mapErr(fmt.Errorf("mark synced seq %d: %w", seq, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("mark synced: %w", err))
	}
	return nil
}

// MarkRejected poisons a single row: the replicator will never retry it.
// The row keeps synced=0 so the rejection stays visible in the log.
func (s *Store) MarkRejected(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE increments SET rejected = 1 WHERE seq = ?`, seq); err != nil {
		return mapErr(fmt.Errorf("mark rejected seq %d: %w", seq, err))
	}
	return nil
}

// SetFingerprint backfills a fingerprint for a row persisted without one.
func (s *Store) SetFingerprint(ctx context.Context, seq int64, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE increments SET fingerprint = ?
		WHERE seq = ? AND synced = 0`, fingerprint, seq); err != nil {
		return mapErr(fmt.Errorf("set fingerprint seq %d: %w", seq, err))
	}
	return nil
}

// PendingCount returns the exact number of rows with synced=0 and rejected=0.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM increments WHERE synced = 0 AND rejected = 0`).Scan(&n)
	if err != nil {
		return 0, mapErr(fmt.Errorf("pending count: %w", err))
	}
	return n, nil
}

// Vacuum deletes synced rows older than retention and reports how many went.
func (s *Store) Vacuum(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention).UTC().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM increments WHERE synced = 1 AND occurred_at < ?`, cutoff)
	if err != nil {
		return 0, mapErr(fmt.Errorf("vacuum: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vacuum: %w", err)
	}
	return n, nil
}

// Stats summarises the log for the UI.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{BySource: make(map[sisproone.Source]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN synced = 0 AND rejected = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(synced), 0),
		       COALESCE(SUM(rejected), 0)
		FROM increments`).Scan(&st.Total, &st.Pending, &st.Synced, &st.Rejected)
	if err != nil {
		return Stats{}, mapErr(fmt.Errorf("stats: %w", err))
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM increments GROUP BY source`)
	if err != nil {
		return Stats{}, mapErr(fmt.Errorf("stats: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
		st.BySource[sisproone.Source(src)] = n
	}
	return st, rows.Err()
}

// SaveStation records the operator's station selection. The table keeps one
// row per station; the most recent selected_at wins on read.
func (s *Store) SaveStation(ctx context.Context, station sisproone.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (station_id, name, selected_at)
		VALUES (?, ?, ?)
		ON CONFLICT (station_id) DO UPDATE SET name = excluded.name, selected_at = excluded.selected_at`,
		station.ID, station.Name, s.clock.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return mapErr(fmt.Errorf("save station: %w", err))
	}
	return nil
}

// CurrentStation returns the most recently selected station, if any.
func (s *Store) CurrentStation(ctx context.Context) (sisproone.Station, bool, error) {
	var st sisproone.Station
	err := s.db.QueryRowContext(ctx, `
		SELECT station_id, name FROM stations
		ORDER BY selected_at DESC LIMIT 1`).Scan(&st.ID, &st.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return sisproone.Station{}, false, nil
	}
	if err != nil {
		return sisproone.Station{}, false, mapErr(fmt.Errorf("current station: %w", err))
	}
	return st, true, nil
}

func scanIncrements(rows *sql.Rows) ([]sisproone.Increment, error) {
	var out []sisproone.Increment
	for rows.Next() {
		var (
			inc        sisproone.Increment
			occurredAt string
			source     string
			fp         sql.NullString
			synced     int
			rejected   int
		)
		if err := rows.Scan(&inc.Seq, &inc.OrderCode, &inc.UPC, &inc.Quantity,
			&occurredAt, &source, &inc.StationID, &inc.UserID, &inc.OrderID,
			&fp, &synced, &rejected); err != nil {
			return nil, fmt.Errorf("scan increment: %w", err)
		}
		t, err := time.Parse(time.RFC3339, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("scan increment seq %d: %w", inc.Seq, err)
		}
		inc.OccurredAt = t
		inc.Source = sisproone.Source(source)
		inc.Fingerprint = fp.String
		inc.Synced = synced != 0
		inc.Rejected = rejected != 0
		out = append(out, inc)
	}
	return out, rows.Err()
}

// mapErr converts sqlite failures into the buffer's error kinds. modernc's
// driver surfaces SQLITE_FULL and SQLITE_CORRUPT through the message text.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database or disk is full"):
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"):
		return fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	default:
		return err
	}
}
