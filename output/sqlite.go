package output

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/sbl8/gwmc/core"
)

// ErrNotFound is returned when a requested run or snapshot does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	target     TEXT NOT NULL,
	nwalkers   INTEGER NOT NULL,
	ndim       INTEGER NOT NULL,
	seed       INTEGER NOT NULL,
	betas      TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS snapshots (
	run_id   TEXT NOT NULL,
	replica  INTEGER NOT NULL,
	sweep    INTEGER NOT NULL,
	beta     REAL NOT NULL,
	accepted INTEGER NOT NULL,
	walkers  BLOB NOT NULL,
	lnp      BLOB NOT NULL,
	PRIMARY KEY (run_id, replica, sweep)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS swaps (
	run_id   TEXT NOT NULL,
	step     INTEGER NOT NULL,
	lo       INTEGER NOT NULL,
	hi       INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	accepted INTEGER NOT NULL,
	PRIMARY KEY (run_id, step, lo)
) WITHOUT ROWID;
`

// Run describes one sampling run.
type Run struct {
	ID        string
	StartedAt time.Time
	Target    string
	NWalkers  int
	NDim      int
	Seed      uint64
	Betas     []float64
}

// Snapshot is the stored state of one replica after a sweep. Walkers holds
// NWalkers rows of NDim coordinates; Lnp holds NaN for walkers whose
// log-density was not computed.
type Snapshot struct {
	RunID    string
	Replica  int
	Sweep    int
	Beta     float64
	Accepted int64
	Walkers  [][]float64
	Lnp      []float64
}

// SQLiteStore records runs, snapshots and swap statistics in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the store at path. Use ":memory:" for a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts r. An empty ID is replaced by a new UUID and a zero
// StartedAt by the current time; the stored run is returned.
func (s *SQLiteStore) CreateRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	betas, err := sonnet.Marshal(r.Betas)
	if err != nil {
		return r, fmt.Errorf("encode betas: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, target, nwalkers, ndim, seed, betas)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixNano(), r.Target, r.NWalkers, r.NDim, int64(r.Seed), string(betas))
	if err != nil {
		return r, fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return r, nil
}

// Run loads the run with id.
func (s *SQLiteStore) Run(ctx context.Context, id string) (Run, error) {
	var (
		r       Run
		started int64
		seed    int64
		betas   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, target, nwalkers, ndim, seed, betas
		FROM runs WHERE run_id = ?`, id).
		Scan(&r.ID, &started, &r.Target, &r.NWalkers, &r.NDim, &seed, &betas)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("query run %s: %w", id, err)
	}
	r.StartedAt = time.Unix(0, started)
	r.Seed = uint64(seed)
	if err := sonnet.Unmarshal([]byte(betas), &r.Betas); err != nil {
		return r, fmt.Errorf("decode betas of run %s: %w", id, err)
	}
	return r, nil
}

// SaveSnapshot stores the current state of e as replica after sweep.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, runID string, replica, sweep int, e *core.Ensemble) error {
	if e.Freed() {
		return core.ErrFreed
	}
	n, d := e.NWalkers(), e.NDim()
	walkers := make([]byte, 0, n*d*core.Float64Size)
	lnp := make([]byte, 0, n*core.Float64Size)
	for i := 0; i < n; i++ {
		for _, v := range e.Walker(i) {
			walkers = binary.LittleEndian.AppendUint64(walkers, math.Float64bits(v))
		}
		v, ok := e.LogDensity(i)
		if !ok {
			v = math.NaN()
		}
		lnp = binary.LittleEndian.AppendUint64(lnp, math.Float64bits(v))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (run_id, replica, sweep, beta, accepted, walkers, lnp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, replica, sweep, e.InverseTemperature, e.AcceptCount(), walkers, lnp)
	if err != nil {
		return fmt.Errorf("insert snapshot %s/%d/%d: %w", runID, replica, sweep, err)
	}
	return nil
}

// Snapshot loads one stored snapshot.
func (s *SQLiteStore) Snapshot(ctx context.Context, runID string, replica, sweep int) (*Snapshot, error) {
	var (
		ndim    int
		walkers []byte
		lnp     []byte
	)
	snap := &Snapshot{RunID: runID, Replica: replica, Sweep: sweep}
	err := s.db.QueryRowContext(ctx, `
		SELECT r.ndim, s.beta, s.accepted, s.walkers, s.lnp
		FROM snapshots s JOIN runs r ON r.run_id = s.run_id
		WHERE s.run_id = ? AND s.replica = ? AND s.sweep = ?`, runID, replica, sweep).
		Scan(&ndim, &snap.Beta, &snap.Accepted, &walkers, &lnp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s/%d/%d: %w", runID, replica, sweep, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot %s/%d/%d: %w", runID, replica, sweep, err)
	}

	n := len(lnp) / core.Float64Size
	if ndim <= 0 || len(walkers) != n*ndim*core.Float64Size {
		return nil, fmt.Errorf("snapshot %s/%d/%d: %d walker bytes for %d walkers of %d dims",
			runID, replica, sweep, len(walkers), n, ndim)
	}
	snap.Walkers = make([][]float64, n)
	snap.Lnp = make([]float64, n)
	for i := range snap.Walkers {
		row := make([]float64, ndim)
		for j := range row {
			off := (i*ndim + j) * core.Float64Size
			row[j] = math.Float64frombits(binary.LittleEndian.Uint64(walkers[off:]))
		}
		snap.Walkers[i] = row
		snap.Lnp[i] = math.Float64frombits(binary.LittleEndian.Uint64(lnp[i*core.Float64Size:]))
	}
	return snap, nil
}

// Sweeps lists the sweeps stored for replica of a run in ascending order.
func (s *SQLiteStore) Sweeps(ctx context.Context, runID string, replica int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sweep FROM snapshots WHERE run_id = ? AND replica = ? ORDER BY sweep`, runID, replica)
	if err != nil {
		return nil, fmt.Errorf("query sweeps: %w", err)
	}
	defer rows.Close()

	var sweeps []int
	for rows.Next() {
		var sweep int
		if err := rows.Scan(&sweep); err != nil {
			return nil, fmt.Errorf("scan sweep: %w", err)
		}
		sweeps = append(sweeps, sweep)
	}
	return sweeps, rows.Err()
}

// RecordSwaps stores the outcome of the swap between rungs lo and hi on step.
func (s *SQLiteStore) RecordSwaps(ctx context.Context, runID string, step uint64, lo, hi, attempts, accepted int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO swaps (run_id, step, lo, hi, attempts, accepted)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, int64(step), lo, hi, attempts, accepted)
	if err != nil {
		return fmt.Errorf("insert swaps %s/%d: %w", runID, step, err)
	}
	return nil
}

// SwapRate returns the accepted fraction of all recorded swaps between lo
// and hi in a run.
func (s *SQLiteStore) SwapRate(ctx context.Context, runID string, lo, hi int) (float64, error) {
	var attempts, accepted sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(attempts), SUM(accepted) FROM swaps
		WHERE run_id = ? AND lo = ? AND hi = ?`, runID, lo, hi).Scan(&attempts, &accepted)
	if err != nil {
		return 0, fmt.Errorf("query swap rate: %w", err)
	}
	if !attempts.Valid || attempts.Int64 == 0 {
		return 0, fmt.Errorf("swaps %d-%d of run %s: %w", lo, hi, runID, ErrNotFound)
	}
	return float64(accepted.Int64) / float64(attempts.Int64), nil
}
