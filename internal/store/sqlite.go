package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"titlepilot/internal/domain"
)

var ErrNotFound = errors.New("experiment not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS experiments (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  video_id TEXT NOT NULL,
  variants TEXT NOT NULL,
  variant_index INTEGER NOT NULL DEFAULT 0,
  rotate_every INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  policy TEXT NOT NULL CHECK(policy IN ('sequential','cyclic')) DEFAULT 'sequential',
  status TEXT NOT NULL CHECK(status IN ('active','paused','completed','deleted')) DEFAULT 'active',
  next_fire_at DATETIME,
  end_at DATETIME,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  last_failure_at DATETIME,
  pause_reason TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_experiments_due ON experiments(status, next_fire_at);
CREATE INDEX IF NOT EXISTS idx_experiments_account ON experiments(account_id, status);
CREATE TABLE IF NOT EXISTS rotation_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  experiment_id TEXT NOT NULL,
  rotated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  old_title TEXT NOT NULL,
  new_title TEXT NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('success','failure','quota_deferred')),
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(experiment_id) REFERENCES experiments(id)
);
CREATE INDEX IF NOT EXISTS idx_rotation_log_experiment ON rotation_log(experiment_id, rotated_at);
CREATE TABLE IF NOT EXISTS quota_usage (
  account_id TEXT NOT NULL,
  day TEXT NOT NULL,
  used INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (account_id, day)
);
`
	_, err := db.Exec(schema)
	return err
}

// Store persists experiments, their rotation schedules and the rotation log.
type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

// DB returns the underlying database connection (shared with the quota ledger).
func (s *Store) DB() *sql.DB { return s.db }

const experimentCols = `id,account_id,video_id,variants,variant_index,rotate_every,cron_expr,policy,status,next_fire_at,end_at,consecutive_failures,last_error,last_failure_at,pause_reason,created_at,updated_at`

func (s *Store) CreateExperiment(ctx context.Context, e domain.Experiment) (string, error) {
	id := e.ID
	if id == "" {
		id = "exp_" + uuid.NewString()
	}
	if e.Policy == "" {
		e.Policy = domain.PolicySequential
	}
	if e.Status == "" {
		e.Status = domain.StatusActive
	}
	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO experiments (id,account_id,video_id,variants,variant_index,rotate_every,cron_expr,policy,status,next_fire_at,end_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, e.AccountID, e.VideoID, string(variants), e.VariantIndex, int64(e.RotateEvery/time.Second), e.CronExpr, e.Policy, e.Status, nullTime(e.NextFireAt), nullTime(e.EndAt))
	return id, err
}

// timeLayout matches CURRENT_TIMESTAMP so stored timestamps stay mutually
// comparable as text.
const timeLayout = "2006-01-02 15:04:05"

func sqlTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func (s *Store) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentCols+` FROM experiments WHERE id=?`, id)
	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return domain.Experiment{}, ErrNotFound
	}
	return e, err
}

func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]domain.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+experimentCols+` FROM experiments
WHERE account_id=? AND status != 'deleted'
ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetStatus writes the new status. Leaving active clears the schedule so the
// experiment cannot be claimed afterwards; reason is recorded for pauses.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.Status, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE experiments
SET status=?,
    next_fire_at=CASE WHEN ?='active' THEN next_fire_at ELSE NULL END,
    pause_reason=?,
    updated_at=CURRENT_TIMESTAMP
WHERE id=?`, status, status, reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateVariant persists a successful rotation: new index, failure counter
// reset.
func (s *Store) UpdateVariant(ctx context.Context, id string, index int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE experiments
SET variant_index=?, consecutive_failures=0, last_error='', updated_at=CURRENT_TIMESTAMP
WHERE id=?`, index, id)
	return err
}

// RecordFailure bumps the consecutive-failure counter and returns its new
// value so the caller can compare against the pause ceiling.
func (s *Store) RecordFailure(ctx context.Context, id, errMsg string, at time.Time) (int, error) {
	_, err := s.db.ExecContext(ctx, `
UPDATE experiments
SET consecutive_failures=consecutive_failures+1, last_error=?, last_failure_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, errMsg, sqlTime(at), id)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT consecutive_failures FROM experiments WHERE id=?`, id).Scan(&n)
	return n, err
}

// UpsertSchedule idempotently records when an experiment is next due,
// overwriting any prior value. Only active experiments may carry a schedule.
func (s *Store) UpsertSchedule(ctx context.Context, id string, nextFireAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE experiments SET next_fire_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='active'`, sqlTime(nextFireAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelSchedule removes future due-ness. Safe to call when no schedule
// exists; clearing an already-null schedule is a no-op.
func (s *Store) CancelSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE experiments SET next_fire_at=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

// ClaimDue returns experiments whose next-fire time is <= now and clears
// their schedule in the same transaction, so a concurrent caller cannot
// claim the same experiment. This is the single serialization point for
// rotation execution.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM experiments
WHERE status='active' AND next_fire_at IS NOT NULL AND next_fire_at <= ?
ORDER BY next_fire_at ASC
LIMIT ?`, sqlTime(now), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Rollback()
	}

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `
UPDATE experiments SET next_fire_at=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimOne claims a single experiment for out-of-band execution. Returns
// false when the experiment is not active or has no pending schedule (for
// instance because a tick already claimed it).
func (s *Store) ClaimOne(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE experiments SET next_fire_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='active' AND next_fire_at IS NOT NULL`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecoverStalled reschedules active experiments that were claimed but whose
// outcome never landed (worker crash between claim and reschedule). They are
// made due again immediately rather than left unscheduled forever.
func (s *Store) RecoverStalled(ctx context.Context, now time.Time, stallAfter time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE experiments
SET next_fire_at=?, updated_at=CURRENT_TIMESTAMP
WHERE status='active' AND next_fire_at IS NULL AND updated_at <= ?`,
		sqlTime(now), sqlTime(now.Add(-stallAfter)))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) AppendRotation(ctx context.Context, e domain.RotationEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rotation_log (experiment_id, rotated_at, old_title, new_title, outcome, error)
VALUES (?,?,?,?,?,?)`, e.ExperimentID, sqlTime(e.RotatedAt), e.OldTitle, e.NewTitle, e.Outcome, e.Error)
	return err
}

func (s *Store) ListRotations(ctx context.Context, experimentID string, limit int) ([]domain.RotationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, experiment_id, rotated_at, old_title, new_title, outcome, error
FROM rotation_log WHERE experiment_id=? ORDER BY rotated_at DESC, id DESC LIMIT ?`, experimentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RotationEntry
	for rows.Next() {
		var e domain.RotationEntry
		if err := rows.Scan(&e.ID, &e.ExperimentID, &e.RotatedAt, &e.OldTitle, &e.NewTitle, &e.Outcome, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DashboardStats counts an account's experiments by status and today's
// logged rotations.
func (s *Store) DashboardStats(ctx context.Context, accountID string, now time.Time) (domain.DashboardStats, error) {
	stats := domain.DashboardStats{AccountID: accountID}
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM experiments
WHERE account_id=? AND status != 'deleted' GROUP BY status`, accountID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch domain.Status(status) {
		case domain.StatusActive:
			stats.Active = n
		case domain.StatusPaused:
			stats.Paused = n
		case domain.StatusCompleted:
			stats.Completed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	u := now.UTC()
	dayStart := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM rotation_log r
JOIN experiments e ON e.id = r.experiment_id
WHERE e.account_id=? AND r.outcome='success' AND r.rotated_at >= ?`, accountID, sqlTime(dayStart)).Scan(&stats.RotationsToday)
	return stats, err
}

type scanner interface{ Scan(dest ...any) error }

func scanExperiment(row scanner) (domain.Experiment, error) {
	var (
		e           domain.Experiment
		variants    string
		rotateEvery int64
		nextFire    sql.NullTime
		endAt       sql.NullTime
		lastFailure sql.NullTime
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.VideoID, &variants, &e.VariantIndex, &rotateEvery,
		&e.CronExpr, &e.Policy, &e.Status, &nextFire, &endAt, &e.ConsecutiveFailures,
		&e.LastError, &lastFailure, &e.PauseReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return domain.Experiment{}, err
	}
	if err := json.Unmarshal([]byte(variants), &e.Variants); err != nil {
		return domain.Experiment{}, fmt.Errorf("decode variants for %s: %w", e.ID, err)
	}
	e.RotateEvery = time.Duration(rotateEvery) * time.Second
	if nextFire.Valid {
		t := nextFire.Time
		e.NextFireAt = &t
	}
	if endAt.Valid {
		t := endAt.Time
		e.EndAt = &t
	}
	if lastFailure.Valid {
		t := lastFailure.Time
		e.LastFailureAt = &t
	}
	return e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqlTime(*t)
}
