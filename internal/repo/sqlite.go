package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BuzzLyutic/triage/internal/model"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens the local store at path and applies pending migrations.
// The handle is limited to one connection: the store has a single writer and
// every transaction must see the same database, ":memory:" included.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// sqliteDSN adds the store's connection settings to path, keeping any query
// the caller already put on it. A caller-chosen _txlock wins.
func sqliteDSN(path string) string {
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !strings.Contains(path, "_txlock=") {
		params += "&_txlock=immediate"
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, "SELECT 1 FROM schema_migrations WHERE version = ?", m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, formatSQLiteTime(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.Name, err)
		}
	}
	return nil
}

type SQLiteRepo struct {
	db *sql.DB
}

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{db: db}
}

const sqliteTaskColumns = `id, description, priority, position, created_at, completed_at`

func (r *SQLiteRepo) Insert(ctx context.Context, nt model.NewTask) (model.Task, error) {
	createdAt := nt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, err
	}
	defer tx.Rollback()

	next, err := sqliteNextPosition(ctx, tx, model.PartitionOf(nt.Priority))
	if err != nil {
		return model.Task{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (description, priority, position, created_at)
		VALUES (?, ?, ?, ?)
	`, nt.Description, priorityArg(nt.Priority), next, formatSQLiteTime(createdAt))
	if err != nil {
		return model.Task{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Task{}, err
	}

	t, err := sqliteGet(ctx, tx, id)
	if err != nil {
		return model.Task{}, err
	}
	return t, tx.Commit()
}

func (r *SQLiteRepo) Get(ctx context.Context, id int64) (model.Task, error) {
	return sqliteGet(ctx, r.db, id)
}

func (r *SQLiteRepo) ListByPartition(ctx context.Context, p model.Partition) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteTaskColumns+`
		FROM tasks
		WHERE priority IS ?
		ORDER BY position, id
	`, priorityArg(p.Priority()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLiteRepo) UpdatePriority(ctx context.Context, id int64, p model.Priority) (model.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, err
	}
	defer tx.Rollback()

	t, err := sqliteGet(ctx, tx, id)
	if err != nil {
		return model.Task{}, err
	}
	if t.Priority != nil {
		return model.Task{}, fmt.Errorf("%w: task %d already triaged as %s", ErrorConflict, id, *t.Priority)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET position = position - 1 WHERE priority IS NULL AND position > ?", t.Position,
	); err != nil {
		return model.Task{}, err
	}

	next, err := sqliteNextPosition(ctx, tx, model.Partition(p))
	if err != nil {
		return model.Task{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET priority = ?, position = ? WHERE id = ? AND priority IS NULL", string(p), next, id,
	); err != nil {
		return model.Task{}, err
	}

	t, err = sqliteGet(ctx, tx, id)
	if err != nil {
		return model.Task{}, err
	}
	return t, tx.Commit()
}

func (r *SQLiteRepo) UpdatePositions(ctx context.Context, p model.Partition, updates []model.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prio := priorityArg(p.Priority())
	for _, u := range updates {
		res, err := tx.ExecContext(ctx,
			"UPDATE tasks SET position = ? WHERE id = ? AND priority IS ?", u.Position, u.ID, prio,
		)
		if err != nil {
			return fmt.Errorf("update position of task %d: %w", u.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: task %d is not in %s", ErrorConflict, u.ID, p)
		}
	}

	var count, distinct, lo, hi int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT position), COALESCE(MIN(position), 0), COALESCE(MAX(position), -1)
		FROM tasks WHERE priority IS ?
	`, prio).Scan(&count, &distinct, &lo, &hi); err != nil {
		return err
	}
	if count != distinct || lo != 0 || hi != count-1 {
		return fmt.Errorf("%w: positions in %s would not be dense", ErrorConflict, p)
	}

	return tx.Commit()
}

func (r *SQLiteRepo) UpdateDescription(ctx context.Context, id int64, description string) (model.Task, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE tasks SET description = ? WHERE id = ?", description, id)
	if err != nil {
		return model.Task{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Task{}, err
	} else if n == 0 {
		return model.Task{}, ErrorNotFound
	}
	return r.Get(ctx, id)
}

func (r *SQLiteRepo) ToggleCompleted(ctx context.Context, id int64, now time.Time) (model.Task, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET completed_at = CASE WHEN completed_at IS NULL THEN ? ELSE NULL END
		WHERE id = ?
	`, formatSQLiteTime(now), id)
	if err != nil {
		return model.Task{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Task{}, err
	} else if n == 0 {
		return model.Task{}, ErrorNotFound
	}
	return r.Get(ctx, id)
}

func (r *SQLiteRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := sqliteGet(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET position = position - 1 WHERE priority IS ? AND position > ?",
		priorityArg(t.Priority), t.Position,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepo) Stats(ctx context.Context) (Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT priority, COUNT(*), COUNT(completed_at)
		FROM tasks
		GROUP BY priority
	`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var prio sql.NullString
		var count, completed int
		if err := rows.Scan(&prio, &count, &completed); err != nil {
			return Stats{}, err
		}
		p := model.Inbox
		if prio.Valid {
			p = model.Partition(prio.String)
		}
		stats.ByPartition[p] = count
		stats.Completed += completed
		stats.TotalTasks += count
	}
	return stats, rows.Err()
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteGet(ctx context.Context, q sqliteQuerier, id int64) (model.Task, error) {
	t, err := scanSQLiteTask(q.QueryRowContext(ctx, `
		SELECT `+sqliteTaskColumns+`
		FROM tasks
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrorNotFound
	}
	return t, err
}

func sqliteNextPosition(ctx context.Context, q sqliteQuerier, p model.Partition) (int, error) {
	var next int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position) + 1, 0) FROM tasks WHERE priority IS ?", priorityArg(p.Priority()),
	).Scan(&next)
	return next, err
}

func scanSQLiteTask(row rowScanner) (model.Task, error) {
	var (
		t           model.Task
		prio        sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Description, &prio, &t.Position, &createdAt, &completedAt); err != nil {
		return model.Task{}, err
	}

	if prio.Valid {
		p := model.Priority(prio.String)
		t.Priority = &p
	}

	var err error
	if t.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return model.Task{}, fmt.Errorf("task %d created_at: %w", t.ID, err)
	}
	if completedAt.Valid {
		ts, err := parseSQLiteTime(completedAt.String)
		if err != nil {
			return model.Task{}, fmt.Errorf("task %d completed_at: %w", t.ID, err)
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseSQLiteTime accepts what this package writes plus SQLite's own
// current_timestamp format.
func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
