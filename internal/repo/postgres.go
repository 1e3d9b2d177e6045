package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BuzzLyutic/triage/internal/model"
)

// OpenPostgres connects to databaseURL, pings it and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := pool.QueryRow(ctx, "SELECT 1 FROM schema_migrations WHERE version = $1", m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Name, err)
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{
		pool: pool,
	}
}

const pgTaskColumns = `id, description, priority, position, created_at, completed_at`

func (r *PostgresRepo) Insert(ctx context.Context, nt model.NewTask) (model.Task, error) {
	createdAt := nt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var t model.Task
	err := r.inPositionTx(ctx, func(tx pgx.Tx) error {
		next, err := pgNextPosition(ctx, tx, model.PartitionOf(nt.Priority))
		if err != nil {
			return err
		}
		t, err = scanPgTask(tx.QueryRow(ctx, `
			INSERT INTO tasks (description, priority, position, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING `+pgTaskColumns,
			nt.Description, priorityArg(nt.Priority), next, createdAt,
		))
		return err
	})
	return t, r.mapError(err)
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (model.Task, error) {
	return pgGet(ctx, r.pool, id)
}

func (r *PostgresRepo) ListByPartition(ctx context.Context, p model.Partition) ([]model.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+pgTaskColumns+`
		FROM tasks
		WHERE priority IS NOT DISTINCT FROM $1::text
		ORDER BY position, id
	`, priorityArg(p.Priority()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *PostgresRepo) UpdatePriority(ctx context.Context, id int64, p model.Priority) (model.Task, error) {
	var t model.Task
	err := r.inPositionTx(ctx, func(tx pgx.Tx) error {
		current, err := pgGet(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Priority != nil {
			return fmt.Errorf("%w: task %d already triaged as %s", ErrorConflict, id, *current.Priority)
		}

		if _, err := tx.Exec(ctx,
			"UPDATE tasks SET position = position - 1 WHERE priority IS NULL AND position > $1", current.Position,
		); err != nil {
			return err
		}

		next, err := pgNextPosition(ctx, tx, model.Partition(p))
		if err != nil {
			return err
		}
		t, err = scanPgTask(tx.QueryRow(ctx, `
			UPDATE tasks SET priority = $2, position = $3
			WHERE id = $1 AND priority IS NULL
			RETURNING `+pgTaskColumns,
			id, string(p), next,
		))
		return err
	})
	return t, r.mapError(err)
}

func (r *PostgresRepo) UpdatePositions(ctx context.Context, p model.Partition, updates []model.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	prio := priorityArg(p.Priority())
	err := r.inPositionTx(ctx, func(tx pgx.Tx) error {
		for _, u := range updates {
			cmd, err := tx.Exec(ctx,
				"UPDATE tasks SET position = $1 WHERE id = $2 AND priority IS NOT DISTINCT FROM $3::text",
				u.Position, u.ID, prio,
			)
			if err != nil {
				return fmt.Errorf("update position of task %d: %w", u.ID, err)
			}
			if cmd.RowsAffected() == 0 {
				return fmt.Errorf("%w: task %d is not in %s", ErrorConflict, u.ID, p)
			}
		}

		var count, distinct, lo, hi int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*), COUNT(DISTINCT position), COALESCE(MIN(position), 0), COALESCE(MAX(position), -1)
			FROM tasks WHERE priority IS NOT DISTINCT FROM $1::text
		`, prio).Scan(&count, &distinct, &lo, &hi); err != nil {
			return err
		}
		if count != distinct || lo != 0 || hi != count-1 {
			return fmt.Errorf("%w: positions in %s would not be dense", ErrorConflict, p)
		}
		return nil
	})
	return r.mapError(err)
}

func (r *PostgresRepo) UpdateDescription(ctx context.Context, id int64, description string) (model.Task, error) {
	t, err := scanPgTask(r.pool.QueryRow(ctx, `
		UPDATE tasks SET description = $2
		WHERE id = $1
		RETURNING `+pgTaskColumns,
		id, description,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrorNotFound
	}
	return t, r.mapError(err)
}

func (r *PostgresRepo) ToggleCompleted(ctx context.Context, id int64, now time.Time) (model.Task, error) {
	t, err := scanPgTask(r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET completed_at = CASE WHEN completed_at IS NULL THEN $2::timestamptz ELSE NULL END
		WHERE id = $1
		RETURNING `+pgTaskColumns,
		id, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrorNotFound
	}
	return t, err
}

func (r *PostgresRepo) Delete(ctx context.Context, id int64) error {
	return r.inPositionTx(ctx, func(tx pgx.Tx) error {
		var (
			prio     *string
			position int
		)
		err := tx.QueryRow(ctx, "DELETE FROM tasks WHERE id = $1 RETURNING priority, position", id).Scan(&prio, &position)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrorNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			"UPDATE tasks SET position = position - 1 WHERE priority IS NOT DISTINCT FROM $1::text AND position > $2",
			prio, position,
		)
		return err
	})
}

func (r *PostgresRepo) Stats(ctx context.Context) (Stats, error) {
	rows, err := r.pool.Query(ctx, `
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
		var (
			prio             *string
			count, completed int
		)
		if err := rows.Scan(&prio, &count, &completed); err != nil {
			return Stats{}, err
		}
		p := model.Inbox
		if prio != nil {
			p = model.Partition(*prio)
		}
		stats.ByPartition[p] = count
		stats.Completed += completed
		stats.TotalTasks += count
	}
	return stats, rows.Err()
}

// inPositionTx runs fn in a transaction that holds a table lock against other
// position writers, so MAX(position)+1 and gap closing cannot interleave when
// several processes share the database.
func (r *PostgresRepo) inPositionTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "LOCK TABLE tasks IN SHARE ROW EXCLUSIVE MODE"); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (r *PostgresRepo) mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514":
			return fmt.Errorf("%w: %s", ErrorConflict, pgErr.Message)
		}
	}
	return err
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGet(ctx context.Context, q pgQuerier, id int64) (model.Task, error) {
	t, err := scanPgTask(q.QueryRow(ctx, `
		SELECT `+pgTaskColumns+`
		FROM tasks
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrorNotFound
	}
	return t, err
}

func pgNextPosition(ctx context.Context, q pgQuerier, p model.Partition) (int, error) {
	var next int
	err := q.QueryRow(ctx,
		"SELECT COALESCE(MAX(position) + 1, 0) FROM tasks WHERE priority IS NOT DISTINCT FROM $1::text",
		priorityArg(p.Priority()),
	).Scan(&next)
	return next, err
}

func scanPgTask(row rowScanner) (model.Task, error) {
	var (
		t    model.Task
		prio *string
	)
	if err := row.Scan(&t.ID, &t.Description, &prio, &t.Position, &t.CreatedAt, &t.CompletedAt); err != nil {
		return model.Task{}, err
	}
	if prio != nil {
		p := model.Priority(*prio)
		t.Priority = &p
	}
	return t, nil
}
