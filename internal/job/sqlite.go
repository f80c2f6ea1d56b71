package job

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maauso/clipstitch/internal/clip"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check that SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)

// interruptedMessage is recorded on jobs that were queued or running when
// the process stopped. Processing state lives in memory and cannot resume.
const interruptedMessage = "interrupted by restart"

// SQLiteRepository persists jobs in a SQLite database.
type SQLiteRepository struct {
	conn   *sql.DB
	logger *slog.Logger
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath,
// applies migrations and fails jobs left unfinished by a previous run.
func NewSQLiteRepository(dbPath string, logger *slog.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	r := &SQLiteRepository{conn: conn, logger: logger}

	if err := r.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if n, err := r.failInterrupted(context.Background()); err != nil {
		logger.Warn("failed to mark interrupted jobs", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("marked interrupted jobs as failed", slog.Int64("count", n))
	}

	return r, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.conn.Close()
}

func (r *SQLiteRepository) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}
		name := m.Name()
		if r.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := r.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		r.logger.Info("applied migration", slog.String("name", name))
	}
	return nil
}

func (r *SQLiteRepository) isMigrationApplied(name string) bool {
	var exists int
	err := r.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}

	var applied int
	err = r.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

func (r *SQLiteRepository) failInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UnixNano()
	res, err := r.conn.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ?, completed_at = ?
		 WHERE status IN (?, ?)`,
		string(StatusFailed), interruptedMessage, now, now, string(StatusInQueue), string(StatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Save implements Repository.
func (r *SQLiteRepository) Save(ctx context.Context, job *Job) error {
	j := job.Clone()

	comp, err := json.Marshal(j.Composition)
	if err != nil {
		return fmt.Errorf("encode composition: %w", err)
	}

	_, err = r.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, status, composition, strategy, progress, error,
			output_path, output_mime, push_to_s3, output_url,
			created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			composition = excluded.composition,
			strategy = excluded.strategy,
			progress = excluded.progress,
			error = excluded.error,
			output_path = excluded.output_path,
			output_mime = excluded.output_mime,
			push_to_s3 = excluded.push_to_s3,
			output_url = excluded.output_url,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		j.ID, string(j.Status), string(comp), j.Strategy, j.Progress, j.Error,
		j.OutputPath, j.OutputMime, j.PushToS3, j.OutputURL,
		unixNano(j.CreatedAt), unixNano(j.UpdatedAt), unixNano(j.StartedAt), unixNano(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

const selectJob = `SELECT id, status, composition, strategy, progress, error,
	output_path, output_mime, push_to_s3, output_url,
	created_at, updated_at, started_at, completed_at FROM jobs`

// FindByID implements Repository.
func (r *SQLiteRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	row := r.conn.QueryRowContext(ctx, selectJob+" WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return job, nil
}

// List implements Repository.
func (r *SQLiteRepository) List(ctx context.Context) ([]*Job, error) {
	rows, err := r.conn.QueryContext(ctx, selectJob+" ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Delete implements Repository.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.conn.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (*Job, error) {
	var (
		j                                    Job
		status, comp                         string
		created, updated, started, completed int64
	)
	err := s.Scan(&j.ID, &status, &comp, &j.Strategy, &j.Progress, &j.Error,
		&j.OutputPath, &j.OutputMime, &j.PushToS3, &j.OutputURL,
		&created, &updated, &started, &completed)
	if err != nil {
		return nil, err
	}

	var c clip.Composition
	if err := json.Unmarshal([]byte(comp), &c); err != nil {
		return nil, fmt.Errorf("decode composition: %w", err)
	}

	j.Status = Status(status)
	j.Composition = c
	j.CreatedAt = fromUnixNano(created)
	j.UpdatedAt = fromUnixNano(updated)
	j.StartedAt = fromUnixNano(started)
	j.CompletedAt = fromUnixNano(completed)
	return &j, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
