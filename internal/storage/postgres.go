package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore backs the row store with a hosted Postgres instance.
type PostgresStore struct {
	db       *sql.DB
	notifier *Notifier
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, notifier *Notifier) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migratePostgres(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, notifier: notifier}, nil
}

func migratePostgres(db *sql.DB) error {
	// Note: no unique constraint on candidates.name; UpsertCandidateByName is
	// unsupported on this backend and callers fall back to plain inserts.
	schema := `
	CREATE TABLE IF NOT EXISTS candidates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		recommendation TEXT NOT NULL,
		cv_text TEXT NOT NULL,
		analysis_json JSONB,
		role_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analysis_jobs (
		id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		role_id TEXT,
		cv_hash TEXT NOT NULL,
		context_hash TEXT NOT NULL,
		job_context TEXT,
		status TEXT NOT NULL,
		result_json JSONB,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_key
		ON analysis_jobs(candidate_id, role_id, cv_hash, context_hash, created_at);

	CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_snapshot (
		slot INT PRIMARY KEY CHECK (slot = 1),
		payload TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertCandidate(ctx context.Context, c *Candidate) error {
	if err := prepCandidate(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (id, name, score, recommendation, cv_text, analysis_json, role_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Name, c.Score, c.Recommendation, c.CVText, nullBytes(c.Analysis), c.RoleID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

// UpsertCandidateByName is unsupported: the hosted schema does not carry a
// unique constraint on candidate name.
func (s *PostgresStore) UpsertCandidateByName(ctx context.Context, c *Candidate) error {
	return ErrUpsertUnsupported
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, score, recommendation, cv_text, analysis_json, role_id, created_at, updated_at
		 FROM candidates WHERE id = $1`, id)
	return scanCandidatePG(row)
}

func (s *PostgresStore) ListCandidates(ctx context.Context) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, score, recommendation, cv_text, analysis_json, role_id, created_at, updated_at
		 FROM candidates ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Candidate
	for rows.Next() {
		c, err := scanCandidatePG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAnalysisJob(ctx context.Context, j *AnalysisJob) error {
	if j == nil || j.ID == "" {
		return errors.New("analysis job id is required")
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_jobs (id, candidate_id, role_id, cv_hash, context_hash, job_context, status, result_json, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.CandidateID, j.RoleID, j.CVHash, j.ContextHash, j.JobContext,
		string(j.Status), nullBytes(j.Result), j.Error, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis job: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindAnalysisJob(ctx context.Context, key JobKey) (*AnalysisJob, error) {
	query := `SELECT id, candidate_id, role_id, cv_hash, context_hash, job_context, status, result_json, error_message, created_at, updated_at
		 FROM analysis_jobs
		 WHERE candidate_id = $1 AND cv_hash = $2 AND context_hash = $3
		   AND status IN ($4, $5) AND `
	args := []any{key.CandidateID, key.CVHash, key.ContextHash, string(JobProcessing), string(JobCompleted)}
	if key.RoleID == nil {
		query += "role_id IS NULL"
	} else {
		query += "role_id = $6"
		args = append(args, *key.RoleID)
	}
	query += " ORDER BY created_at DESC LIMIT 1"
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanAnalysisJobPG(row)
}

func (s *PostgresStore) GetAnalysisJob(ctx context.Context, id string) (*AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, candidate_id, role_id, cv_hash, context_hash, job_context, status, result_json, error_message, created_at, updated_at
		 FROM analysis_jobs WHERE id = $1`, id)
	return scanAnalysisJobPG(row)
}

func (s *PostgresStore) UpdateAnalysisJobStatus(ctx context.Context, id string, status JobStatus, result []byte, errMsg *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = $1, result_json = $2, error_message = $3, updated_at = $4 WHERE id = $5`,
		string(status), nullBytes(result), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update analysis job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if s.notifier != nil {
		if job, err := s.GetAnalysisJob(ctx, id); err == nil {
			s.notifier.Publish(RowEvent{Table: "analysis_jobs", RowID: id, Type: EventUpdate, Row: job})
		}
	}
	return nil
}

func (s *PostgresStore) DeleteAnalysisJobs(ctx context.Context, key JobKey) error {
	query := `DELETE FROM analysis_jobs WHERE candidate_id = $1 AND cv_hash = $2 AND context_hash = $3 AND `
	args := []any{key.CandidateID, key.CVHash, key.ContextHash}
	if key.RoleID == nil {
		query += "role_id IS NULL"
	} else {
		query += "role_id = $4"
		args = append(args, *key.RoleID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete analysis jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertRole(ctx context.Context, r *Role) error {
	if r == nil || r.ID == "" {
		return errors.New("role id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (id, name, description, created_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.Name, r.Description, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRole(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, created_at FROM roles WHERE id = $1`, id)
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) SetRunSnapshot(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_snapshot (slot, payload, updated_at) VALUES (1, $1, $2)
		 ON CONFLICT (slot) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save run snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRunSnapshot(ctx context.Context) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM run_snapshot WHERE slot = 1`)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load run snapshot: %w", err)
	}
	return []byte(payload), nil
}

func (s *PostgresStore) DeleteRunSnapshot(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_snapshot WHERE slot = 1`); err != nil {
		return fmt.Errorf("clear run snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanCandidatePG(row rowScanner) (*Candidate, error) {
	var c Candidate
	var analysis sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Score, &c.Recommendation, &c.CVText, &analysis, &c.RoleID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan candidate: %w", err)
	}
	if analysis.Valid {
		c.Analysis = []byte(analysis.String)
	}
	return &c, nil
}

func scanAnalysisJobPG(row rowScanner) (*AnalysisJob, error) {
	var j AnalysisJob
	var status string
	var result sql.NullString
	err := row.Scan(&j.ID, &j.CandidateID, &j.RoleID, &j.CVHash, &j.ContextHash, &j.JobContext,
		&status, &result, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan analysis job: %w", err)
	}
	j.Status = JobStatus(status)
	if result.Valid {
		j.Result = []byte(result.String)
	}
	return &j, nil
}
