package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/swimr-hq/swimr/internal/common"
)

// SQLiteStore is the default single-node row store.
type SQLiteStore struct {
	db       *sql.DB
	notifier *Notifier
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string, notifier *Notifier) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, notifier: notifier}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS candidates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		score REAL NOT NULL,
		recommendation TEXT NOT NULL,
		cv_text TEXT NOT NULL,
		analysis_json TEXT,
		role_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_candidates_name ON candidates(name);

	CREATE TABLE IF NOT EXISTS analysis_jobs (
		id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		role_id TEXT,
		cv_hash TEXT NOT NULL,
		context_hash TEXT NOT NULL,
		job_context TEXT,
		status TEXT NOT NULL,
		result_json TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_key
		ON analysis_jobs(candidate_id, role_id, cv_hash, context_hash, created_at);

	CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_snapshot (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertCandidate(ctx context.Context, c *Candidate) error {
	if err := prepCandidate(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (id, name, score, recommendation, cv_text, analysis_json, role_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Score, c.Recommendation, c.CVText, nullBytes(c.Analysis), c.RoleID,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertCandidateByName(ctx context.Context, c *Candidate) error {
	if err := prepCandidate(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (id, name, score, recommendation, cv_text, analysis_json, role_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			score = excluded.score,
			recommendation = excluded.recommendation,
			cv_text = excluded.cv_text,
			analysis_json = excluded.analysis_json,
			role_id = excluded.role_id,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Score, c.Recommendation, c.CVText, nullBytes(c.Analysis), c.RoleID,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}
	// The upsert may have updated an existing row; surface its id to the caller.
	row := s.db.QueryRowContext(ctx, `SELECT id FROM candidates WHERE name = ?`, c.Name)
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("resolve upserted candidate id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, score, recommendation, cv_text, analysis_json, role_id, created_at, updated_at
		 FROM candidates WHERE id = ?`, id)
	return scanCandidate(row)
}

func (s *SQLiteStore) ListCandidates(ctx context.Context) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, score, recommendation, cv_text, analysis_json, role_id, created_at, updated_at
		 FROM candidates ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertAnalysisJob(ctx context.Context, j *AnalysisJob) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.CandidateID, j.RoleID, j.CVHash, j.ContextHash, j.JobContext,
		string(j.Status), nullBytes(j.Result), j.Error, fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert analysis job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindAnalysisJob(ctx context.Context, key JobKey) (*AnalysisJob, error) {
	query := `SELECT id, candidate_id, role_id, cv_hash, context_hash, job_context, status, result_json, error_message, created_at, updated_at
		 FROM analysis_jobs
		 WHERE candidate_id = ? AND cv_hash = ? AND context_hash = ?
		   AND status IN (?, ?) AND ` + roleClause(key.RoleID) + `
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`
	args := []any{key.CandidateID, key.CVHash, key.ContextHash, string(JobProcessing), string(JobCompleted)}
	if key.RoleID != nil {
		args = append(args, *key.RoleID)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanAnalysisJob(row)
}

func (s *SQLiteStore) GetAnalysisJob(ctx context.Context, id string) (*AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, candidate_id, role_id, cv_hash, context_hash, job_context, status, result_json, error_message, created_at, updated_at
		 FROM analysis_jobs WHERE id = ?`, id)
	return scanAnalysisJob(row)
}

func (s *SQLiteStore) UpdateAnalysisJobStatus(ctx context.Context, id string, status JobStatus, result []byte, errMsg *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = ?, result_json = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullBytes(result), errMsg, fmtTime(time.Now().UTC()), id,
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

func (s *SQLiteStore) DeleteAnalysisJobs(ctx context.Context, key JobKey) error {
	query := `DELETE FROM analysis_jobs
		 WHERE candidate_id = ? AND cv_hash = ? AND context_hash = ? AND ` + roleClause(key.RoleID)
	args := []any{key.CandidateID, key.CVHash, key.ContextHash}
	if key.RoleID != nil {
		args = append(args, *key.RoleID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete analysis jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertRole(ctx context.Context, r *Role) error {
	if r == nil || r.ID == "" {
		return errors.New("role id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, fmtTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Role
	for rows.Next() {
		var r Role
		var created string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &created); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRole(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, created_at FROM roles WHERE id = ?`, id)
	var r Role
	var created string
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func (s *SQLiteStore) SetRunSnapshot(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_snapshot (slot, payload, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), fmtTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("save run snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRunSnapshot(ctx context.Context) ([]byte, error) {
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

func (s *SQLiteStore) DeleteRunSnapshot(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_snapshot WHERE slot = 1`); err != nil {
		return fmt.Errorf("clear run snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// roleClause matches either a concrete role id or the role-less tuple.
func roleClause(roleID *string) string {
	if roleID == nil {
		return "role_id IS NULL"
	}
	return "role_id = ?"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (*Candidate, error) {
	var c Candidate
	var analysis sql.NullString
	var created, updated string
	err := row.Scan(&c.ID, &c.Name, &c.Score, &c.Recommendation, &c.CVText, &analysis, &c.RoleID, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan candidate: %w", err)
	}
	if analysis.Valid {
		c.Analysis = []byte(analysis.String)
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func scanAnalysisJob(row rowScanner) (*AnalysisJob, error) {
	var j AnalysisJob
	var status string
	var result sql.NullString
	var created, updated string
	err := row.Scan(&j.ID, &j.CandidateID, &j.RoleID, &j.CVHash, &j.ContextHash, &j.JobContext,
		&status, &result, &j.Error, &created, &updated)
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
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return &j, nil
}

func prepCandidate(c *Candidate) error {
	if c == nil || c.ID == "" {
		return errors.New("candidate id is required")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return nil
}

func nullBytes(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

// sqliteTimeFormat keeps fractional seconds fixed-width so the TEXT column
// sorts chronologically; RFC3339Nano trims trailing zeros, which breaks
// lexicographic ordering across sub-second timestamps.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
