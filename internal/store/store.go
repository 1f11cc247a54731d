package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/core"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Planning run statuses persisted for queue processing.
const (
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// Store wraps the postgres connection for users, projects, brains and
// planning runs. It implements core.BrainRepository.
type Store struct {
	DB *sql.DB
}

// New opens and pings a postgres connection.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User is one account row.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUser inserts a user and returns its id.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, NOW())`,
		id, email, passwordHash)
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// GetUserByEmail returns the user with the given email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// Project is one project row. ReplanCron, when set, schedules recurring
// replanning for the project.
type Project struct {
	ID         string
	OwnerID    string
	Name       string
	ReplanCron string
	CreatedAt  time.Time
}

// CreateProject inserts a project and returns its id.
func (s *Store) CreateProject(ctx context.Context, ownerID, name, replanCron string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id, name, replan_cron, created_at) VALUES ($1, $2, $3, NULLIF($4, ''), NOW())`,
		id, ownerID, name, replanCron)
	if err != nil {
		return "", fmt.Errorf("insert project: %w", err)
	}
	return id, nil
}

// GetProject returns one project.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	var cron sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, owner_id, name, replan_cron, created_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name, &cron, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("query project: %w", err)
	}
	p.ReplanCron = cron.String
	return p, nil
}

// ListProjectsWithReplanCron returns projects with a recurring replanning
// schedule, for the worker's cron loop.
func (s *Store) ListProjectsWithReplanCron(ctx context.Context) ([]Project, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, owner_id, name, replan_cron, created_at FROM projects WHERE replan_cron IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		var cron sql.NullString
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &cron, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.ReplanCron = cron.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadBrain loads the persisted brain for a project. Returns found=false when
// the project has no brain yet.
func (s *Store) LoadBrain(ctx context.Context, projectID string) (*core.Brain, bool, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT data FROM project_brains WHERE project_id = $1`, projectID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query brain: %w", err)
	}
	var brain core.Brain
	if err := json.Unmarshal(data, &brain); err != nil {
		return nil, false, fmt.Errorf("decode brain: %w", err)
	}
	return &brain, true, nil
}

// SaveBrain upserts the brain for a project.
func (s *Store) SaveBrain(ctx context.Context, projectID string, b *core.Brain) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode brain: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO project_brains (project_id, data, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (project_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		projectID, data)
	if err != nil {
		return fmt.Errorf("upsert brain: %w", err)
	}
	return nil
}

// Run is one planning run row.
type Run struct {
	RequestID string
	ProjectID string
	Status    string
	Success   bool
	Error     string
	Response  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClaimRun inserts a processing row for the request id. Returns false when
// the id was already claimed; redelivered stream messages use this to stay
// idempotent.
func (s *Store) ClaimRun(ctx context.Context, requestID, projectID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO planning_runs (request_id, project_id, status, created_at, updated_at)
VALUES ($1, NULLIF($2, ''), $3, NOW(), NOW())
ON CONFLICT (request_id) DO NOTHING`,
		requestID, projectID, RunStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishRun records the run outcome and response document.
func (s *Store) FinishRun(ctx context.Context, requestID string, success bool, errMsg string, response []byte) error {
	status := RunStatusCompleted
	if !success {
		status = RunStatusFailed
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE planning_runs SET status = $2, success = $3, error = NULLIF($4, ''), response = $5, updated_at = NOW()
WHERE request_id = $1`,
		requestID, status, success, errMsg, response)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// LatestRunTime returns the creation time of the project's most recent
// planning run. Returns the zero time when the project never ran.
func (s *Store) LatestRunTime(ctx context.Context, projectID string) (time.Time, error) {
	var t time.Time
	err := s.DB.QueryRowContext(ctx,
		`SELECT created_at FROM planning_runs WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`,
		projectID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query latest run: %w", err)
	}
	return t, nil
}

// GetRun returns one planning run.
func (s *Store) GetRun(ctx context.Context, requestID string) (Run, error) {
	var r Run
	var projectID, errMsg sql.NullString
	var response []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT request_id, project_id, status, COALESCE(success, FALSE), error, response, created_at, updated_at
FROM planning_runs WHERE request_id = $1`, requestID).
		Scan(&r.RequestID, &projectID, &r.Status, &r.Success, &errMsg, &response, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run: %w", err)
	}
	r.ProjectID = projectID.String
	r.Error = errMsg.String
	r.Response = response
	return r, nil
}
