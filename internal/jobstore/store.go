package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/haven-labs/haven-audio/internal/config"
	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the durable record of one assembly run. The row is the single
// source of truth for client-visible state.
type Job struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	SessionID            string     `json:"session_id,omitempty"`
	Status               Status     `json:"status"`
	Progress             int        `json:"progress_percentage"`
	Instructions         []byte     `json:"-"`
	InstructionsHash     string     `json:"-"`
	ResultAudioPath      string     `json:"result_audio_path,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	TotalDurationSeconds float64    `json:"total_duration_seconds,omitempty"`
	TotalFileSizeBytes   int64      `json:"total_file_size_bytes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// Fragment is one content-addressed synthesis cache entry.
type Fragment struct {
	VoiceID   string
	TextHash  string
	AudioPath string
	CreatedAt time.Time
}

var (
	// ErrNotFound is returned when a job, fragment or voice row does not exist.
	ErrNotFound = errors.New("jobstore: not found")
	// ErrJobFinalized is returned when a mutation targets a completed or failed job.
	ErrJobFinalized = errors.New("jobstore: job already in a terminal state")
)

// Store wraps the SQLite-backed job and fragment-cache tables.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	// busy_timeout makes concurrent job writers wait out write contention
	// instead of surfacing SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS assembly_jobs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT,
    status TEXT NOT NULL,
    progress_percentage INTEGER NOT NULL DEFAULT 0,
    assembly_instructions BLOB NOT NULL,
    instructions_hash TEXT NOT NULL,
    result_audio_path TEXT,
    error_message TEXT,
    total_duration_seconds REAL,
    total_file_size_bytes INTEGER,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON assembly_jobs(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user_hash ON assembly_jobs(user_id, instructions_hash, status);
CREATE TABLE IF NOT EXISTS audio_fragments (
    voice_id TEXT NOT NULL,
    text_hash TEXT NOT NULL,
    audio_path TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (voice_id, text_hash)
);
CREATE TABLE IF NOT EXISTS user_voices (
    user_id TEXT PRIMARY KEY,
    voice_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}

// CreateJob inserts a new pending job row.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("jobstore: job id required")
	}
	if job.UserID == "" {
		return errors.New("jobstore: user id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assembly_jobs(id, user_id, session_id, status, progress_percentage,
		 assembly_instructions, instructions_hash, created_at)
		 VALUES(?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.UserID, job.SessionID, string(StatusPending),
		job.Instructions, job.InstructionsHash, s.now())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, user_id, session_id, status, progress_percentage,
 assembly_instructions, instructions_hash, result_audio_path, error_message,
 total_duration_seconds, total_file_size_bytes, created_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		j             Job
		sessionID     sql.NullString
		resultPath    sql.NullString
		errorMessage  sql.NullString
		totalDuration sql.NullFloat64
		totalSize     sql.NullInt64
		created       string
		completed     sql.NullString
		status        string
	)
	if err := row.Scan(&j.ID, &j.UserID, &sessionID, &status, &j.Progress,
		&j.Instructions, &j.InstructionsHash, &resultPath, &errorMessage,
		&totalDuration, &totalSize, &created, &completed); err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	j.SessionID = sessionID.String
	j.ResultAudioPath = resultPath.String
	j.ErrorMessage = errorMessage.String
	j.TotalDurationSeconds = totalDuration.Float64
	j.TotalFileSizeBytes = totalSize.Int64
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		j.CreatedAt = ts
	}
	if completed.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			j.CompletedAt = &ts
		}
	}
	return j, nil
}

// GetJob retrieves one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM assembly_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns up to limit jobs for a user, newest first.
func (s *Store) ListJobs(ctx context.Context, userID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM assembly_jobs
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FindActiveJob returns a pending or processing job for the same user and
// instructions hash, if one exists. Used to make retries idempotent.
func (s *Store) FindActiveJob(ctx context.Context, userID, instructionsHash string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM assembly_jobs
		 WHERE user_id = ? AND instructions_hash = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		userID, instructionsHash, string(StatusPending), string(StatusProcessing))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("find active job: %w", err)
	}
	return job, nil
}

// UpdateProgress moves a job to the given status and progress checkpoint.
// Progress never decreases and terminal rows are never touched.
func (s *Store) UpdateProgress(ctx context.Context, id string, status Status, progress int) error {
	if status.Terminal() {
		return errors.New("jobstore: use MarkCompleted or MarkFailed for terminal states")
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE assembly_jobs
		 SET status = ?, progress_percentage = max(progress_percentage, ?)
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), progress, id, string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// MarkCompleted finalizes a job with its result location and size metadata.
func (s *Store) MarkCompleted(ctx context.Context, id, resultPath string, totalDuration float64, totalSize int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assembly_jobs
		 SET status = ?, progress_percentage = 100, result_audio_path = ?,
		     total_duration_seconds = ?, total_file_size_bytes = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusCompleted), resultPath, totalDuration, totalSize, s.now(),
		id, string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// MarkFailed finalizes a job with an error message. No result path is recorded.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assembly_jobs
		 SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusFailed), message, s.now(),
		id, string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

func (s *Store) checkMutated(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var status string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM assembly_jobs WHERE id = ?`, id)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrJobFinalized
}

// LookupFragment returns the cache entry for (voice, text hash), if present.
func (s *Store) LookupFragment(ctx context.Context, voiceID, textHash string) (Fragment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT voice_id, text_hash, audio_path, created_at
		 FROM audio_fragments WHERE voice_id = ? AND text_hash = ?`, voiceID, textHash)
	var f Fragment
	var created string
	if err := row.Scan(&f.VoiceID, &f.TextHash, &f.AudioPath, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Fragment{}, ErrNotFound
		}
		return Fragment{}, fmt.Errorf("lookup fragment: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		f.CreatedAt = ts
	}
	return f, nil
}

// StoreFragment records a cache entry. Concurrent writers for the same key are
// tolerated; the first insert wins and the row is immutable afterwards.
func (s *Store) StoreFragment(ctx context.Context, f Fragment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_fragments(voice_id, text_hash, audio_path, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(voice_id, text_hash) DO NOTHING`,
		f.VoiceID, f.TextHash, f.AudioPath, s.now())
	if err != nil {
		return fmt.Errorf("store fragment: %w", err)
	}
	return nil
}

// UserVoice returns the cloned voice registered for a user, or "" when none exists.
func (s *Store) UserVoice(ctx context.Context, userID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT voice_id FROM user_voices WHERE user_id = ?`, userID)
	var voiceID string
	if err := row.Scan(&voiceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("user voice: %w", err)
	}
	return voiceID, nil
}

// SetUserVoice registers or replaces the cloned voice for a user.
func (s *Store) SetUserVoice(ctx context.Context, userID, voiceID string) error {
	if userID == "" || voiceID == "" {
		return errors.New("jobstore: user id and voice id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_voices(user_id, voice_id, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET voice_id = excluded.voice_id`,
		userID, voiceID, s.now())
	if err != nil {
		return fmt.Errorf("set user voice: %w", err)
	}
	return nil
}
