package storage

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
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed-width so that stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// Store wraps a SQLite database with methods for interactions, generation
// mappings, feedback and jobs.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ Backend  = (*Store)(nil)
	_ JobQueue = (*Store)(nil)
)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "integrator.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: avoids "database is locked" and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := newStore(db)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db, logger: slog.Default()}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Interactions ---

const interactionColumns = `id, user_id, module, intent, request_json, response_json, generation_id, created_at`

func jsonOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// StoreInteraction writes the interaction and its generation mapping in one transaction.
func (s *Store) StoreInteraction(ctx context.Context, i Interaction) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	createdAt := formatTime(i.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning interaction transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interactions (`+interactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.UserID, i.Module, i.Intent, jsonOrEmpty(i.Request), jsonOrEmpty(i.Response), i.GenerationID, createdAt,
	); err != nil {
		return fmt.Errorf("inserting interaction: %w", err)
	}

	if i.GenerationID != "" {
		var previous string
		err := tx.QueryRowContext(ctx, `SELECT interaction_id FROM generations WHERE generation_id = ?`, i.GenerationID).Scan(&previous)
		switch {
		case err == nil:
			s.logger.Warn("storage: generation id reused, remapping",
				"generation_id", i.GenerationID, "previous_interaction", previous, "interaction", i.ID)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("checking generation mapping: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO generations (generation_id, user_id, interaction_id, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(generation_id) DO UPDATE SET
				user_id = excluded.user_id,
				interaction_id = excluded.interaction_id,
				created_at = excluded.created_at`,
			i.GenerationID, i.UserID, i.ID, createdAt,
		); err != nil {
			return fmt.Errorf("indexing generation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing interaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(r rowScanner) (Interaction, error) {
	var i Interaction
	var req, resp, createdAt string
	if err := r.Scan(&i.ID, &i.UserID, &i.Module, &i.Intent, &req, &resp, &i.GenerationID, &createdAt); err != nil {
		return Interaction{}, err
	}
	i.Request = json.RawMessage(req)
	i.Response = json.RawMessage(resp)
	t, err := parseTime(createdAt)
	if err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	i.CreatedAt = t
	return i, nil
}

func (s *Store) queryInteractions(ctx context.Context, query string, args ...any) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Interaction{}
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, i)
	}
	return results, rows.Err()
}

func (s *Store) GetInteraction(ctx context.Context, id string) (Interaction, error) {
	i, err := scanInteraction(s.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, ErrNotFound
	}
	return i, err
}

// GetUserHistory returns up to limit interactions for userID, newest first.
func (s *Store) GetUserHistory(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	return s.queryInteractions(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, clampLimit(limit))
}

// ListInteractions returns the most recent interactions across all users.
func (s *Store) ListInteractions(ctx context.Context, limit int) ([]Interaction, error) {
	return s.queryInteractions(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
}

// GetContext returns the user's most recent interactions condensed for prompting.
func (s *Store) GetContext(ctx context.Context, userID string, limit int) ([]ContextEntry, error) {
	history, err := s.GetUserHistory(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return ContextFromHistory(history), nil
}

// ContextFromHistory condenses interactions into context entries, preserving order.
func ContextFromHistory(history []Interaction) []ContextEntry {
	entries := make([]ContextEntry, 0, len(history))
	for _, i := range history {
		entries = append(entries, ContextEntry{
			Module:    i.Module,
			Intent:    i.Intent,
			Request:   i.Request,
			Response:  i.Response,
			Timestamp: i.CreatedAt,
		})
	}
	return entries
}

// clampLimit bounds a caller-supplied limit to [1, 1000], defaulting to 10.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 10
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// --- Generations ---

// GetGeneration resolves a generation id to its mapping and the full interaction.
func (s *Store) GetGeneration(ctx context.Context, generationID string) (GenerationMapping, error) {
	var m GenerationMapping
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT generation_id, user_id, interaction_id, created_at
		FROM generations WHERE generation_id = ?`, generationID,
	).Scan(&m.GenerationID, &m.UserID, &m.InteractionID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GenerationMapping{}, ErrNotFound
	}
	if err != nil {
		return GenerationMapping{}, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return GenerationMapping{}, fmt.Errorf("parsing created_at: %w", err)
	}

	m.Interaction, err = s.GetInteraction(ctx, m.InteractionID)
	if err != nil {
		return GenerationMapping{}, fmt.Errorf("loading interaction %s: %w", m.InteractionID, err)
	}
	return m, nil
}

// --- Feedback ---

// RecordFeedback upserts the feedback row for (generation, user).
func (s *Store) RecordFeedback(ctx context.Context, f Feedback) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (generation_id, user_id, command, forwarded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation_id, user_id) DO UPDATE SET
			command = excluded.command,
			forwarded = excluded.forwarded,
			updated_at = excluded.updated_at`,
		f.GenerationID, f.UserID, f.Command, f.Forwarded, formatTime(f.CreatedAt), formatTime(now),
	)
	return err
}

func (s *Store) GetFeedback(ctx context.Context, generationID, userID string) (Feedback, error) {
	var f Feedback
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT generation_id, user_id, command, forwarded, created_at, updated_at
		FROM feedback WHERE generation_id = ? AND user_id = ?`, generationID, userID,
	).Scan(&f.GenerationID, &f.UserID, &f.Command, &f.Forwarded, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Feedback{}, ErrNotFound
	}
	if err != nil {
		return Feedback{}, err
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return Feedback{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Feedback{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return f, nil
}

// --- Stats ---

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM interactions),
			(SELECT COUNT(DISTINCT user_id) FROM interactions),
			(SELECT COUNT(*) FROM generations),
			(SELECT COUNT(*) FROM feedback)`,
	).Scan(&st.TotalInteractions, &st.UniqueUsers, &st.Generations, &st.Feedback)
	if err != nil {
		return Stats{}, fmt.Errorf("collecting stats: %w", err)
	}
	return st, nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now),
	)
	return err
}

// ClaimNextJob marks the oldest runnable job of the given types as running.
// It returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until it reaches max_attempts, then marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		runAfter := now.Add(JobBackoff(attempts))
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}
