package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for the ingestion queue,
// messages, dedup fingerprints, users, and journal entries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mailroom.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for callers that need raw access
// (tests, status reporting).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
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

		// Check if already applied.
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

// --- Jobs ---

// EnqueueJob inserts a new pending job and returns it with its assigned ID.
func (s *Store) EnqueueJob(payload string) (Job, error) {
	now := time.Now().UTC()
	ts := now.Format(time.RFC3339)
	res, err := s.db.Exec(`
		INSERT INTO jobs (payload, status, process_attempts, created_at, updated_at)
		VALUES (?, 'pending', 0, ?, ?)`,
		payload, ts, ts,
	)
	if err != nil {
		return Job{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:        id,
		Payload:   payload,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ClaimNextJob atomically moves the oldest pending job to processing and
// returns it. Returns (nil, nil) when the queue has no pending job. The
// conditional update inside one transaction makes the claim safe even with
// multiple worker processes.
func (s *Store) ClaimNextJob() (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var errMsg, processedAt sql.NullString
	var createdAt, updatedAt string
	err = tx.QueryRow(`
		SELECT id, payload, status, process_attempts, error_message, created_at, updated_at, processed_at
		FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
	).Scan(&j.ID, &j.Payload, &j.Status, &j.Attempts, &errMsg, &createdAt, &updatedAt, &processedAt)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobProcessing
	j.ErrorMessage = errMsg.String
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %d: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %d: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob marks a processing job completed and stamps processed_at.
// A job that already reached a terminal status is left untouched.
func (s *Store) CompleteJob(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'completed', processed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		now, now, id,
	)
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

// FailJob records a failed processing attempt. Non-terminal failures put the
// job back to pending so a later tick retries it; once attempts reach
// MaxJobAttempts, or when terminal is true (the content is fundamentally
// unrecoverable), the job is failed for good.
func (s *Store) FailJob(id int64, reason string, terminal bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	var status string
	err = tx.QueryRow(`SELECT process_attempts, status FROM jobs WHERE id = ?`, id).Scan(&attempts, &status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == JobCompleted {
		// Completed never regresses.
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	attempts++

	next := JobPending
	if terminal || attempts >= MaxJobAttempts {
		next = JobFailed
	}
	if _, err := tx.Exec(`
		UPDATE jobs SET status = ?, process_attempts = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		next, attempts, reason, now, id,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// RequeueJob moves a failed job back to pending and clears its error, used
// by the admin retry endpoint. Attempts are reset so the retried job gets a
// fresh budget.
func (s *Store) RequeueJob(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', process_attempts = 0, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'`,
		now, id,
	)
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

// GetJob returns a job by id.
func (s *Store) GetJob(id int64) (Job, error) {
	row := s.db.QueryRow(`
		SELECT id, payload, status, process_attempts, error_message, created_at, updated_at, processed_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(status string, limit int) ([]Job, error) {
	query := `SELECT id, payload, status, process_attempts, error_message, created_at, updated_at, processed_at
		FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobs returns the number of jobs with the given status.
func (s *Store) CountJobs(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var errMsg, processedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.Payload, &j.Status, &j.Attempts, &errMsg, &createdAt, &updatedAt, &processedAt); err != nil {
		return Job{}, err
	}
	j.ErrorMessage = errMsg.String

	var err error
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %d: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %d: %w", j.ID, err)
	}
	if processedAt.Valid && processedAt.String != "" {
		if j.ProcessedAt, err = time.Parse(time.RFC3339, processedAt.String); err != nil {
			return Job{}, fmt.Errorf("parsing processed_at for job %d: %w", j.ID, err)
		}
	}
	return j, nil
}

// --- Messages ---

func (s *Store) SaveMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, message_id, in_reply_to, refs, direction, sender, recipient, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.MessageID, m.InReplyTo, m.References,
		m.Direction, m.Sender, m.Recipient, m.Subject, m.Body,
		m.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetMessageByMessageID resolves a stored message by its RFC 5322 Message-ID
// header value. Used for conversation threading.
func (s *Store) GetMessageByMessageID(messageID string) (Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, message_id, in_reply_to, refs, direction, sender, recipient, subject, body, created_at
		FROM messages WHERE message_id = ? ORDER BY created_at DESC LIMIT 1`, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns messages newest first.
func (s *Store) ListMessages(limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, message_id, in_reply_to, refs, direction, sender, recipient, subject, body, created_at
		FROM messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListConversation returns all messages of one thread, oldest first.
func (s *Store) ListConversation(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, message_id, in_reply_to, refs, direction, sender, recipient, subject, body, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var createdAt string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.MessageID, &m.InReplyTo, &m.References,
		&m.Direction, &m.Sender, &m.Recipient, &m.Subject, &m.Body, &createdAt); err != nil {
		return Message{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
	}
	m.CreatedAt = t
	return m, nil
}

// --- Dedup fingerprints ---

// SeenFingerprint reports whether fp was remembered and has not expired yet.
// Expired rows are purged lazily on each call.
func (s *Store) SeenFingerprint(fp string, now time.Time) (bool, error) {
	ts := now.UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`DELETE FROM dedup_fingerprints WHERE expires_at <= ?`, ts); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dedup_fingerprints WHERE fingerprint = ?`, fp).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RememberFingerprint stores fp until expiresAt. Remembering an already
// known fingerprint extends its expiry.
func (s *Store) RememberFingerprint(fp string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO dedup_fingerprints (fingerprint, expires_at) VALUES (?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET expires_at = excluded.expires_at`,
		fp, expiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

// --- Users ---

func (s *Store) SaveUser(u User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, strings.ToLower(u.Email), u.Name, u.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetUserByEmail looks a user up by address, case-insensitively.
func (s *Store) GetUserByEmail(email string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, email, name, created_at FROM users WHERE email = ?`,
		strings.ToLower(email),
	).Scan(&u.ID, &u.Email, &u.Name, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

// --- Journal entries ---

func (s *Store) SaveJournalEntry(e JournalEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO journal_entries (id, user_id, title, content, mood, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Title, e.Content, e.Mood, e.Tags,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListJournalEntries(userID string, limit int) ([]JournalEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, title, content, mood, tags, created_at
		FROM journal_entries WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Content, &e.Mood, &e.Tags, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Memories ---

func (s *Store) SaveMemory(m Memory) error {
	_, err := s.db.Exec(`
		INSERT INTO memories (id, user_id, content, kind, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Content, m.Kind, m.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}
