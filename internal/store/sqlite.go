package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Store is the SQLite-backed session store.
type Store struct {
	db    *sql.DB
	local string // local computer name
}

// Open creates the store and runs migrations.
func Open(dsn, localComputer string) (*Store, error) {
	// Shared cache so pooled connections to an in-memory database see the
	// same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, local: localComputer}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			computer TEXT NOT NULL,
			project_path TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL DEFAULT 'claude',
			thinking_mode TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'starting',
			role TEXT NOT NULL DEFAULT 'human',
			initiator_session_id TEXT NOT NULL DEFAULT '',
			human_identity TEXT NOT NULL DEFAULT '',
			last_summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			terminated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_computer ON sessions(computer)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS session_adapters (
			session_id TEXT NOT NULL REFERENCES sessions(session_id),
			adapter TEXT NOT NULL,
			origin INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (session_id, adapter)
		)`,
		`CREATE TABLE IF NOT EXISTS people (
			name TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			telegram_user_id INTEGER NOT NULL DEFAULT 0,
			home TEXT NOT NULL,
			profile TEXT NOT NULL DEFAULT 'default'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_people_telegram ON people(telegram_user_id)`,
		`CREATE TABLE IF NOT EXISTS correlations (
			correlation_id TEXT PRIMARY KEY,
			seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT PRIMARY KEY,
			sequence INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS stream_positions (
			name TEXT PRIMARY KEY,
			position TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// SQLite has no ADD COLUMN IF NOT EXISTS; duplicate-column errors are
	// swallowed so re-running is idempotent.
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"sessions", "last_summary", "TEXT NOT NULL DEFAULT ''"},
		{"people", "profile", "TEXT NOT NULL DEFAULT 'default'"},
		{"correlations", "reply", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfNotExists(cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `session_id, computer, project_path, agent, thinking_mode, title,
	status, role, initiator_session_id, human_identity, last_summary,
	created_at, last_activity_at, terminated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var terminated sql.NullTime
	err := row.Scan(&sess.SessionID, &sess.Computer, &sess.ProjectPath, &sess.Agent,
		&sess.ThinkingMode, &sess.Title, &sess.Status, &sess.Role, &sess.InitiatorID,
		&sess.HumanIdentity, &sess.LastSummary, &sess.CreatedAt, &sess.LastActivity, &terminated)
	if err != nil {
		return nil, err
	}
	if terminated.Valid {
		sess.TerminatedAt = &terminated.Time
	}
	return &sess, nil
}

// Create inserts a new session record.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, computer, project_path, agent, thinking_mode, title,
			status, role, initiator_session_id, human_identity, last_summary, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.Computer, sess.ProjectPath, sess.Agent, sess.ThinkingMode,
		sess.Title, sess.Status, sess.Role, sess.InitiatorID, sess.HumanIdentity,
		sess.LastSummary, sess.CreatedAt, sess.LastActivity)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return protocol.NewError(protocol.ErrConflict, "session %s already exists", sess.SessionID)
	}
	return err
}

// Get returns a session by ID.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, protocol.NewError(protocol.ErrNotFound, "session not found: %s", sessionID)
	}
	return sess, err
}

// ListLocal returns sessions owned by this node.
func (s *Store) ListLocal(ctx context.Context, f Filter) ([]Session, error) {
	f.Computer = s.local
	return s.ListAll(ctx, f)
}

// ListAll returns local plus remote-observed sessions matching the filter.
func (s *Store) ListAll(ctx context.Context, f Filter) ([]Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE 1=1"
	var args []any
	if f.Computer != "" {
		query += " AND computer = ?"
		args = append(args, f.Computer)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Role != "" {
		query += " AND role = ?"
		args = append(args, f.Role)
	}
	query += " ORDER BY last_activity_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateStatus applies a lifecycle transition, enforcing monotonicity.
// Terminated sessions never leave that state.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status protocol.SessionStatus) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !transitionAllowed(sess.Status, status) {
		return protocol.NewError(protocol.ErrConflict,
			"invalid transition %s → %s for session %s", sess.Status, status, sessionID)
	}
	if status == protocol.StatusTerminated {
		_, err = s.db.ExecContext(ctx,
			"UPDATE sessions SET status = ?, terminated_at = ? WHERE session_id = ?",
			status, time.Now(), sessionID)
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ? WHERE session_id = ?", status, sessionID)
	return err
}

// UpdateActivity bumps last_activity_at.
func (s *Store) UpdateActivity(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity_at = ? WHERE session_id = ? AND status != ?",
		at, sessionID, protocol.StatusTerminated)
	return err
}

// AppendOutputSummary retains only the latest summary line for a session.
func (s *Store) AppendOutputSummary(ctx context.Context, sessionID, text string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_summary = ?, last_activity_at = ? WHERE session_id = ? AND status != ?",
		text, at, sessionID, protocol.StatusTerminated)
	return err
}

// --- Adapter metadata ---

// UpdateMetadata stores an adapter's opaque per-session blob.
func (s *Store) UpdateMetadata(ctx context.Context, m AdapterMetadata) error {
	data := m.Data
	if data == nil {
		data = json.RawMessage("{}")
	}
	origin := 0
	if m.Origin {
		origin = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_adapters (session_id, adapter, origin, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, adapter) DO UPDATE SET origin=excluded.origin, data=excluded.data`,
		m.SessionID, m.Adapter, origin, string(data))
	return err
}

// GetMetadata returns one adapter's blob for a session.
func (s *Store) GetMetadata(ctx context.Context, sessionID, adapter string) (*AdapterMetadata, error) {
	var m AdapterMetadata
	var origin int
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id, adapter, origin, data FROM session_adapters WHERE session_id = ? AND adapter = ?",
		sessionID, adapter,
	).Scan(&m.SessionID, &m.Adapter, &origin, &data)
	if err == sql.ErrNoRows {
		return nil, protocol.NewError(protocol.ErrNotFound, "no %s metadata for session %s", adapter, sessionID)
	}
	if err != nil {
		return nil, err
	}
	m.Origin = origin != 0
	m.Data = json.RawMessage(data)
	return &m, nil
}

// ListMetadata returns all adapter blobs for a session.
func (s *Store) ListMetadata(ctx context.Context, sessionID string) ([]AdapterMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id, adapter, origin, data FROM session_adapters WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AdapterMetadata
	for rows.Next() {
		var m AdapterMetadata
		var origin int
		var data string
		if err := rows.Scan(&m.SessionID, &m.Adapter, &origin, &data); err != nil {
			return nil, err
		}
		m.Origin = origin != 0
		m.Data = json.RawMessage(data)
		out = append(out, m)
	}
	return out, rows.Err()
}

// OriginAdapter returns the name of the session's origin adapter.
func (s *Store) OriginAdapter(ctx context.Context, sessionID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT adapter FROM session_adapters WHERE session_id = ? AND origin = 1", sessionID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", protocol.NewError(protocol.ErrNotFound, "no origin adapter for session %s", sessionID)
	}
	return name, err
}

// --- People ---

// UpsertPerson creates or updates a registered person.
func (s *Store) UpsertPerson(ctx context.Context, p Person) error {
	if p.Profile == "" {
		p.Profile = "default"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO people (name, email, telegram_user_id, home, profile) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET email=excluded.email, telegram_user_id=excluded.telegram_user_id,
		   home=excluded.home, profile=excluded.profile`,
		p.Name, p.Email, p.TelegramUserID, p.Home, p.Profile)
	return err
}

// PersonByTelegramID resolves a Telegram user ID to a person, if registered.
func (s *Store) PersonByTelegramID(ctx context.Context, userID int64) (*Person, error) {
	var p Person
	err := s.db.QueryRowContext(ctx,
		"SELECT name, email, telegram_user_id, home, profile FROM people WHERE telegram_user_id = ?",
		userID,
	).Scan(&p.Name, &p.Email, &p.TelegramUserID, &p.Home, &p.Profile)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

// PersonByName returns a person by name.
func (s *Store) PersonByName(ctx context.Context, name string) (*Person, error) {
	var p Person
	err := s.db.QueryRowContext(ctx,
		"SELECT name, email, telegram_user_id, home, profile FROM people WHERE name = ?", name,
	).Scan(&p.Name, &p.Email, &p.TelegramUserID, &p.Home, &p.Profile)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

// --- Command deduplication ---

// SeenCorrelation records a correlation ID, returning true when it was
// already present. Handlers call this before applying state changes so that
// an inbox replay is a no-op.
func (s *Store) SeenCorrelation(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO correlations (correlation_id, seen_at) VALUES (?, ?)",
		id, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// MarkCorrelationReply caches the reply sent for a correlation ID so a
// redelivered command can be answered again without re-executing.
func (s *Store) MarkCorrelationReply(ctx context.Context, id, reply string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE correlations SET reply = ? WHERE correlation_id = ?", reply, id)
	return err
}

// CorrelationReply returns the cached reply for a correlation ID, empty
// when none was recorded.
func (s *Store) CorrelationReply(ctx context.Context, id string) (string, error) {
	var reply string
	err := s.db.QueryRowContext(ctx,
		"SELECT reply FROM correlations WHERE correlation_id = ?", id).Scan(&reply)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return reply, err
}

// PruneCorrelations drops dedup memory older than the inbox horizon.
func (s *Store) PruneCorrelations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM correlations WHERE seen_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Checkpoints ---

// Checkpoint returns the consumer's last acknowledged sequence for a session
// output stream, zero when none is recorded.
func (s *Store) Checkpoint(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT sequence FROM checkpoints WHERE session_id = ?", sessionID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// AdvanceCheckpoint records the consumer's position after processing.
func (s *Store) AdvanceCheckpoint(ctx context.Context, sessionID string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, sequence, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET sequence=excluded.sequence, updated_at=excluded.updated_at
		 WHERE excluded.sequence > checkpoints.sequence`,
		sessionID, seq, time.Now())
	return err
}

// --- Stream positions ---

// StreamPosition returns a pump's last acknowledged stream entry ID, empty
// when none is recorded.
func (s *Store) StreamPosition(ctx context.Context, name string) (string, error) {
	var pos string
	err := s.db.QueryRowContext(ctx,
		"SELECT position FROM stream_positions WHERE name = ?", name).Scan(&pos)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return pos, err
}

// SetStreamPosition records a pump's acknowledged position.
func (s *Store) SetStreamPosition(ctx context.Context, name, position string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_positions (name, position, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET position=excluded.position, updated_at=excluded.updated_at`,
		name, position, time.Now())
	return err
}
