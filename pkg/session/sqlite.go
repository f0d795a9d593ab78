package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/pkg/conversation"
)

const sqliteBackend = "sqlite"

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Path   string
	Logger zerolog.Logger
}

// SQLiteStore keeps sessions in a single SQLite database in WAL mode. When
// the driver is built with FTS5, message content is indexed for Search;
// otherwise Search falls back to scanning the session's messages.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	fts    bool
}

var (
	_ Store    = (*SQLiteStore)(nil)
	_ Searcher = (*SQLiteStore)(nil)
	_ Lister   = (*SQLiteStore)(nil)
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_call TEXT,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS memory_kv (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (session_id, key),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
`

const sqliteFTSSchema = `
	CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		session_id UNINDEXED,
		seq UNINDEXED,
		content,
		tokenize='porter unicode61'
	);
`

// NewSQLiteStore opens (or creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, storageErr("open", "", errors.New("database path is required"))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, storageErr("open", "", fmt.Errorf("failed to create database directory: %w", err))
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, storageErr("open", "", fmt.Errorf("failed to open database: %w", err))
	}
	// One connection keeps the PRAGMAs below in effect and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, storageErr("open", "", fmt.Errorf("failed to apply %q: %w", pragma, err))
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, storageErr("open", "", fmt.Errorf("failed to initialize schema: %w", err))
	}

	s := &SQLiteStore{
		db:     db,
		logger: cfg.Logger.With().Str("component", "session_store").Str("backend", sqliteBackend).Logger(),
	}

	if _, err := db.Exec(sqliteFTSSchema); err != nil {
		s.logger.Warn().Err(err).Msg("FTS5 not available, falling back to scan search")
	} else {
		s.fts = true
	}

	s.logger.Debug().Str("path", cfg.Path).Bool("fts", s.fts).Msg("SQLite session store initialized")
	return s, nil
}

// Load reads the session's messages and memory.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	ctx, op := beginOp(ctx, s.logger, sqliteBackend, "load", id)
	sess, err := s.load(ctx, id)
	return sess, op.end(err)
}

func (s *SQLiteStore) load(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, storageErr("load", id, err)
	}

	sess := New(id)

	var updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM sessions WHERE id = ?`, id).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, nil
	}
	if err != nil {
		return nil, storageErr("load", id, err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, storageErr("load", id, err)
	}

	messages, err := s.messages(ctx, id)
	if err != nil {
		return nil, storageErr("load", id, err)
	}
	sess.Transcript = messages

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM memory_kv WHERE session_id = ?`, id)
	if err != nil {
		return nil, storageErr("load", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, storageErr("load", id, err)
		}
		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, storageErr("load", id, fmt.Errorf("failed to decode memory key %q: %w", key, err))
		}
		sess.Memory[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load", id, err)
	}

	return sess, nil
}

func (s *SQLiteStore) messages(ctx context.Context, id string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_call, tool_name, tool_call_id, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []conversation.Message{}
	for rows.Next() {
		var (
			msg       conversation.Message
			toolCall  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCall, &msg.ToolName, &msg.ToolCallID, &createdAt); err != nil {
			return nil, err
		}
		if toolCall.Valid && toolCall.String != "" {
			msg.ToolCall = &conversation.ToolCall{}
			if err := json.Unmarshal([]byte(toolCall.String), msg.ToolCall); err != nil {
				return nil, fmt.Errorf("failed to decode tool call: %w", err)
			}
		}
		if msg.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Save replaces the session's rows in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return storageErr("save", "", errors.New("nil session"))
	}
	ctx, op := beginOp(ctx, s.logger, sqliteBackend, "save", sess.ID)
	return op.end(s.save(ctx, sess))
}

func (s *SQLiteStore) save(ctx context.Context, sess *Session) (err error) {
	if err := ValidateID(sess.ID); err != nil {
		return storageErr("save", sess.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("save", sess.ID, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	updatedAt := time.Now().UTC()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, updated_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sess.ID, formatTime(updatedAt)); err != nil {
		return storageErr("save", sess.ID, err)
	}

	for _, stmt := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM memory_kv WHERE session_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, stmt, sess.ID); err != nil {
			return storageErr("save", sess.ID, err)
		}
	}
	if s.fts {
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE session_id = ?`, sess.ID); err != nil {
			return storageErr("save", sess.ID, err)
		}
	}

	for seq, msg := range sess.Transcript {
		var toolCall sql.NullString
		if msg.ToolCall != nil {
			data, mErr := json.Marshal(msg.ToolCall)
			if mErr != nil {
				err = mErr
				return storageErr("save", sess.ID, fmt.Errorf("failed to encode tool call: %w", err))
			}
			toolCall = sql.NullString{String: string(data), Valid: true}
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq, role, content, tool_call, tool_name, tool_call_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, seq, string(msg.Role), msg.Content, toolCall, msg.ToolName, msg.ToolCallID, formatTime(msg.Timestamp)); err != nil {
			return storageErr("save", sess.ID, err)
		}
		if s.fts && searchable(msg) {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO messages_fts (session_id, seq, content) VALUES (?, ?, ?)`,
				sess.ID, seq, msg.Content); err != nil {
				return storageErr("save", sess.ID, err)
			}
		}
	}

	for key, value := range sess.Memory {
		data, mErr := json.Marshal(value)
		if mErr != nil {
			err = mErr
			return storageErr("save", sess.ID, fmt.Errorf("failed to encode memory key %q: %w", key, err))
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO memory_kv (session_id, key, value) VALUES (?, ?, ?)`,
			sess.ID, key, string(data)); err != nil {
			return storageErr("save", sess.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return storageErr("save", sess.ID, err)
	}
	sess.UpdatedAt = updatedAt
	return nil
}

// Search uses the FTS5 index ranked by bm25 when available.
func (s *SQLiteStore) Search(ctx context.Context, id, query string, limit int) ([]SearchHit, error) {
	ctx, op := beginOp(ctx, s.logger, sqliteBackend, "search", id)
	hits, err := s.search(ctx, id, query, limit)
	return hits, op.end(err)
}

func (s *SQLiteStore) search(ctx context.Context, id, query string, limit int) ([]SearchHit, error) {
	if err := ValidateID(id); err != nil {
		return nil, storageErr("search", id, err)
	}
	terms := queryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return []SearchHit{}, nil
	}

	if !s.fts {
		messages, err := s.messages(ctx, id)
		if err != nil {
			return nil, storageErr("search", id, err)
		}
		return rankMessages(messages, terms, limit), nil
	}

	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + term + `"`
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.seq, m.role, m.content, m.created_at
		FROM messages_fts f
		JOIN messages m ON m.session_id = f.session_id AND m.seq = f.seq
		WHERE messages_fts MATCH ? AND f.session_id = ?
		ORDER BY bm25(messages_fts), m.seq DESC
		LIMIT ?`,
		strings.Join(quoted, " OR "), id, limit)
	if err != nil {
		return nil, storageErr("search", id, err)
	}
	defer rows.Close()

	hits := []SearchHit{}
	for rows.Next() {
		var (
			hit       SearchHit
			createdAt string
		)
		if err := rows.Scan(&hit.Seq, &hit.Role, &hit.Content, &createdAt); err != nil {
			return nil, storageErr("search", id, err)
		}
		if hit.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, storageErr("search", id, err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search", id, err)
	}
	return hits, nil
}

// List returns every stored session, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	ctx, op := beginOp(ctx, s.logger, sqliteBackend, "list", "")
	infos, err := s.list(ctx)
	return infos, op.end(err)
}

func (s *SQLiteStore) list(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.updated_at, COUNT(m.seq)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id, s.updated_at
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, storageErr("list", "", err)
	}
	defer rows.Close()

	infos := []Info{}
	for rows.Next() {
		var (
			info      Info
			updatedAt string
		)
		if err := rows.Scan(&info.ID, &updatedAt, &info.Messages); err != nil {
			return nil, storageErr("list", "", err)
		}
		if info.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, storageErr("list", info.ID, err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", "", err)
	}
	return infos, nil
}

// Delete removes the session and, through cascading keys, its messages and memory.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	ctx, op := beginOp(ctx, s.logger, sqliteBackend, "delete", id)
	return op.end(s.delete(ctx, id))
}

func (s *SQLiteStore) delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return storageErr("delete", id, err)
	}
	if s.fts {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages_fts WHERE session_id = ?`, id); err != nil {
			return storageErr("delete", id, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return storageErr("delete", id, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr("close", "", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
