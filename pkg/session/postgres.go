package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/pkg/conversation"
)

const postgresBackend = "postgres"

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	DSN    string
	Logger zerolog.Logger
}

// PostgresStore keeps sessions in Postgres: memory as JSONB on the session
// row and one row per transcript message.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var (
	_ Store    = (*PostgresStore)(nil)
	_ Searcher = (*PostgresStore)(nil)
	_ Lister   = (*PostgresStore)(nil)
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS concierge_sessions (
		id TEXT PRIMARY KEY,
		memory JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS concierge_messages (
		session_id TEXT NOT NULL REFERENCES concierge_sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_call JSONB,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
`

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	observability.EnsureRegistered()

	if cfg.DSN == "" {
		return nil, storageErr("open", "", errors.New("postgres dsn is required"))
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, storageErr("open", "", fmt.Errorf("invalid dsn: %w", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storageErr("open", "", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageErr("open", "", fmt.Errorf("ping: %w", err))
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, storageErr("open", "", fmt.Errorf("failed to initialize schema: %w", err))
	}

	s := &PostgresStore{
		pool:   pool,
		logger: cfg.Logger.With().Str("component", "session_store").Str("backend", postgresBackend).Logger(),
	}
	s.logger.Debug().Msg("Postgres session store initialized")
	return s, nil
}

// Load reads the session row and its messages.
func (s *PostgresStore) Load(ctx context.Context, id string) (*Session, error) {
	ctx, op := beginOp(ctx, s.logger, postgresBackend, "load", id)
	sess, err := s.load(ctx, id)
	return sess, op.end(err)
}

func (s *PostgresStore) load(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, storageErr("load", id, err)
	}

	sess := New(id)

	var memory []byte
	err := s.pool.QueryRow(ctx,
		`SELECT memory, updated_at FROM concierge_sessions WHERE id = $1`, id).
		Scan(&memory, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return sess, nil
	}
	if err != nil {
		return nil, storageErr("load", id, err)
	}
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	if len(memory) > 0 {
		if err := json.Unmarshal(memory, &sess.Memory); err != nil {
			return nil, storageErr("load", id, fmt.Errorf("failed to decode memory: %w", err))
		}
		if sess.Memory == nil {
			sess.Memory = map[string]interface{}{}
		}
	}

	messages, err := s.messages(ctx, id)
	if err != nil {
		return nil, storageErr("load", id, err)
	}
	sess.Transcript = messages
	return sess, nil
}

func (s *PostgresStore) messages(ctx context.Context, id string) ([]conversation.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, content, tool_call, tool_name, tool_call_id, created_at
		FROM concierge_messages WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []conversation.Message{}
	for rows.Next() {
		var (
			msg       conversation.Message
			role      string
			toolCall  []byte
			createdAt string
		)
		if err := rows.Scan(&role, &msg.Content, &toolCall, &msg.ToolName, &msg.ToolCallID, &createdAt); err != nil {
			return nil, err
		}
		msg.Role = conversation.Role(role)
		if len(toolCall) > 0 {
			msg.ToolCall = &conversation.ToolCall{}
			if err := json.Unmarshal(toolCall, msg.ToolCall); err != nil {
				return nil, fmt.Errorf("failed to decode tool call: %w", err)
			}
		}
		// created_at is kept as RFC3339 text so nanoseconds survive the round trip.
		if msg.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Save replaces the session's memory and messages in one transaction.
func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return storageErr("save", "", errors.New("nil session"))
	}
	ctx, op := beginOp(ctx, s.logger, postgresBackend, "save", sess.ID)
	return op.end(s.save(ctx, sess))
}

func (s *PostgresStore) save(ctx context.Context, sess *Session) error {
	if err := ValidateID(sess.ID); err != nil {
		return storageErr("save", sess.ID, err)
	}

	memory := sess.Memory
	if memory == nil {
		memory = map[string]interface{}{}
	}
	memData, err := json.Marshal(memory)
	if err != nil {
		return storageErr("save", sess.ID, fmt.Errorf("failed to encode memory: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr("save", sess.ID, err)
	}
	defer tx.Rollback(ctx)

	updatedAt := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO concierge_sessions (id, memory, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET memory = EXCLUDED.memory, updated_at = EXCLUDED.updated_at`,
		sess.ID, memData, updatedAt); err != nil {
		return storageErr("save", sess.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM concierge_messages WHERE session_id = $1`, sess.ID); err != nil {
		return storageErr("save", sess.ID, err)
	}

	batch := &pgx.Batch{}
	for seq, msg := range sess.Transcript {
		var toolCall []byte
		if msg.ToolCall != nil {
			if toolCall, err = json.Marshal(msg.ToolCall); err != nil {
				return storageErr("save", sess.ID, fmt.Errorf("failed to encode tool call: %w", err))
			}
		}
		batch.Queue(`
			INSERT INTO concierge_messages (session_id, seq, role, content, tool_call, tool_name, tool_call_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sess.ID, seq, string(msg.Role), msg.Content, toolCall, msg.ToolName, msg.ToolCallID, formatTime(msg.Timestamp))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return storageErr("save", sess.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("save", sess.ID, err)
	}
	sess.UpdatedAt = updatedAt
	return nil
}

// Search matches message content case-insensitively against any query term.
func (s *PostgresStore) Search(ctx context.Context, id, query string, limit int) ([]SearchHit, error) {
	ctx, op := beginOp(ctx, s.logger, postgresBackend, "search", id)
	hits, err := s.search(ctx, id, query, limit)
	return hits, op.end(err)
}

func (s *PostgresStore) search(ctx context.Context, id, query string, limit int) ([]SearchHit, error) {
	if err := ValidateID(id); err != nil {
		return nil, storageErr("search", id, err)
	}
	terms := queryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return []SearchHit{}, nil
	}

	patterns := make([]string, len(terms))
	for i, term := range terms {
		patterns[i] = "%" + term + "%"
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, role, content, created_at,
			(SELECT count(*) FROM unnest($2::text[]) AS p WHERE content ILIKE p) AS score
		FROM concierge_messages
		WHERE session_id = $1 AND role IN ('user', 'assistant', 'tool') AND content ILIKE ANY($2::text[])
		ORDER BY score DESC, seq DESC
		LIMIT $3`,
		id, patterns, limit)
	if err != nil {
		return nil, storageErr("search", id, err)
	}
	defer rows.Close()

	hits := []SearchHit{}
	for rows.Next() {
		var (
			hit       SearchHit
			role      string
			createdAt string
			score     int64
		)
		if err := rows.Scan(&hit.Seq, &role, &hit.Content, &createdAt, &score); err != nil {
			return nil, storageErr("search", id, err)
		}
		hit.Role = conversation.Role(role)
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
func (s *PostgresStore) List(ctx context.Context) ([]Info, error) {
	ctx, op := beginOp(ctx, s.logger, postgresBackend, "list", "")
	infos, err := s.list(ctx)
	return infos, op.end(err)
}

func (s *PostgresStore) list(ctx context.Context) ([]Info, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.updated_at, count(m.seq)
		FROM concierge_sessions s LEFT JOIN concierge_messages m ON m.session_id = s.id
		GROUP BY s.id, s.updated_at
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, storageErr("list", "", err)
	}
	defer rows.Close()

	infos := []Info{}
	for rows.Next() {
		var (
			info  Info
			count int64
		)
		if err := rows.Scan(&info.ID, &info.UpdatedAt, &count); err != nil {
			return nil, storageErr("list", "", err)
		}
		info.Messages = int(count)
		info.UpdatedAt = info.UpdatedAt.UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", "", err)
	}
	return infos, nil
}

// Delete removes the session row; messages cascade.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, op := beginOp(ctx, s.logger, postgresBackend, "delete", id)
	return op.end(s.delete(ctx, id))
}

func (s *PostgresStore) delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return storageErr("delete", id, err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM concierge_sessions WHERE id = $1`, id); err != nil {
		return storageErr("delete", id, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
