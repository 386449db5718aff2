// Package history is the durable, chat-scoped conversation log.
//
// Conversations group messages per chat; the current conversation of a chat
// is the one with the latest activity. Messages are append-only except for a
// lazily backfilled token count. Every storage failure is returned wrapped in
// errs.ErrStorage and is never retried here.
package history

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
	"github.com/stellarlinkco/bennet/internal/errs"
	"github.com/stellarlinkco/bennet/internal/logging"
	_ "modernc.org/sqlite"
)

// Counter estimates tokens for a model id.
type Counter interface {
	CountTokens(text, modelID string) int
}

type Options struct {
	// Driver is "sqlite" (modernc, default) or "sqlite3" (cgo).
	Driver string
	// Counter is required to count or backfill token counts.
	Counter Counter
	// MaxHistoryLength bounds history reads that do not set MaxMessages.
	MaxHistoryLength int
	// TokenBudget bounds history reads that do not set MaxTokenBudget.
	// Zero means no bound.
	TokenBudget int
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Store struct {
	db          *sql.DB
	counter     Counter
	maxHistory  int
	tokenBudget int
	logger      zerolog.Logger
	now         func() time.Time
}

// ErrConversationNotFound is wrapped in the error returned for a conversation
// id that does not exist in the calling chat.
var ErrConversationNotFound = errors.New("conversation not found")

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string, opts Options) (*Store, error) {
	if opts.Counter == nil {
		return nil, errs.New(errs.ErrConfig, "open history", "token counter is required")
	}
	driver := opts.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, errs.Storage("create db dir", err)
		}
	}
	dsn, err := buildDSN(driver, dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errs.Storage("open sqlite", err)
	}
	// One shared connection: transactions serialise multi-statement writes
	// and an in-memory database stays a single database.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:          db,
		counter:     opts.Counter,
		maxHistory:  opts.MaxHistoryLength,
		tokenBudget: opts.TokenBudget,
		logger:      logging.For(opts.Logger, "history"),
		now:         opts.Now,
	}
	if s.maxHistory <= 0 {
		s.maxHistory = 10
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(driver, dbPath string) (string, error) {
	switch driver {
	case "sqlite":
		return dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", nil
	case "sqlite3":
		return dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", nil
	default:
		return "", errs.New(errs.ErrConfig, "open history", "unsupported driver %q", driver)
	}
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			last_message_time INTEGER NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
			content TEXT NOT NULL,
			token_count INTEGER,
			timestamp INTEGER NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_chat ON conversations(chat_id, last_message_time)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.Storage("init schema", err)
		}
	}
	return nil
}

// StartConversation always creates a new conversation for chatID.
func (s *Store) StartConversation(ctx context.Context, chatID string, metadata map[string]any) (int64, error) {
	md, err := encodeMetadata(metadata)
	if err != nil {
		return 0, errs.Storage("start conversation", err)
	}
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (chat_id, start_time, last_message_time, metadata) VALUES (?, ?, ?, ?)`,
		chatID, now, now, md)
	if err != nil {
		return 0, errs.Storage("start conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Storage("start conversation", err)
	}
	s.logger.Debug().Str("chat_id", chatID).Int64("conversation_id", id).Msg("conversation started")
	return id, nil
}

// GetOrCreateConversation returns the most recently active conversation of
// chatID, creating one if the chat has none. Callers serialise per chat.
func (s *Store) GetOrCreateConversation(ctx context.Context, chatID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE chat_id = ? ORDER BY last_message_time DESC, id DESC LIMIT 1`,
		chatID).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		return s.StartConversation(ctx, chatID, nil)
	default:
		return 0, errs.Storage("get conversation", err)
	}
}

// GetConversation loads one conversation of chatID by id.
func (s *Store) GetConversation(ctx context.Context, chatID string, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, start_time, last_message_time, metadata FROM conversations WHERE id = ? AND chat_id = ?`,
		id, chatID)
	c, err := scanConversation(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errs.E(errs.ErrStorage, "get conversation", conversationNotFound(chatID, id))
	case err != nil:
		return nil, errs.Storage("get conversation", err)
	}
	return c, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkOwner fails unless conversation id belongs to chatID.
func checkOwner(ctx context.Context, q queryRower, op, chatID string, id int64) error {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ? AND chat_id = ?`, id, chatID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return errs.E(errs.ErrStorage, op, conversationNotFound(chatID, id))
	case err != nil:
		return errs.Storage(op, err)
	}
	return nil
}

func conversationNotFound(chatID string, id int64) error {
	return fmt.Errorf("%w: %d in chat %s", ErrConversationNotFound, id, chatID)
}

// ListConversations returns the chat's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, chatID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, start_time, last_message_time, metadata FROM conversations
		WHERE chat_id = ? ORDER BY last_message_time DESC, id DESC`, chatID)
	if err != nil {
		return nil, errs.Storage("list conversations", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errs.Storage("list conversations", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("list conversations", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c           Conversation
		start, last int64
		md          sql.NullString
	)
	if err := row.Scan(&c.ID, &c.ChatID, &start, &last, &md); err != nil {
		return nil, err
	}
	c.StartTime = time.Unix(0, start)
	c.LastMessageTime = time.Unix(0, last)
	meta, err := decodeMetadata(md)
	if err != nil {
		return nil, err
	}
	c.Metadata = meta
	return &c, nil
}

// AddMessage appends a message and bumps the owning conversation's activity
// time in one transaction. Without InConversation the current conversation
// is used (or created).
func (s *Store) AddMessage(ctx context.Context, chatID string, role Role, content string, opts ...MessageOption) (int64, error) {
	var o messageOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !role.Valid() {
		return 0, errs.New(errs.ErrStorage, "add message", "invalid role %q", role)
	}
	if role != RoleSystem && strings.TrimSpace(content) == "" {
		return 0, errs.New(errs.ErrStorage, "add message", "empty %s message", role)
	}

	convID := o.conversationID
	if convID == 0 {
		id, err := s.GetOrCreateConversation(ctx, chatID)
		if err != nil {
			return 0, err
		}
		convID = id
	}

	var tokens sql.NullInt64
	if o.modelID != "" {
		tokens = sql.NullInt64{Int64: int64(s.counter.CountTokens(content, o.modelID)), Valid: true}
	}
	md, err := encodeMetadata(o.metadata)
	if err != nil {
		return 0, errs.Storage("add message", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Storage("add message", err)
	}
	defer tx.Rollback()

	if o.conversationID != 0 {
		if err := checkOwner(ctx, tx, "add message", chatID, convID); err != nil {
			return 0, err
		}
	}

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, chat_id, role, content, token_count, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		convID, chatID, string(role), content, tokens, now, md)
	if err != nil {
		return 0, errs.Storage("add message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Storage("add message", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_time = ? WHERE id = ?`, now, convID); err != nil {
		return 0, errs.Storage("add message", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Storage("add message", err)
	}
	return id, nil
}

// GetConversationHistory returns the newest window of a conversation in
// chronological order. See HistoryQuery for the bounds.
func (s *Store) GetConversationHistory(ctx context.Context, chatID string, q HistoryQuery) ([]Message, error) {
	limit := q.MaxMessages
	if limit <= 0 {
		limit = s.maxHistory
	}
	budget := q.MaxTokenBudget
	if budget <= 0 {
		budget = s.tokenBudget
	}
	convID := q.ConversationID
	if convID == 0 {
		id, err := s.GetOrCreateConversation(ctx, chatID)
		if err != nil {
			return nil, err
		}
		convID = id
	} else if err := checkOwner(ctx, s.db, "get history", chatID, convID); err != nil {
		return nil, err
	}

	query := `SELECT id, conversation_id, chat_id, role, content, token_count, timestamp, metadata
		FROM messages WHERE conversation_id = ? AND chat_id = ?`
	if q.ExcludeSystem {
		query += ` AND role != 'system'`
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`

	newest, err := s.queryMessages(ctx, query, convID, chatID, limit)
	if err != nil {
		return nil, errs.Storage("get history", err)
	}

	var (
		window []Message
		total  int
		fill   = make(map[int64]int)
	)
	for _, m := range newest {
		var n int
		if m.TokenCount != nil {
			n = *m.TokenCount
		} else {
			n = s.counter.CountTokens(m.Content, q.ModelID)
			if q.ModelID != "" {
				fill[m.ID] = n
				m.TokenCount = &n
			}
		}
		if budget > 0 && total+n > budget {
			s.logger.Debug().Str("chat_id", chatID).Int("tokens", total).Int("budget", budget).
				Msg("token budget reached, dropping older messages")
			break
		}
		total += n
		window = append(window, m)
	}

	if err := s.backfill(ctx, fill); err != nil {
		return nil, err
	}

	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window, nil
}

// backfill persists token counts computed during a read. Counts for
// messages outside the returned window are saved too, since they were
// computed for the same model.
func (s *Store) backfill(ctx context.Context, counts map[int64]int) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("backfill token counts", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET token_count = ? WHERE id = ? AND token_count IS NULL`)
	if err != nil {
		return errs.Storage("backfill token counts", err)
	}
	defer stmt.Close()
	for id, n := range counts {
		if _, err := stmt.ExecContext(ctx, n, id); err != nil {
			return errs.Storage("backfill token counts", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage("backfill token counts", err)
	}
	return nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			role   string
			tokens sql.NullInt64
			ts     int64
			md     sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ChatID, &role, &m.Content, &tokens, &ts, &md); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.Timestamp = time.Unix(0, ts)
		if tokens.Valid {
			n := int(tokens.Int64)
			m.TokenCount = &n
		}
		meta, err := decodeMetadata(md)
		if err != nil {
			return nil, fmt.Errorf("message %d metadata: %w", m.ID, err)
		}
		m.Metadata = meta
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearChatHistory deletes the messages of one conversation, or of every
// conversation of the chat when conversationID is zero. Conversation rows are
// kept. It returns the number of deleted messages.
func (s *Store) ClearChatHistory(ctx context.Context, chatID string, conversationID int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if conversationID != 0 {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ? AND chat_id = ?`, conversationID, chatID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE chat_id = ?)`, chatID)
	}
	if err != nil {
		return 0, errs.Storage("clear history", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Storage("clear history", err)
	}
	s.logger.Info().Str("chat_id", chatID).Int64("conversation_id", conversationID).Int64("deleted", n).Msg("history cleared")
	return n, nil
}

func encodeMetadata(md map[string]any) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMetadata(raw sql.NullString) (map[string]any, error) {
	md := map[string]any{}
	if !raw.Valid || raw.String == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}
