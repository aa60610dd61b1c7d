// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			repo_path       TEXT NOT NULL,
			agent_type      TEXT NOT NULL DEFAULT 'claude',
			title           TEXT NOT NULL DEFAULT '',
			resume_token    TEXT,
			resume_token_at DATETIME,
			branch_name     TEXT,
			worktree_path   TEXT,
			settings_json   TEXT NOT NULL DEFAULT '{}',
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_agent_id
			ON conversations(agent_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			kind            TEXT NOT NULL,
			content         TEXT NOT NULL,
			tool_name       TEXT,
			tool_input      TEXT,
			tool_call_id    TEXT,
			is_error        INTEGER NOT NULL DEFAULT 0,
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			cost_usd        REAL NOT NULL DEFAULT 0,
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			num_turns       INTEGER NOT NULL DEFAULT 0,
			research_phase  TEXT,
			search_count    INTEGER NOT NULL DEFAULT 0,
			sources_json    TEXT,
			created_at      DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_id
			ON messages(conversation_id);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the ID already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	settingsJSON, err := json.Marshal(conv.Settings)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_id, repo_path, agent_type, title, resume_token,
			resume_token_at, branch_name, worktree_path, settings_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.AgentID, conv.RepoPath, conv.AgentType, conv.Title,
		conv.ResumeToken, conv.ResumeTokenAt, conv.BranchName, conv.WorktreePath,
		string(settingsJSON), conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, repo_path, agent_type, title, resume_token,
			resume_token_at, branch_name, worktree_path, settings_json, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var settingsJSON string
	err := row.Scan(&conv.ID, &conv.AgentID, &conv.RepoPath, &conv.AgentType, &conv.Title,
		&conv.ResumeToken, &conv.ResumeTokenAt, &conv.BranchName, &conv.WorktreePath,
		&settingsJSON, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &conv.Settings); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	return &conv, nil
}

// UpdateConversation applies a partial patch to a conversation.
// Nil fields in the update are left untouched.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}

	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.ClearResumeToken {
		sets = append(sets, "resume_token = NULL", "resume_token_at = NULL")
	} else {
		if update.ResumeToken != nil {
			sets = append(sets, "resume_token = ?")
			args = append(args, *update.ResumeToken)
		}
		if update.ResumeTokenAt != nil {
			sets = append(sets, "resume_token_at = ?")
			args = append(args, *update.ResumeTokenAt)
		}
	}
	if update.BranchName != nil {
		sets = append(sets, "branch_name = ?")
		args = append(args, *update.BranchName)
	}
	if update.WorktreePath != nil {
		sets = append(sets, "worktree_path = ?")
		args = append(args, *update.WorktreePath)
	}
	if update.Settings != nil {
		settingsJSON, err := json.Marshal(*update.Settings)
		if err != nil {
			return fmt.Errorf("marshaling settings: %w", err)
		}
		sets = append(sets, "settings_json = ?")
		args = append(args, string(settingsJSON))
	}

	args = append(args, id)
	query := "UPDATE conversations SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns conversations ordered by most recently updated.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, repo_path, agent_type, title, resume_token,
			resume_token_at, branch_name, worktree_path, settings_json, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var settingsJSON string
		if err := rows.Scan(&conv.ID, &conv.AgentID, &conv.RepoPath, &conv.AgentType, &conv.Title,
			&conv.ResumeToken, &conv.ResumeTokenAt, &conv.BranchName, &conv.WorktreePath,
			&settingsJSON, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(settingsJSON), &conv.Settings); err != nil {
			return nil, fmt.Errorf("unmarshaling settings: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// SaveMessage appends a message to a conversation's log.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, kind, content, tool_name, tool_input,
			tool_call_id, is_error, input_tokens, output_tokens, cost_usd, duration_ms,
			num_turns, research_phase, search_count, sources_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Kind, msg.Content, msg.ToolName, msg.ToolInputJSON,
		msg.ToolCallID, boolToInt(msg.IsError), msg.InputTokens, msg.OutputTokens, msg.CostUSD,
		msg.DurationMs, msg.NumTurns, msg.ResearchPhase, msg.SearchCount, msg.SourcesJSON,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("message saved",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"kind", msg.Kind)
	return nil
}

// ListMessages returns a conversation's messages in append order.
// rowid breaks ties for messages persisted within the same clock tick.
// When limit > 0 the most recent messages are kept, still in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any
	if limit > 0 {
		query = `
			SELECT id, conversation_id, kind, content, tool_name, tool_input, tool_call_id,
				is_error, input_tokens, output_tokens, cost_usd, duration_ms, num_turns,
				research_phase, search_count, sources_json, created_at
			FROM (
				SELECT id, conversation_id, kind, content, tool_name, tool_input, tool_call_id,
					is_error, input_tokens, output_tokens, cost_usd, duration_ms, num_turns,
					research_phase, search_count, sources_json, created_at, rowid AS rid
				FROM messages WHERE conversation_id = ?
				ORDER BY created_at DESC, rowid DESC LIMIT ?
			)
			ORDER BY created_at ASC, rid ASC`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, kind, content, tool_name, tool_input, tool_call_id,
				is_error, input_tokens, output_tokens, cost_usd, duration_ms, num_turns,
				research_phase, search_count, sources_json, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var isError int
		var toolName, toolInput, toolCallID, researchPhase, sourcesJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Kind, &msg.Content,
			&toolName, &toolInput, &toolCallID, &isError,
			&msg.InputTokens, &msg.OutputTokens, &msg.CostUSD, &msg.DurationMs, &msg.NumTurns,
			&researchPhase, &msg.SearchCount, &sourcesJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.ToolName = toolName.String
		msg.ToolInputJSON = toolInput.String
		msg.ToolCallID = toolCallID.String
		msg.ResearchPhase = researchPhase.String
		msg.SourcesJSON = sourcesJSON.String
		msg.IsError = isError != 0
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
