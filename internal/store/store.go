// Package store provides the durable SQLite-backed state for Attache:
// the append-only conversation log, user identities, and the cached
// tool catalog.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message roles in the conversation log.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolCall   = "tool-call"
	RoleToolResult = "tool-result"
)

// Message is one turn in a conversation. Messages are immutable once
// written and ordered by creation time.
type Message struct {
	ID             string    `json:"id"`
	Contact        string    `json:"contact"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	ToolPayload    string    `json:"tool_payload,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// User is one end user's identity and authentication state.
type User struct {
	ID             string    `json:"id"`
	Phone          string    `json:"phone,omitempty"`
	Email          string    `json:"email,omitempty"`
	Name           string    `json:"name,omitempty"`
	Token          string    `json:"token,omitempty"`
	LastResponseID string    `json:"last_response_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Authenticated reports whether the user holds a CRM credential.
func (u *User) Authenticated() bool {
	return u != nil && u.Token != ""
}

// Contact returns the user's stable contact handle: phone when present,
// email otherwise.
func (u *User) Contact() string {
	if u.Phone != "" {
		return u.Phone
	}
	return u.Email
}

// Store is the SQLite-backed durable store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Conversation log (append-only)
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		contact TEXT NOT NULL,
		conversation_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_call_id TEXT,
		tool_payload TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages(contact, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	-- User identities
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		phone TEXT UNIQUE,
		email TEXT,
		name TEXT,
		token TEXT,
		last_response_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	CREATE INDEX IF NOT EXISTS idx_users_token ON users(token);

	-- Tool catalog cache, one row per authentication class
	CREATE TABLE IF NOT EXISTS tool_catalog (
		authenticated INTEGER PRIMARY KEY,
		tools TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddMessage appends a message to the conversation log. A missing id or
// timestamp is filled in.
func (s *Store) AddMessage(m *Message) error {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		m.ID = id.String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (id, contact, conversation_id, role, content, tool_call_id, tool_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Contact, nullable(m.ConversationID), m.Role, m.Content,
		nullable(m.ToolCallID), nullable(m.ToolPayload), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns the newest messages for a contact, newest first.
func (s *Store) Recent(contact string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, contact, conversation_id, role, content, tool_call_id, tool_payload, created_at
		FROM messages
		WHERE contact = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, contact, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ByConversation returns the newest messages for a conversation id,
// newest first.
func (s *Store) ByConversation(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, contact, conversation_id, role, content, tool_call_id, tool_payload, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// LastActivity returns the timestamp of the contact's newest message.
// ok is false when the contact has no messages.
func (s *Store) LastActivity(contact string) (t time.Time, ok bool, err error) {
	row := s.db.QueryRow(`
		SELECT created_at FROM messages WHERE contact = ? ORDER BY created_at DESC LIMIT 1
	`, contact)
	if err := row.Scan(&t); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query last activity: %w", err)
	}
	return t, true, nil
}

// ClearMessages deletes the contact's whole conversation history.
// Only session reset uses this; normal operation never deletes.
func (s *Store) ClearMessages(contact string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE contact = ?`, contact)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var convID, toolCallID, toolPayload sql.NullString
		if err := rows.Scan(&m.ID, &m.Contact, &convID, &m.Role, &m.Content,
			&toolCallID, &toolPayload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = convID.String
		m.ToolCallID = toolCallID.String
		m.ToolPayload = toolPayload.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetOrCreateUser resolves a user by phone, creating a bare record on
// first contact.
func (s *Store) GetOrCreateUser(phone string) (*User, error) {
	u, err := s.userWhere(`phone = ?`, phone)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	now := time.Now()
	u = &User{ID: id.String(), Phone: phone, CreatedAt: now, UpdatedAt: now}

	// INSERT OR IGNORE tolerates a concurrent create for the same phone;
	// the re-read below returns whichever row won.
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO users (id, phone, email, name, token, last_response_id, created_at, updated_at)
		VALUES (?, ?, '', '', '', '', ?, ?)
	`, u.ID, phone, now, now)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return s.userWhere(`phone = ?`, phone)
}

// UserByID returns the user with the given id, or nil when absent.
func (s *Store) UserByID(id string) (*User, error) {
	if id == "" {
		return nil, nil
	}
	return s.userWhere(`id = ?`, id)
}

// UserByEmail returns the user with the given email, or nil when absent.
func (s *Store) UserByEmail(email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	return s.userWhere(`email = ?`, email)
}

// UserByToken returns the user holding the given credential, or nil
// when absent.
func (s *Store) UserByToken(token string) (*User, error) {
	if token == "" {
		return nil, nil
	}
	return s.userWhere(`token = ?`, token)
}

// CreateUser inserts a fully-formed user record (web channel users are
// created from a resolved credential rather than a phone number).
func (s *Store) CreateUser(u *User) error {
	if u.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("user id: %w", err)
		}
		u.ID = id.String()
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO users (id, phone, email, name, token, last_response_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, nullable(u.Phone), u.Email, u.Name, u.Token, u.LastResponseID, now, now)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// SaveUser persists changes to an existing user record.
func (s *Store) SaveUser(u *User) error {
	u.UpdatedAt = time.Now()
	_, err := s.db.Exec(`
		UPDATE users
		SET email = ?, name = ?, token = ?, last_response_id = ?, updated_at = ?
		WHERE id = ?
	`, u.Email, u.Name, u.Token, u.LastResponseID, u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Store) userWhere(cond string, arg any) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, phone, email, name, token, last_response_id, created_at, updated_at
		FROM users WHERE `+cond+` LIMIT 1
	`, arg)

	var u User
	var phone sql.NullString
	err := row.Scan(&u.ID, &phone, &u.Email, &u.Name, &u.Token,
		&u.LastResponseID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.Phone = phone.String
	return &u, nil
}

// ToolCatalog returns the cached tool list JSON for an authentication
// class. ok is false on a cache miss.
func (s *Store) ToolCatalog(authenticated bool) (raw []byte, ok bool, err error) {
	row := s.db.QueryRow(`
		SELECT tools FROM tool_catalog WHERE authenticated = ?
	`, boolInt(authenticated))

	var tools string
	if err := row.Scan(&tools); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query tool catalog: %w", err)
	}
	return []byte(tools), true, nil
}

// PutToolCatalog stores the tool list JSON for an authentication class,
// replacing any previous entry. Concurrent writers race benignly; the
// last write wins.
func (s *Store) PutToolCatalog(authenticated bool, raw []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO tool_catalog (authenticated, tools, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(authenticated) DO UPDATE SET tools = excluded.tools, updated_at = excluded.updated_at
	`, boolInt(authenticated), string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("put tool catalog: %w", err)
	}
	return nil
}

// ClearToolCatalog drops all cached tool lists.
func (s *Store) ClearToolCatalog() error {
	_, err := s.db.Exec(`DELETE FROM tool_catalog`)
	if err != nil {
		return fmt.Errorf("clear tool catalog: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
