// Package storage persists users, their settings and reading-list articles in
// SQLite. Operations that pair a domain mutation with a context-document
// write run inside a single transaction, so a conversation transition is
// either fully applied or not at all.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Article status values.
const (
	StatusNew  = "NEW"
	StatusRead = "READ"
)

// Connection pool bounds.
const (
	maxConnections = 10
	staleTimeout   = 5 * time.Minute
)

// Sentinel errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateArticle = errors.New("duplicate article")
)

// User is one chat participant. Context holds the conversation state
// document; it is always non-nil after a read, even when empty.
type User struct {
	ID         int64
	TelegramID int64
	FirstName  string
	CreatedAt  time.Time
	Context    map[string]any
}

// Settings holds a user's committed reading-list settings.
type Settings struct {
	UserID        int64
	Capacity      int
	RetentionDays int
	Email         string
}

// Article is one reading-list item.
type Article struct {
	ID        int64
	UserID    int64
	CreatedAt time.Time
	Status    string
	Text      string
}

// ReminderTarget is a user due an unread-count reminder.
type ReminderTarget struct {
	TelegramID  int64
	FirstName   string
	UnreadCount int
}

// DB wraps the SQLite connection and provides all storage operations.
type DB struct {
	conn *sql.DB
}

// NewDB opens the database, bounds the connection pool and initializes the
// schema.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(maxConnections)
	conn.SetConnMaxIdleTime(staleTimeout)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_id INTEGER NOT NULL UNIQUE,
		first_name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		context TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS user_settings (
		user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		reading_list_size INTEGER NOT NULL,
		article_ttl_days INTEGER NOT NULL,
		email TEXT
	);

	CREATE TABLE IF NOT EXISTS articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('NEW', 'READ')),
		text TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_articles_user_status ON articles(user_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_articles_unread_text
		ON articles(user_id, text) WHERE status = 'NEW';
	`
	_, err := db.conn.Exec(schema)
	return err
}

// GetUserByTelegramID looks a user up by external identity.
func (db *DB) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	query := `SELECT id, telegram_id, first_name, created_at, context FROM users WHERE telegram_id = ?`

	u := &User{}
	var contextJSON string
	err := db.conn.QueryRowContext(ctx, query, telegramID).Scan(
		&u.ID, &u.TelegramID, &u.FirstName, &u.CreatedAt, &contextJSON,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(contextJSON), &u.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if u.Context == nil {
		u.Context = map[string]any{}
	}
	return u, nil
}

// CreateUser inserts a user with an initial context document.
func (db *DB) CreateUser(ctx context.Context, telegramID int64, firstName string, doc map[string]any) (*User, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	contextJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	now := time.Now().UTC()
	query := `INSERT INTO users (telegram_id, first_name, created_at, context) VALUES (?, ?, ?, ?)`
	res, err := db.conn.ExecContext(ctx, query, telegramID, firstName, now, string(contextJSON))
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &User{
		ID:         id,
		TelegramID: telegramID,
		FirstName:  firstName,
		CreatedAt:  now,
		Context:    doc,
	}, nil
}

// MergeUserContext applies a patch to the user's context document. Existing
// keys not named by the patch survive; a nil patch value removes the key.
func (db *DB) MergeUserContext(ctx context.Context, userID int64, patch map[string]any) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := mergeContextTx(ctx, tx, userID, patch); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSettings returns the user's settings, or ErrNotFound before onboarding
// completes.
func (db *DB) GetSettings(ctx context.Context, userID int64) (*Settings, error) {
	query := `SELECT user_id, reading_list_size, article_ttl_days, COALESCE(email, '') FROM user_settings WHERE user_id = ?`

	s := &Settings{}
	err := db.conn.QueryRowContext(ctx, query, userID).Scan(
		&s.UserID, &s.Capacity, &s.RetentionDays, &s.Email,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSettings commits onboarding: it inserts the settings row and applies
// the context patch in one transaction. Re-running the same transition after
// a redelivery is a no-op on the settings row.
func (db *DB) CreateSettings(ctx context.Context, s *Settings, patch map[string]any) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var email any
	if s.Email != "" {
		email = s.Email
	}
	query := `
	INSERT INTO user_settings (user_id, reading_list_size, article_ttl_days, email)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, query, s.UserID, s.Capacity, s.RetentionDays, email); err != nil {
		return fmt.Errorf("insert settings: %w", err)
	}

	if err := mergeContextTx(ctx, tx, s.UserID, patch); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateArticle inserts an unread article and applies the context patch in
// one transaction. Returns ErrDuplicateArticle when the user already has an
// unread article with the same text.
func (db *DB) CreateArticle(ctx context.Context, userID int64, text string, patch map[string]any) (*Article, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM articles WHERE user_id = ? AND text = ? AND status = ?`,
		userID, text, StatusNew,
	).Scan(&exists)
	if err == nil {
		return nil, ErrDuplicateArticle
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO articles (user_id, created_at, status, text) VALUES (?, ?, ?, ?)`,
		userID, now, StatusNew, text,
	)
	if err != nil {
		return nil, fmt.Errorf("insert article: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := mergeContextTx(ctx, tx, userID, patch); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Article{ID: id, UserID: userID, CreatedAt: now, Status: StatusNew, Text: text}, nil
}

// ListNewArticles returns the user's unread articles, oldest first.
func (db *DB) ListNewArticles(ctx context.Context, userID int64) ([]Article, error) {
	query := `SELECT id, user_id, created_at, status, text FROM articles WHERE user_id = ? AND status = ? ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query, userID, StatusNew)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.UserID, &a.CreatedAt, &a.Status, &a.Text); err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// MarkArticleRead flips an article to READ and applies the context patch in
// one transaction. Marking an already-read article again is a no-op, which
// keeps a replayed transition safe.
func (db *DB) MarkArticleRead(ctx context.Context, articleID, userID int64, patch map[string]any) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE articles SET status = ? WHERE id = ? AND user_id = ?`,
		StatusRead, articleID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := mergeContextTx(ctx, tx, userID, patch); err != nil {
		return err
	}
	return tx.Commit()
}

// ListUsersWithUnread returns every onboarded user together with their unread
// count, for the daily reminder.
func (db *DB) ListUsersWithUnread(ctx context.Context) ([]ReminderTarget, error) {
	query := `
	SELECT u.telegram_id, u.first_name, COUNT(a.id)
	FROM users u
	JOIN user_settings s ON s.user_id = u.id
	JOIN articles a ON a.user_id = u.id AND a.status = ?
	GROUP BY u.id
	ORDER BY u.id
	`
	rows, err := db.conn.QueryContext(ctx, query, StatusNew)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []ReminderTarget
	for rows.Next() {
		var t ReminderTarget
		if err := rows.Scan(&t.TelegramID, &t.FirstName, &t.UnreadCount); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// mergeContextTx read-merges-writes the context document inside tx. A nil
// patch value deletes the key.
func mergeContextTx(ctx context.Context, tx *sql.Tx, userID int64, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	var contextJSON string
	err := tx.QueryRowContext(ctx, `SELECT context FROM users WHERE id = ?`, userID).Scan(&contextJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	doc := map[string]any{}
	if err := json.Unmarshal([]byte(contextJSON), &doc); err != nil {
		return fmt.Errorf("unmarshal context: %w", err)
	}
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET context = ? WHERE id = ?`, string(merged), userID); err != nil {
		return fmt.Errorf("update context: %w", err)
	}
	return nil
}
