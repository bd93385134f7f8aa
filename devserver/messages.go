package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/puyokura/dashchat/model"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotOwner        = errors.New("message belongs to another user")
)

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_created ON messages(created_at, id);
`

// Messages is the sqlite-backed chat log.
type Messages struct {
	db  *sql.DB
	now func() time.Time
}

// OpenMessages opens (or creates) the database at path and applies the
// schema. ":memory:" gives a private in-memory store.
func OpenMessages(ctx context.Context, path string) (*Messages, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	dsn = appendPragmas(dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, messagesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Messages{db: db, now: time.Now}, nil
}

func appendPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (m *Messages) Close() error {
	return m.db.Close()
}

// Add stores a message stamped with the current time.
func (m *Messages) Add(ctx context.Context, sender, text string) (model.ChatMessage, error) {
	ts := m.now().UTC().Truncate(time.Millisecond)
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO messages (sender, text, created_at) VALUES (?, ?, ?)`,
		sender, text, ts.UnixMilli())
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("message id: %w", err)
	}
	return model.ChatMessage{ID: id, SenderUsername: sender, Text: text, Timestamp: ts}, nil
}

// Page returns one page of history. Page 0 holds the newest messages; each
// page is in chronological order.
func (m *Messages) Page(ctx context.Context, page, size int) (model.HistoryPage, error) {
	var total int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&total); err != nil {
		return model.HistoryPage{}, fmt.Errorf("count messages: %w", err)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, sender, text, created_at FROM (
			SELECT id, sender, text, created_at FROM messages
			ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
		) ORDER BY created_at ASC, id ASC`,
		size, page*size)
	if err != nil {
		return model.HistoryPage{}, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := model.HistoryPage{Content: []model.ChatMessage{}, TotalPages: (total + size - 1) / size}
	for rows.Next() {
		var (
			msg    model.ChatMessage
			millis int64
		)
		if err := rows.Scan(&msg.ID, &msg.SenderUsername, &msg.Text, &millis); err != nil {
			return model.HistoryPage{}, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = time.UnixMilli(millis).UTC()
		out.Content = append(out.Content, msg)
	}
	if err := rows.Err(); err != nil {
		return model.HistoryPage{}, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// Delete removes a message. Unless admin is set, only its sender may.
func (m *Messages) Delete(ctx context.Context, id int64, requester string, admin bool) error {
	var sender string
	err := m.db.QueryRowContext(ctx, `SELECT sender FROM messages WHERE id = ?`, id).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	if !admin && sender != requester {
		return ErrNotOwner
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
