package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	sender_id    TEXT NOT NULL,
	receiver_id  TEXT NOT NULL,
	message_type TEXT NOT NULL,
	action       TEXT NOT NULL,
	data         TEXT NOT NULL DEFAULT '{}',
	response_to  TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id);
`

// SQLiteStore archives messages in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the messages table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Archive implements comms.Archiver. Re-archiving the same message id is a
// no-op.
func (s *SQLiteStore) Archive(ctx context.Context, msg comms.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("marshal data for %s: %w", msg.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, sender_id, receiver_id, message_type, action, data, response_to, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		msg.ID, msg.SenderID, msg.ReceiverID, string(msg.Type), msg.Action,
		string(data), msg.ResponseTo, msg.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// List returns archived messages matching the filter, oldest first. With a
// limit, the most recent limit matches are returned.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]comms.Message, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, sender_id, receiver_id, message_type, action, data, response_to, created_at
		FROM messages WHERE 1=1`)
	args := []any{}

	if filter.AgentID != "" {
		q.WriteString(" AND (sender_id=? OR receiver_id=?)")
		args = append(args, filter.AgentID, filter.AgentID)
	}
	if filter.Action != "" {
		q.WriteString(" AND action=?")
		args = append(args, filter.Action)
	}
	if filter.Type != "" {
		q.WriteString(" AND message_type=?")
		args = append(args, string(filter.Type))
	}
	q.WriteString(" ORDER BY seq DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []comms.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for l, r := 0, len(msgs)-1; l < r; l, r = l+1, r-1 {
		msgs[l], msgs[r] = msgs[r], msgs[l]
	}
	return msgs, nil
}

// Count returns the number of archived messages.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep messages and returns how many were
// removed.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE seq NOT IN (
			SELECT seq FROM messages ORDER BY seq DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

// scanner abstracts sql.Row and sql.Rows for scanMessage.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (comms.Message, error) {
	var m comms.Message
	var typ, data string
	var created time.Time
	err := s.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &typ, &m.Action, &data, &m.ResponseTo, &created)
	if err != nil {
		return comms.Message{}, err
	}
	m.Type = comms.MessageType(typ)
	m.Timestamp = created
	_ = json.Unmarshal([]byte(data), &m.Data)
	return m, nil
}
