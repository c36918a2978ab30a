package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-go-golems/chattree/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    last_modified INTEGER NOT NULL DEFAULT 0,
    payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_last_modified ON conversations(last_modified);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY,
    conv_id TEXT NOT NULL,
    payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_id ON messages(conv_id);
CREATE TABLE IF NOT EXISTS user_configuration_presets (
    id TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// SQLiteStore persists the tables in a SQLite database.
//
// Each row keeps one JSON payload next to its key columns, so the message
// schema can grow without SQL migrations. Every Update is one SQL
// transaction.
type SQLiteStore struct {
	*engine
	dsn string
	db  *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string, options ...Option) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps in-memory databases alive and serializes writers
	db.SetMaxOpenConns(1)

	b := &sqliteBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	e, err := newEngine("sqlite store", b, options...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{engine: e, dsn: dsn, db: db}, nil
}

func (s *SQLiteStore) DSN() string {
	return s.dsn
}

// SQLiteDSNForFile returns a DSN with WAL journaling for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

type sqliteBackend struct {
	db *sql.DB
}

func (b *sqliteBackend) migrate() error {
	if b.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if _, err := b.db.Exec(sqliteSchemaV1); err != nil {
		return errors.Wrap(err, "sqlite store: migrate")
	}
	return nil
}

func (b *sqliteBackend) load(t *tables) error {
	if err := b.loadConversations(t); err != nil {
		return err
	}
	if err := b.loadMessages(t); err != nil {
		return err
	}
	if err := b.loadPresets(t); err != nil {
		return err
	}
	return b.loadMeta(t)
}

func (b *sqliteBackend) loadConversations(t *tables) error {
	rows, err := b.db.Query(`SELECT id, payload_json FROM conversations`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		c := &conversation.Conversation{}
		if err := json.Unmarshal([]byte(payload), c); err != nil {
			return errors.Wrapf(err, "conversation %q", id)
		}
		if c.ID != id {
			return errors.Errorf("sqlite store: id mismatch payload=%q row=%q", c.ID, id)
		}
		t.conversations[id] = c
	}
	return rows.Err()
}

func (b *sqliteBackend) loadMessages(t *tables) error {
	rows, err := b.db.Query(`SELECT id, payload_json FROM messages`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		m := &conversation.Message{}
		if err := json.Unmarshal([]byte(payload), m); err != nil {
			return errors.Wrapf(err, "message %d", id)
		}
		if m.ID != id {
			return errors.Errorf("sqlite store: id mismatch payload=%d row=%d", m.ID, id)
		}
		if m.Children == nil {
			m.Children = []int64{}
		}
		t.putMessage(m)
	}
	return rows.Err()
}

func (b *sqliteBackend) loadPresets(t *tables) error {
	rows, err := b.db.Query(`SELECT id, payload_json FROM user_configuration_presets`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		p := &conversation.Preset{}
		if err := json.Unmarshal([]byte(payload), p); err != nil {
			return errors.Wrapf(err, "preset %q", id)
		}
		t.presets[id] = p
	}
	return rows.Err()
}

func (b *sqliteBackend) loadMeta(t *tables) error {
	rows, err := b.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		t.meta[k] = v
	}
	return rows.Err()
}

func (b *sqliteBackend) commit(ctx context.Context, cs *changeset) (err error) {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	for id := range cs.deletedConversations {
		if _, err = sqlTx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return err
		}
	}
	for id, c := range cs.conversations {
		var payload []byte
		if payload, err = json.Marshal(c); err != nil {
			return err
		}
		if _, err = sqlTx.ExecContext(ctx,
			`INSERT INTO conversations (id, last_modified, payload_json)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET last_modified = excluded.last_modified, payload_json = excluded.payload_json`,
			id, c.LastModified, string(payload),
		); err != nil {
			return err
		}
	}
	for id := range cs.deletedMessages {
		if _, err = sqlTx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return err
		}
	}
	for id, m := range cs.messages {
		var payload []byte
		if payload, err = json.Marshal(m); err != nil {
			return err
		}
		if _, err = sqlTx.ExecContext(ctx,
			`INSERT INTO messages (id, conv_id, payload_json)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET conv_id = excluded.conv_id, payload_json = excluded.payload_json`,
			id, m.ConvID, string(payload),
		); err != nil {
			return err
		}
	}
	for id := range cs.deletedPresets {
		if _, err = sqlTx.ExecContext(ctx, `DELETE FROM user_configuration_presets WHERE id = ?`, id); err != nil {
			return err
		}
	}
	for id, p := range cs.presets {
		var payload []byte
		if payload, err = json.Marshal(p); err != nil {
			return err
		}
		if _, err = sqlTx.ExecContext(ctx,
			`INSERT INTO user_configuration_presets (id, payload_json, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
			id, string(payload), time.Now().UnixMilli(),
		); err != nil {
			return err
		}
	}
	for k, v := range cs.meta {
		if _, err = sqlTx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			k, v,
		); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func (b *sqliteBackend) close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
