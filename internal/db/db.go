package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event types: process lifecycle
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
)

// Event types: polling and delivery
const (
	EventUpdateReceived  = "update.received"
	EventUpdateSkipped   = "update.skipped"
	EventPollFailed      = "poll.failed"
	EventRetryScheduled  = "retry.scheduled"
	EventCircuitOpened   = "circuit.opened"
	EventCircuitHalfOpen = "circuit.half_open"
	EventCircuitClosed   = "circuit.closed"
	EventChatWorkerStart = "chat_worker.started"
	EventChatWorkerStop  = "chat_worker.stopped"
	EventReplySent       = "reply.sent"
	EventReplyFailed     = "reply.failed"
)

// Event types: conversation
const (
	EventCommandHandled   = "command.handled"
	EventMessageReceived  = "message.received"
	EventModelRequested   = "model.requested"
	EventModelReplied     = "model.replied"
	EventModelFailed      = "model.failed"
	EventModelSwitched    = "model.switched"
	EventSessionReset     = "session.reset"
	EventContextAssembled = "context.assembled"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events and updates tables.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type_id ON events(event_type, id);

		CREATE TABLE IF NOT EXISTS updates (
			update_id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			message_date INTEGER NOT NULL,
			received_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
	`)
	return err
}

// RecordUpdate remembers that an update id was consumed. It reports false
// when the id was already recorded.
func RecordUpdate(database *sql.DB, updateID, chatID, messageDate int64) (bool, error) {
	res, err := database.Exec(
		`INSERT OR IGNORE INTO updates (update_id, chat_id, message_date) VALUES (?, ?, ?)`,
		updateID, chatID, messageDate,
	)
	if err != nil {
		return false, fmt.Errorf("record update %d: %w", updateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeriveOffset returns the next Telegram polling offset derived from the updates table.
// Returns 0 if no update has been recorded.
func DeriveOffset(database *sql.DB) (int64, error) {
	var offset int64
	err := database.QueryRow(`SELECT COALESCE(MAX(update_id) + 1, 0) FROM updates`).Scan(&offset)
	return offset, err
}

// LatestEventID returns the id of the most recent event of the given type,
// or 0 if there is none.
func LatestEventID(database *sql.DB, eventType string) (int64, error) {
	var id int64
	err := database.QueryRow(
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		eventType,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}
