package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

type parentKey struct{}

// WithParent returns a context whose journal events are recorded as
// children of id.
func WithParent(ctx context.Context, id int64) context.Context {
	if id <= 0 {
		return ctx
	}
	return context.WithValue(ctx, parentKey{}, id)
}

// ParentFrom returns the parent event id carried by ctx, if any.
func ParentFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(parentKey{}).(int64)
	return id, ok && id > 0
}

// Journal is the optional event log of a running bot. A nil *Journal is
// valid and records nothing, so callers never branch on whether the journal
// is enabled.
type Journal struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenJournal opens the database at path and makes sure the schema exists.
func OpenJournal(path string, log *zap.Logger) (*Journal, error) {
	database, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return NewJournal(database, log), nil
}

func NewJournal(database *sql.DB, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{db: database, log: log}
}

// DB exposes the underlying handle for read-only tooling.
func (j *Journal) DB() *sql.DB {
	if j == nil {
		return nil
	}
	return j.db
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends an event under the parent carried by ctx and returns its id.
// Write failures are logged and yield 0; the journal never fails a caller.
func (j *Journal) Record(ctx context.Context, eventType string, payload map[string]any) int64 {
	if j == nil {
		return 0
	}
	var parent *int64
	if id, ok := ParentFrom(ctx); ok {
		parent = &id
	}
	id, err := LogEvent(j.db, parent, eventType, payload)
	if err != nil {
		j.log.Warn("journal write failed", zap.String("event_type", eventType), zap.Error(err))
		return 0
	}
	return id
}

// RecordUpdate remembers a consumed update id. Without a journal every
// update counts as new.
func (j *Journal) RecordUpdate(updateID, chatID, messageDate int64) (bool, error) {
	if j == nil {
		return true, nil
	}
	return RecordUpdate(j.db, updateID, chatID, messageDate)
}

// Offset returns the polling offset that follows the last recorded update,
// or 0 when nothing was recorded or the journal is disabled.
func (j *Journal) Offset() (int64, error) {
	if j == nil {
		return 0, nil
	}
	return DeriveOffset(j.db)
}
