package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crss-project/crss/internal/events"
)

// HistoryDatabase keeps a rolling log of connection lifecycle events per
// game server.
type HistoryDatabase struct {
	db *Database
}

// HistoryEntry is one recorded lifecycle event.
type HistoryEntry struct {
	ID       int64     `json:"id"`
	ServerID string    `json:"server_id"`
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Session  string    `json:"session,omitempty"`
	At       time.Time `json:"at"`
}

// NewHistoryDatabase opens the database at dbPath. NewDatabase migrates the
// schema.
func NewHistoryDatabase(dbPath string) (*HistoryDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	return &HistoryDatabase{db: database}, nil
}

// Close closes the underlying database.
func (hdb *HistoryDatabase) Close() error {
	return hdb.db.Close()
}

// Record stores a single entry. A zero At is stamped with the current time.
func (hdb *HistoryDatabase) Record(entry HistoryEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	_, err := hdb.db.Exec(
		"INSERT INTO connection_events (server_id, type, reason, detail, session, at) VALUES (?, ?, ?, ?, ?, ?)",
		entry.ServerID, entry.Type, entry.Reason, entry.Detail, entry.Session, entry.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for serverID, newest first.
func (hdb *HistoryDatabase) Recent(serverID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := hdb.db.Query(`
		SELECT id, server_id, type, reason, detail, session, at
		FROM connection_events
		WHERE server_id = ?
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var e HistoryEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.ServerID, &e.Type, &e.Reason, &e.Detail, &e.Session, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (hdb *HistoryDatabase) Prune(cutoff time.Time) (int64, error) {
	res, err := hdb.db.Exec("DELETE FROM connection_events WHERE at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("pruned connection history")
	}
	return n, nil
}

// Attach subscribes the store to the lifecycle events on bus.
func (hdb *HistoryDatabase) Attach(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventServerConnected,
		events.EventServerDisconnected,
		events.EventServerVersion,
		events.EventServerError,
	} {
		bus.Subscribe(t, "history", hdb.handleEvent)
	}
}

func (hdb *HistoryDatabase) handleEvent(_ context.Context, ev events.Event) error {
	entry, ok := entryFromEvent(ev)
	if !ok {
		return nil
	}
	return hdb.Record(entry)
}

func entryFromEvent(ev events.Event) (HistoryEntry, bool) {
	entry := HistoryEntry{Type: string(ev.Type), At: ev.Timestamp}

	switch p := ev.Payload.(type) {
	case events.ConnectionPayload:
		entry.ServerID = p.ServerID
		entry.Detail = p.Address
		entry.Session = p.Session
	case events.DisconnectPayload:
		entry.ServerID = p.ServerID
		entry.Reason = string(p.Reason)
		entry.Detail = p.Error
		entry.Session = p.Session
	case events.VersionPayload:
		entry.ServerID = p.ServerID
		entry.Detail = p.Version
	case events.ErrorPayload:
		entry.ServerID = p.ServerID
		entry.Detail = p.Message
	default:
		return HistoryEntry{}, false
	}
	return entry, true
}
