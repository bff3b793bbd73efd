package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JournalEntry is a persisted event
type JournalEntry struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

// Journal records every bus event into the event_journal table (ledger.db).
// Rows are append-only and form the vault's audit trail.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewJournal creates a journal over the ledger database
func NewJournal(db *sql.DB, log zerolog.Logger) *Journal {
	return &Journal{
		db:  db,
		log: log.With().Str("repo", "event_journal").Logger(),
	}
}

// Attach subscribes the journal to every event on bus.
func (j *Journal) Attach(bus *Bus) SubscriptionID {
	return bus.SubscribeAll(func(event *Event) {
		if _, err := j.Record(event); err != nil {
			j.log.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to journal event")
		}
	})
}

// Record persists a single event and returns its generated ID
func (j *Journal) Record(event *Event) (string, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event data: %w", err)
	}

	id := uuid.New().String()
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = j.db.Exec(`
		INSERT INTO event_journal (id, event_type, module, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(event.Type), event.Module, string(payload), ts.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return id, nil
}

// Recent returns the newest entries first, optionally filtered by type
func (j *Journal) Recent(eventType EventType, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, module, data, created_at FROM event_journal`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			entry   JournalEntry
			typ     string
			payload string
			created int64
		)
		if err := rows.Scan(&entry.ID, &typ, &entry.Module, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.Type = EventType(typ)
		entry.CreatedAt = time.Unix(0, created).UTC()
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &entry.Data); err != nil {
				return nil, fmt.Errorf("failed to decode journal entry %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns the number of journal entries of the given type
func (j *Journal) Count(eventType EventType) (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM event_journal WHERE event_type = ?`, string(eventType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count journal entries: %w", err)
	}
	return n, nil
}
