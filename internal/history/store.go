package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// ErrDeviceRequired is returned when a query or record has no device ID.
var ErrDeviceRequired = errors.New("device id is required")

// Entry is one recorded value.
type Entry struct {
	ID             int64     `json:"id"`
	DeviceID       string    `json:"device_id"`
	Characteristic string    `json:"characteristic"`
	Value          any       `json:"value"`
	Raw            string    `json:"raw"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store reads and writes value history.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordValue stores one published value. The value is kept as JSON and
// the raw characteristic bytes as lower-case hex.
func (s *Store) RecordValue(ctx context.Context, ev session.ValueEvent) error {
	if ev.DeviceID == "" {
		return ErrDeviceRequired
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	valueJSON, err := json.Marshal(ev.Value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO value_history (device_id, characteristic, value, raw, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.DeviceID,
		ev.Characteristic,
		string(valueJSON),
		hex.EncodeToString(ev.Raw),
		ev.Source,
		ts.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting value history: %w", err)
	}
	return nil
}

// GetHistory returns a device's recent values, newest first. An empty
// characteristic matches all of them. limit defaults to 50 and is capped
// at 1000.
func (s *Store) GetHistory(ctx context.Context, deviceID, characteristic string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT id, device_id, characteristic, value, raw, source, created_at
		FROM value_history WHERE device_id = ?`
	args := []any{deviceID}
	if characteristic != "" {
		query += " AND characteristic = ?"
		args = append(args, characteristic)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying value history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, min(limit, defaultLimit))
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating value history: %w", err)
	}
	return entries, nil
}

// LastValues returns the newest entry per characteristic of a device,
// keyed by characteristic name.
func (s *Store) LastValues(ctx context.Context, deviceID string) (map[string]Entry, error) {
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT h.id, h.device_id, h.characteristic, h.value, h.raw, h.source, h.created_at
		 FROM value_history h
		 WHERE h.device_id = ?
		   AND h.id = (
		     SELECT id FROM value_history
		     WHERE device_id = h.device_id AND characteristic = h.characteristic
		     ORDER BY created_at DESC, id DESC LIMIT 1
		   )`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying last values: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out[e.Characteristic] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating last values: %w", err)
	}
	return out, nil
}

// Prune deletes entries recorded before the cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM value_history WHERE created_at < ?",
		before.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting value history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e         Entry
		valueJSON sql.NullString
		createdMs int64
	)
	if err := r.Scan(&e.ID, &e.DeviceID, &e.Characteristic, &valueJSON, &e.Raw, &e.Source, &createdMs); err != nil {
		return Entry{}, fmt.Errorf("scanning value history: %w", err)
	}
	if valueJSON.Valid && valueJSON.String != "" {
		if err := json.Unmarshal([]byte(valueJSON.String), &e.Value); err != nil {
			return Entry{}, fmt.Errorf("unmarshalling value: %w", err)
		}
	}
	e.CreatedAt = time.UnixMilli(createdMs).UTC()
	return e, nil
}
