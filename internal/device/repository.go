package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository persists device snapshots. It is advisory: the gateway runs
// from the bus and the protocol agent, and only uses the store to restore
// devices after a restart.
type Repository interface {
	// Upsert inserts or replaces a snapshot. Returns true if a row was written.
	Upsert(ctx context.Context, snapshot Snapshot) (bool, error)

	// GetAll returns every stored snapshot keyed by device id.
	GetAll(ctx context.Context) (map[string]Snapshot, error)

	// Delete removes the snapshot's row. Deleting an unknown device is not an error.
	Delete(ctx context.Context, snapshot Snapshot) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Upsert inserts or replaces a snapshot.
func (r *SQLiteRepository) Upsert(ctx context.Context, snapshot Snapshot) (bool, error) {
	if snapshot.DeviceID == "" {
		return false, fmt.Errorf("%w: snapshot without device id", ErrMalformedMessage)
	}

	attributesJSON, err := json.Marshal(snapshot.Attributes)
	if err != nil {
		return false, fmt.Errorf("marshalling attributes: %w", err)
	}

	query := `
		INSERT INTO devices (
			device_id, local_key, address, protocol, topic_config,
			attributes, pref_status_cmd, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			local_key = excluded.local_key,
			address = excluded.address,
			protocol = excluded.protocol,
			topic_config = excluded.topic_config,
			attributes = excluded.attributes,
			pref_status_cmd = excluded.pref_status_cmd,
			updated_at = excluded.updated_at`

	result, err := r.db.ExecContext(ctx, query,
		snapshot.DeviceID,
		snapshot.LocalKey,
		snapshot.Address,
		NormalizeProtocol(snapshot.Protocol),
		boolToInt(snapshot.TopicConfig),
		string(attributesJSON),
		snapshot.PollCommand,
		r.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("upserting device: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetAll returns every stored snapshot keyed by device id.
func (r *SQLiteRepository) GetAll(ctx context.Context) (map[string]Snapshot, error) {
	query := `
		SELECT device_id, local_key, address, protocol, topic_config,
			attributes, pref_status_cmd
		FROM devices
		ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	snapshots := make(map[string]Snapshot)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots[snapshot.DeviceID] = snapshot
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return snapshots, nil
}

// Delete removes the snapshot's row.
func (r *SQLiteRepository) Delete(ctx context.Context, snapshot Snapshot) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE device_id = ?", snapshot.DeviceID); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return nil
}

func scanSnapshot(rows *sql.Rows) (Snapshot, error) {
	var s Snapshot
	var topicConfig int
	var attributesJSON string

	if err := rows.Scan(
		&s.DeviceID,
		&s.LocalKey,
		&s.Address,
		&s.Protocol,
		&topicConfig,
		&attributesJSON,
		&s.PollCommand,
	); err != nil {
		return Snapshot{}, fmt.Errorf("scanning device: %w", err)
	}

	s.TopicConfig = topicConfig != 0
	if err := json.Unmarshal([]byte(attributesJSON), &s.Attributes); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshalling attributes of %s: %w", s.DeviceID, err)
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
