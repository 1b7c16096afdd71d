package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/barberdesk/whatsapp-connect/internal/state"
	"github.com/barberdesk/whatsapp-connect/internal/status"
)

// SQLiteStore implements the repositories using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	Status *SQLiteStatusRepo
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		Status: &SQLiteStatusRepo{db: db},
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	migration := `
	-- One status record per tenant, JSON payload
	CREATE TABLE IF NOT EXISTS connection_statuses (
		tenant_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Transition audit log
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_tenant ON transitions(tenant_id, timestamp DESC);
	`
	_, err := db.Exec(migration)
	return err
}

// SQLiteStatusRepo implements StatusRepository.
type SQLiteStatusRepo struct {
	db *sql.DB
}

var _ StatusRepository = (*SQLiteStatusRepo)(nil)

// Load returns the persisted status for a tenant. Absent and malformed
// records both come back as ErrNotFound.
func (r *SQLiteStatusRepo) Load(ctx context.Context, tenantID string) (status.ConnectionStatus, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM connection_statuses WHERE tenant_id = ?`, tenantID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return status.ConnectionStatus{}, ErrNotFound
	}
	if err != nil {
		return status.ConnectionStatus{}, fmt.Errorf("load status: %w", err)
	}

	var st status.ConnectionStatus
	if err := json.Unmarshal([]byte(payload), &st); err != nil || !st.State.Valid() {
		return status.ConnectionStatus{}, ErrNotFound
	}
	return st, nil
}

// Save upserts the status record for a tenant.
func (r *SQLiteStatusRepo) Save(ctx context.Context, tenantID string, st status.ConnectionStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO connection_statuses (tenant_id, payload, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP`,
		tenantID, string(payload))
	if err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	return nil
}

// LogTransition appends one transition to the audit log.
func (r *SQLiteStatusRepo) LogTransition(ctx context.Context, tenantID string, from, to state.State, trigger string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transitions (tenant_id, from_state, to_state, trigger)
		VALUES (?, ?, ?, ?)`,
		tenantID, string(from), string(to), trigger)
	if err != nil {
		return fmt.Errorf("log transition: %w", err)
	}
	return nil
}

// Transitions returns the most recent transitions for a tenant, newest first.
func (r *SQLiteStatusRepo) Transitions(ctx context.Context, tenantID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, from_state, to_state, trigger, timestamp
		FROM transitions
		WHERE tenant_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		if err := rows.Scan(&tr.ID, &tr.TenantID, &from, &to, &tr.Trigger, &tr.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.FromState = state.State(from)
		tr.ToState = state.State(to)
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}
