package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	command_id     TEXT PRIMARY KEY,
	device_id      TEXT NOT NULL,
	kind           TEXT NOT NULL,
	payload        JSONB,
	state          TEXT NOT NULL,
	protocol       TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	sent_at        TIMESTAMPTZ,
	resolved_at    TIMESTAMPTZ,
	deadline       TIMESTAMPTZ,
	failure_reason TEXT
);
CREATE INDEX IF NOT EXISTS commands_device_idx ON commands (device_id, created_at DESC);
CREATE TABLE IF NOT EXISTS alerts (
	alert_id   TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_device_idx ON alerts (device_id, created_at DESC);
`

// Repository persists command lifecycles and alerts in Postgres.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewRepository(db *sql.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SaveCommand upserts the current state of a command.
func (r *Repository) SaveCommand(ctx context.Context, cmd data.Command) error {
	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := `
		INSERT INTO commands (command_id, device_id, kind, payload, state, protocol,
			created_at, sent_at, resolved_at, deadline, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (command_id) DO UPDATE SET
			state = EXCLUDED.state,
			protocol = EXCLUDED.protocol,
			sent_at = EXCLUDED.sent_at,
			resolved_at = EXCLUDED.resolved_at,
			deadline = EXCLUDED.deadline,
			failure_reason = EXCLUDED.failure_reason
		WHERE commands.state NOT IN ('acknowledged', 'failed', 'timed-out')
	`
	_, err = r.db.ExecContext(ctx, query,
		cmd.ID, cmd.DeviceID, cmd.Kind, payload, string(cmd.State), string(cmd.Protocol),
		cmd.CreatedAt, cmd.SentAt, cmd.ResolvedAt, cmd.Deadline, cmd.FailureReason)
	if err != nil {
		return fmt.Errorf("save command %s: %w", cmd.ID, err)
	}
	return nil
}

// Commands returns a device's persisted commands, newest first.
func (r *Repository) Commands(ctx context.Context, deviceID string, limit int) ([]data.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT command_id, device_id, kind, payload, state, protocol,
			created_at, sent_at, resolved_at, deadline, failure_reason
		FROM commands
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []data.Command
	for rows.Next() {
		var (
			cmd                       data.Command
			payload                   []byte
			state, protocol, reason   sql.NullString
			sentAt, resolvedAt, dline sql.NullTime
		)
		if err := rows.Scan(&cmd.ID, &cmd.DeviceID, &cmd.Kind, &payload, &state, &protocol,
			&cmd.CreatedAt, &sentAt, &resolvedAt, &dline, &reason); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cmd.Payload); err != nil {
				r.logger.Warn("Failed to decode command payload", zap.String("command_id", cmd.ID), zap.Error(err))
			}
		}
		cmd.State = data.CommandState(state.String)
		cmd.Protocol = data.Protocol(protocol.String)
		cmd.FailureReason = reason.String
		cmd.SentAt = timePtr(sentAt)
		cmd.ResolvedAt = timePtr(resolvedAt)
		cmd.Deadline = timePtr(dline)
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// SaveAlert inserts an alert; re-inserting the same id is a no-op.
func (r *Repository) SaveAlert(ctx context.Context, alert data.Alert) error {
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	query := `
		INSERT INTO alerts (alert_id, device_id, kind, severity, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (alert_id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		alert.ID, alert.DeviceID, string(alert.Kind), alert.Severity, alert.Message, details, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("save alert %s: %w", alert.ID, err)
	}
	return nil
}

// Name and Send let the repository act as an alert sink.
func (r *Repository) Name() string { return "postgres" }

func (r *Repository) Send(ctx context.Context, alert data.Alert) error {
	return r.SaveAlert(ctx, alert)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
