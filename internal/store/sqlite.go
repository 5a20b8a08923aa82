package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avaliev/tgbridge/internal/domain"
	"github.com/avaliev/tgbridge/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_id INTEGER NOT NULL,
		phase TEXT NOT NULL,
		phone TEXT,
		user_id INTEGER,
		credential_ref TEXT,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_phase ON sessions(phase, last_activity_at);

	CREATE TABLE IF NOT EXISTS events (
		dedup_key TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		chat_id INTEGER NOT NULL DEFAULT 0,
		message_json TEXT,
		metadata_json TEXT,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, received_at);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id, received_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put creates or updates a session record.
func (s *SQLiteStore) Put(ctx context.Context, record *domain.SessionRecord) error {
	metadata, err := marshalMeta(record.Metadata)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	query := `
	INSERT INTO sessions (session_id, agent_id, phase, phone, user_id,
		credential_ref, metadata_json, created_at, last_activity_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		agent_id = excluded.agent_id,
		phase = excluded.phase,
		phone = excluded.phone,
		user_id = excluded.user_id,
		credential_ref = excluded.credential_ref,
		metadata_json = excluded.metadata_json,
		last_activity_at = excluded.last_activity_at`

	err = s.withBusyRetry(ctx, "upsert session", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			record.SessionID, record.AgentID, string(record.Phase),
			nullable(record.Phone), record.UserID, nullable(record.CredentialRef),
			metadata, record.CreatedAt.Unix(), record.LastActivityAt.Unix(),
		)
		return execErr
	})
	if err != nil {
		return storageErr("upsert session", err)
	}
	return nil
}

// Get retrieves a session record by session ID.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT session_id, agent_id, phase, phone, user_id,
		       credential_ref, metadata_json, created_at, last_activity_at
		FROM sessions WHERE session_id = ?`

	record, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return record, nil
}

// ListActive retrieves all sessions that have not reached the expired phase.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	query := `
		SELECT session_id, agent_id, phase, phone, user_id,
		       credential_ref, metadata_json, created_at, last_activity_at
		FROM sessions WHERE phase != ?`

	rows, err := s.db.QueryContext(ctx, query, string(domain.PhaseExpired))
	if err != nil {
		return nil, storageErr("query active sessions", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close active session rows", "error", closeErr)
		}
	}()

	var records []*domain.SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("scan active session row", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate active sessions", err)
	}

	return records, nil
}

// Delete removes a session record. Deleting an absent record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	err := s.withBusyRetry(ctx, "delete session", func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return execErr
	})
	if err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

// DeleteExpiredBefore removes expired sessions whose last activity is older
// than cutoff, together with their event log.
func (s *SQLiteStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	threshold := cutoff.Unix()

	var removed int64
	err := s.withBusyRetry(ctx, "purge expired sessions", func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE session_id IN (
				SELECT session_id FROM sessions WHERE phase = ? AND last_activity_at < ?)`,
			string(domain.PhaseExpired), threshold,
		); err != nil {
			return err
		}

		result, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE phase = ? AND last_activity_at < ?`,
			string(domain.PhaseExpired), threshold,
		)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storageErr("purge expired sessions", err)
	}
	return removed, nil
}

// SaveEvent appends a delivered event to the log. Duplicate dedup keys are
// ignored so redelivery cannot double-log.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *domain.InboundEvent) error {
	var message interface{}
	if event.Message != nil {
		b, err := json.Marshal(event.Message)
		if err != nil {
			return fmt.Errorf("encode event message: %w", err)
		}
		message = string(b)
	}
	metadata, err := marshalMeta(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	var chatID int64
	if event.Message != nil {
		chatID = event.Message.Chat.ID
	}

	query := `
	INSERT INTO events (dedup_key, event_id, session_id, agent_id,
		event_type, chat_id, message_json, metadata_json, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(dedup_key) DO NOTHING`

	err = s.withBusyRetry(ctx, "save event", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			event.DedupKey(), event.EventID, event.SessionID, event.AgentID,
			string(event.Type), chatID, message, metadata, event.ReceivedAt.Unix(),
		)
		return execErr
	})
	if err != nil {
		return storageErr("save event", err)
	}
	return nil
}

// ListEvents retrieves delivered events for a session, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]*domain.InboundEvent, error) {
	query := `
		SELECT event_id, session_id, agent_id, event_type,
		       message_json, metadata_json, received_at
		FROM events WHERE session_id = ?
		ORDER BY received_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	return s.queryEvents(ctx, "query events", query, sessionID, clampLimit(limit), clampOffset(offset))
}

// ListMessages retrieves delivered message events for a session, newest
// first. Lifecycle notices are excluded; a non-zero chatID restricts the
// result to one chat.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, chatID int64, limit, offset int) ([]*domain.InboundEvent, error) {
	query := `
		SELECT event_id, session_id, agent_id, event_type,
		       message_json, metadata_json, received_at
		FROM events WHERE session_id = ? AND event_type IN (?, ?)`
	args := []interface{}{sessionID, string(domain.EventNewMessage), string(domain.EventMessageEdited)}
	if chatID != 0 {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	query += `
		ORDER BY received_at DESC, rowid DESC
		LIMIT ? OFFSET ?`
	args = append(args, clampLimit(limit), clampOffset(offset))

	return s.queryEvents(ctx, "query messages", query, args...)
}

// AgentStats aggregates stored message events for one agent across all of
// its sessions: the message total, the distinct chat count, and the size
// of the most recent batch of up to ten messages.
func (s *SQLiteStore) AgentStats(ctx context.Context, agentID int64) (*domain.AgentStats, error) {
	stats := &domain.AgentStats{AgentID: agentID}

	totals := `
		SELECT COUNT(*), COUNT(DISTINCT chat_id)
		FROM events
		WHERE agent_id = ? AND event_type IN (?, ?)`
	err := s.db.QueryRowContext(ctx, totals, agentID,
		string(domain.EventNewMessage), string(domain.EventMessageEdited),
	).Scan(&stats.TotalMessages, &stats.UniqueChats)
	if err != nil {
		return nil, storageErr("aggregate agent stats", err)
	}

	recent := `
		SELECT COUNT(*) FROM (
			SELECT rowid FROM events
			WHERE agent_id = ? AND event_type IN (?, ?)
			ORDER BY received_at DESC, rowid DESC
			LIMIT 10)`
	err = s.db.QueryRowContext(ctx, recent, agentID,
		string(domain.EventNewMessage), string(domain.EventMessageEdited),
	).Scan(&stats.RecentMessages)
	if err != nil {
		return nil, storageErr("count recent agent messages", err)
	}

	return stats, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, op, query string, args ...interface{}) ([]*domain.InboundEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close event rows", "error", closeErr)
		}
	}()

	var events []*domain.InboundEvent
	for rows.Next() {
		var event domain.InboundEvent
		var eventType string
		var message, metadata sql.NullString
		var receivedAt int64

		if err := rows.Scan(
			&event.EventID, &event.SessionID, &event.AgentID, &eventType,
			&message, &metadata, &receivedAt,
		); err != nil {
			return nil, storageErr("scan event row", err)
		}

		event.Type = domain.EventType(eventType)
		event.ReceivedAt = time.Unix(receivedAt, 0)
		if message.Valid && message.String != "" {
			if err := json.Unmarshal([]byte(message.String), &event.Message); err != nil {
				return nil, storageErr("decode event message", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, storageErr("decode event metadata", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	return events, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry retries fn when SQLite reports the database busy or locked.
// The registry, supervisor and dispatcher write concurrently, so short lock
// contention is expected even under WAL.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("Database busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		if sleepErr := shared.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var record domain.SessionRecord
	var phase string
	var phone, credentialRef, metadata sql.NullString
	var userID sql.NullInt64
	var createdAt, lastActivity int64

	if err := row.Scan(
		&record.SessionID, &record.AgentID, &phase, &phone, &userID,
		&credentialRef, &metadata, &createdAt, &lastActivity,
	); err != nil {
		return nil, err
	}

	record.Phase = domain.Phase(phase)
	record.Phone = phone.String
	record.UserID = userID.Int64
	record.CredentialRef = credentialRef.String
	record.CreatedAt = time.Unix(createdAt, 0)
	record.LastActivityAt = time.Unix(lastActivity, 0)

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &record.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}

	return &record, nil
}

func marshalMeta(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
