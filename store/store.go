// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/parley-dev/parley/activity"
	"github.com/parley-dev/parley/lib/clock"
	"github.com/parley-dev/parley/lib/codec"
	"github.com/parley-dev/parley/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    tenant_key  TEXT NOT NULL,
    thread_id   TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    mode        TEXT NOT NULL DEFAULT '',
    model       TEXT NOT NULL DEFAULT '',
    working_dir TEXT NOT NULL DEFAULT '',
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (tenant_key, thread_id)
);

CREATE TABLE IF NOT EXISTS messages (
    tenant_key TEXT NOT NULL,
    thread_id  TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    message_id TEXT NOT NULL,
    PRIMARY KEY (tenant_key, thread_id, seq)
);

CREATE TABLE IF NOT EXISTS usage (
    tenant_key    TEXT NOT NULL,
    thread_id     TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    input_tokens  INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    duration_ms   INTEGER NOT NULL,
    recorded_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_conversation
    ON usage (tenant_key, thread_id);

CREATE TABLE IF NOT EXISTS transcripts (
    tenant_key  TEXT NOT NULL,
    thread_id   TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    archived_at INTEGER NOT NULL,
    entry_count INTEGER NOT NULL,
    payload     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS transcripts_conversation
    ON transcripts (tenant_key, thread_id, archived_at);
`

// SessionRecord maps a conversation to its backend session and the
// session's durable settings.
type SessionRecord struct {
	Key        activity.Key
	SessionID  string
	Mode       string
	Model      string
	WorkingDir string
	UpdatedAt  time.Time
}

// UsageRecord is one turn's resource accounting.
type UsageRecord struct {
	Key          activity.Key
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
	RecordedAt   time.Time
}

// UsageTotals is the lifetime aggregate for one conversation.
type UsageTotals struct {
	Turns        int64
	InputTokens  int64
	OutputTokens int64
}

// Transcript is one archived turn.
type Transcript struct {
	Key        activity.Key
	SessionID  string
	ArchivedAt time.Time
	Entries    []activity.Entry
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection pool size. Zero means the sqlitepool
	// default.
	PoolSize int

	// Clock timestamps writes whose records carry no time. Nil means
	// the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means slog.Default.
	Logger *slog.Logger
}

// Store is the bridge's SQLite persistence layer. Safe for concurrent
// use.
type Store struct {
	pool    *sqlitepool.Pool
	clock   clock.Clock
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens the database, creating the schema if needed.
func Open(config Config) (*Store, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Logger:   config.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: zstd decoder: %w", err)
	}

	return &Store{
		pool:    pool,
		clock:   config.Clock,
		logger:  config.Logger,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Close releases the connection pool and compression state.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.pool.Close()
}

// SaveSession upserts the conversation's session mapping.
func (s *Store) SaveSession(ctx context.Context, record SessionRecord) error {
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.clock.Now()
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (tenant_key, thread_id, session_id, mode, model, working_dir, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_key, thread_id) DO UPDATE SET
			session_id = excluded.session_id,
			mode = excluded.mode,
			model = excluded.model,
			working_dir = excluded.working_dir,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{
			record.Key.TenantKey,
			record.Key.ThreadID,
			record.SessionID,
			record.Mode,
			record.Model,
			record.WorkingDir,
			updatedAt.UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", record.Key, err)
	}
	return nil
}

// LookupSession returns the conversation's session mapping, reporting
// whether one exists.
func (s *Store) LookupSession(ctx context.Context, key activity.Key) (SessionRecord, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("store: lookup session: %w", err)
	}
	defer s.pool.Put(conn)

	record := SessionRecord{Key: key}
	found := false
	err = sqlitex.Execute(conn, `
		SELECT session_id, mode, model, working_dir, updated_at
		FROM sessions WHERE tenant_key = ? AND thread_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.TenantKey, key.ThreadID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				record.SessionID = stmt.ColumnText(0)
				record.Mode = stmt.ColumnText(1)
				record.Model = stmt.ColumnText(2)
				record.WorkingDir = stmt.ColumnText(3)
				record.UpdatedAt = time.UnixMilli(stmt.ColumnInt64(4))
				return nil
			},
		})
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("store: lookup session %s: %w", key, err)
	}
	return record, found, nil
}

// DeleteSession removes the conversation's session mapping. Deleting a
// missing mapping is not an error.
func (s *Store) DeleteSession(ctx context.Context, key activity.Key) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM sessions WHERE tenant_key = ? AND thread_id = ?`,
		&sqlitex.ExecOptions{Args: []any{key.TenantKey, key.ThreadID}})
	if err != nil {
		return fmt.Errorf("store: delete session %s: %w", key, err)
	}
	return nil
}

// SessionsForTenant returns every stored session under the tenant key,
// threads included.
func (s *Store) SessionsForTenant(ctx context.Context, tenantKey string) ([]SessionRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: tenant sessions: %w", err)
	}
	defer s.pool.Put(conn)

	var records []SessionRecord
	err = sqlitex.Execute(conn, `
		SELECT thread_id, session_id, mode, model, working_dir, updated_at
		FROM sessions WHERE tenant_key = ? ORDER BY thread_id`,
		&sqlitex.ExecOptions{
			Args: []any{tenantKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, SessionRecord{
					Key:        activity.Key{TenantKey: tenantKey, ThreadID: stmt.ColumnText(0)},
					SessionID:  stmt.ColumnText(1),
					Mode:       stmt.ColumnText(2),
					Model:      stmt.ColumnText(3),
					WorkingDir: stmt.ColumnText(4),
					UpdatedAt:  time.UnixMilli(stmt.ColumnInt64(5)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: tenant sessions %s: %w", tenantKey, err)
	}
	return records, nil
}

// DeleteTenantSessions removes every session row stored under the
// tenant key, threads included. Used when a channel is released.
func (s *Store) DeleteTenantSessions(ctx context.Context, tenantKey string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete tenant sessions: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM sessions WHERE tenant_key = ?`,
		&sqlitex.ExecOptions{Args: []any{tenantKey}})
	if err != nil {
		return fmt.Errorf("store: delete tenant sessions %s: %w", tenantKey, err)
	}
	return nil
}

// RecordMessageIDs replaces the conversation's surface message list,
// oldest first.
func (s *Store) RecordMessageIDs(ctx context.Context, key activity.Key, messageIDs []string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: record messages: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: record messages %s: %w", key, err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`DELETE FROM messages WHERE tenant_key = ? AND thread_id = ?`,
		&sqlitex.ExecOptions{Args: []any{key.TenantKey, key.ThreadID}})
	if err != nil {
		return fmt.Errorf("store: record messages %s: %w", key, err)
	}
	for seq, messageID := range messageIDs {
		err = sqlitex.Execute(conn, `
			INSERT INTO messages (tenant_key, thread_id, seq, message_id)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{key.TenantKey, key.ThreadID, seq, messageID}})
		if err != nil {
			return fmt.Errorf("store: record messages %s: %w", key, err)
		}
	}
	return nil
}

// MessageIDs returns the conversation's surface messages, oldest
// first.
func (s *Store) MessageIDs(ctx context.Context, key activity.Key) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: message ids: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, `
		SELECT message_id FROM messages
		WHERE tenant_key = ? AND thread_id = ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{key.TenantKey, key.ThreadID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: message ids %s: %w", key, err)
	}
	return ids, nil
}

// RecordUsage appends one turn's usage row.
func (s *Store) RecordUsage(ctx context.Context, record UsageRecord) error {
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.clock.Now()
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO usage (tenant_key, thread_id, session_id, input_tokens, output_tokens, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			record.Key.TenantKey,
			record.Key.ThreadID,
			record.SessionID,
			record.InputTokens,
			record.OutputTokens,
			record.Duration.Milliseconds(),
			recordedAt.UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("store: record usage %s: %w", record.Key, err)
	}
	return nil
}

// Usage returns the conversation's lifetime usage totals.
func (s *Store) Usage(ctx context.Context, key activity.Key) (UsageTotals, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("store: usage: %w", err)
	}
	defer s.pool.Put(conn)

	var totals UsageTotals
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage WHERE tenant_key = ? AND thread_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.TenantKey, key.ThreadID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				totals.Turns = stmt.ColumnInt64(0)
				totals.InputTokens = stmt.ColumnInt64(1)
				totals.OutputTokens = stmt.ColumnInt64(2)
				return nil
			},
		})
	if err != nil {
		return UsageTotals{}, fmt.Errorf("store: usage %s: %w", key, err)
	}
	return totals, nil
}

// ArchiveTranscript stores one finished turn's activity log as a
// compressed CBOR blob.
func (s *Store) ArchiveTranscript(ctx context.Context, key activity.Key, sessionID string, entries []activity.Entry) error {
	raw, err := codec.Marshal(entries)
	if err != nil {
		return fmt.Errorf("store: encoding transcript %s: %w", key, err)
	}
	payload := s.encoder.EncodeAll(raw, nil)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: archive transcript: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO transcripts (tenant_key, thread_id, session_id, archived_at, entry_count, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			key.TenantKey,
			key.ThreadID,
			sessionID,
			s.clock.Now().UnixMilli(),
			len(entries),
			payload,
		}})
	if err != nil {
		return fmt.Errorf("store: archive transcript %s: %w", key, err)
	}
	s.logger.Debug("transcript archived",
		"conversation", key.String(),
		"entries", len(entries),
		"compressed_bytes", len(payload),
	)
	return nil
}

// LatestTranscript returns the conversation's newest archived turn,
// reporting whether one exists.
func (s *Store) LatestTranscript(ctx context.Context, key activity.Key) (Transcript, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Transcript{}, false, fmt.Errorf("store: latest transcript: %w", err)
	}
	defer s.pool.Put(conn)

	var payload []byte
	transcript := Transcript{Key: key}
	found := false
	err = sqlitex.Execute(conn, `
		SELECT session_id, archived_at, payload FROM transcripts
		WHERE tenant_key = ? AND thread_id = ?
		ORDER BY archived_at DESC, rowid DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{key.TenantKey, key.ThreadID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				transcript.SessionID = stmt.ColumnText(0)
				transcript.ArchivedAt = time.UnixMilli(stmt.ColumnInt64(1))
				payload = make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, payload)
				return nil
			},
		})
	if err != nil {
		return Transcript{}, false, fmt.Errorf("store: latest transcript %s: %w", key, err)
	}
	if !found {
		return Transcript{}, false, nil
	}

	raw, err := s.decoder.DecodeAll(payload, nil)
	if err != nil {
		return Transcript{}, false, fmt.Errorf("store: decompressing transcript %s: %w", key, err)
	}
	if err := codec.Unmarshal(raw, &transcript.Entries); err != nil {
		return Transcript{}, false, fmt.Errorf("store: decoding transcript %s: %w", key, err)
	}
	return transcript, true, nil
}
