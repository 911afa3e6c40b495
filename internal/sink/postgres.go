package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call and conversation records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_logs (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL UNIQUE,
			phone_number TEXT NOT NULL,
			caller_name TEXT,
			initiated_at TIMESTAMPTZ NOT NULL,
			connected_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			duration_seconds BIGINT,
			status TEXT NOT NULL DEFAULT 'initiated',
			direction TEXT NOT NULL DEFAULT 'outbound',
			stream_sid TEXT,
			ai_voice TEXT,
			system_message TEXT,
			total_ai_responses INTEGER NOT NULL DEFAULT 0,
			total_user_inputs INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			error_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_phone_initiated ON call_logs (phone_number, initiated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_status_initiated ON call_logs (status, initiated_at);`,
		`CREATE TABLE IF NOT EXISTS conversation_logs (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL REFERENCES call_logs(id),
			timestamp TIMESTAMPTZ NOT NULL,
			speaker TEXT NOT NULL,
			message_type TEXT NOT NULL,
			text_content TEXT,
			openai_response_type TEXT,
			openai_response_id TEXT,
			message_metadata JSONB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_logs_call_timestamp ON conversation_logs (call_id, timestamp);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateCallLog(ctx context.Context, setup CallSetup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_logs (id, call_sid, phone_number, caller_name, initiated_at, status, direction, ai_voice, system_message)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, 'initiated', $6, $7, $8)
		 ON CONFLICT (call_sid) DO NOTHING`,
		uuid.NewString(),
		setup.CallID,
		setup.PhoneNumber,
		setup.CallerName,
		time.Now().UTC(),
		setup.Direction,
		setup.Voice,
		setup.Instructions,
	)
	if err != nil {
		return fmt.Errorf("create call log: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordCallConnected(ctx context.Context, callID, streamID string) error {
	now := time.Now().UTC()
	// Inbound calls can reach the media stream without a prior webhook log;
	// insert a minimal row in that case.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_logs (id, call_sid, phone_number, initiated_at, connected_at, status, direction, stream_sid)
		 VALUES ($1, $2, 'unknown', $3, $3, 'connected', 'inbound', $4)
		 ON CONFLICT (call_sid) DO UPDATE
		 SET status = 'connected', connected_at = EXCLUDED.connected_at, stream_sid = EXCLUDED.stream_sid`,
		uuid.NewString(),
		callID,
		now,
		streamID,
	)
	if err != nil {
		return fmt.Errorf("record call connected: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordCallEnded(ctx context.Context, callID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_logs SET ended_at = $2 WHERE call_sid = $1`,
		callID,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record call ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (s *PostgresStore) RecordMessage(ctx context.Context, callID string, msg Message) error {
	var rowID string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM call_logs WHERE call_sid = $1`,
		callID,
	).Scan(&rowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCallNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup call log: %w", err)
	}

	var metadata []byte
	if len(msg.Metadata) > 0 {
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_logs (id, call_id, timestamp, speaker, message_type, text_content, openai_response_type, openai_response_id, message_metadata)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		uuid.NewString(),
		rowID,
		time.Now().UTC(),
		string(msg.Speaker),
		string(msg.Kind),
		msg.Text,
		msg.ResponseType,
		msg.ResponseID,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("insert conversation log: %w", err)
	}

	switch msg.Speaker {
	case SpeakerAI:
		_, err = s.pool.Exec(ctx,
			`UPDATE call_logs SET total_ai_responses = total_ai_responses + 1 WHERE id = $1`, rowID)
	case SpeakerUser:
		_, err = s.pool.Exec(ctx,
			`UPDATE call_logs SET total_user_inputs = total_user_inputs + 1 WHERE id = $1`, rowID)
	}
	if err != nil {
		return fmt.Errorf("update call counters: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordCallFinalized(ctx context.Context, callID string, duration time.Duration, knownDuration bool) error {
	var durationSeconds *int64
	if knownDuration {
		secs := int64(duration / time.Second)
		durationSeconds = &secs
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE call_logs
		 SET status = 'completed',
		     ended_at = COALESCE(ended_at, $2),
		     duration_seconds = COALESCE($3, duration_seconds)
		 WHERE call_sid = $1`,
		callID,
		time.Now().UTC(),
		durationSeconds,
	)
	if err != nil {
		return fmt.Errorf("finalize call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (s *PostgresStore) RecordCallFailed(ctx context.Context, callID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_logs
		 SET status = 'failed', error_message = $2, error_count = error_count + 1
		 WHERE call_sid = $1`,
		callID,
		reason,
	)
	if err != nil {
		return fmt.Errorf("record call failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (s *PostgresStore) HasRecentCall(ctx context.Context, phoneNumber string, window time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM call_logs WHERE phone_number = $1 AND initiated_at >= $2
		)`,
		phoneNumber,
		time.Now().UTC().Add(-window),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query recent calls: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CallHistory(ctx context.Context, limit, offset int) ([]CallSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT call_sid, phone_number, COALESCE(caller_name, ''), initiated_at, duration_seconds, status, total_ai_responses, total_user_inputs
		 FROM call_logs ORDER BY initiated_at DESC LIMIT $1 OFFSET $2`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	out := make([]CallSummary, 0, limit)
	for rows.Next() {
		var c CallSummary
		if err := rows.Scan(&c.CallID, &c.PhoneNumber, &c.CallerName, &c.InitiatedAt, &c.DurationSeconds, &c.Status, &c.TotalAIResponses, &c.TotalUserInputs); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CallConversation(ctx context.Context, callID string) (CallSummary, []LoggedMessage, error) {
	var (
		summary CallSummary
		rowID   string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, call_sid, phone_number, COALESCE(caller_name, ''), initiated_at, duration_seconds, status, total_ai_responses, total_user_inputs
		 FROM call_logs WHERE call_sid = $1`,
		callID,
	).Scan(&rowID, &summary.CallID, &summary.PhoneNumber, &summary.CallerName, &summary.InitiatedAt, &summary.DurationSeconds, &summary.Status, &summary.TotalAIResponses, &summary.TotalUserInputs)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallSummary{}, nil, ErrCallNotFound
	}
	if err != nil {
		return CallSummary{}, nil, fmt.Errorf("query call log: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT timestamp, speaker, message_type, COALESCE(text_content, ''), message_metadata
		 FROM conversation_logs WHERE call_id = $1 ORDER BY timestamp`,
		rowID,
	)
	if err != nil {
		return CallSummary{}, nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var msgs []LoggedMessage
	for rows.Next() {
		var (
			m        LoggedMessage
			metadata []byte
		)
		if err := rows.Scan(&m.Timestamp, &m.Speaker, &m.Kind, &m.Text, &metadata); err != nil {
			return CallSummary{}, nil, fmt.Errorf("scan conversation row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return CallSummary{}, nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return CallSummary{}, nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return summary, msgs, nil
}

func (s *PostgresStore) CallAnalytics(ctx context.Context) (Analytics, error) {
	out := Analytics{CallsByStatus: make(map[string]int64)}

	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        COALESCE(avg(duration_seconds) FILTER (WHERE duration_seconds IS NOT NULL), 0),
		        count(*) FILTER (WHERE initiated_at >= $1)
		 FROM call_logs`,
		time.Now().UTC().Add(-24*time.Hour),
	).Scan(&out.TotalCalls, &out.AverageDurationSeconds, &out.RecentCalls24h)
	if err != nil {
		return Analytics{}, fmt.Errorf("query analytics totals: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM call_logs GROUP BY status`)
	if err != nil {
		return Analytics{}, fmt.Errorf("query calls by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Analytics{}, fmt.Errorf("scan status row: %w", err)
		}
		out.CallsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return Analytics{}, fmt.Errorf("iterate status rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
