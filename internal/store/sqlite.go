package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/roundtable-ai/orchestrator/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			web_search_enabled INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			participant_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_thread ON participants(thread_id, priority)`,
		`CREATE TABLE IF NOT EXISTS round_rosters (
			thread_id TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			participants TEXT NOT NULL,
			PRIMARY KEY (thread_id, round_number),
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			positional_id TEXT NOT NULL DEFAULT '',
			participant_index INTEGER NOT NULL DEFAULT 0,
			participant_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			part_state TEXT NOT NULL DEFAULT '',
			finish_reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_round ON messages(thread_id, round_number, created_at)`,
		`CREATE TABLE IF NOT EXISTS presearch_records (
			thread_id TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			query TEXT NOT NULL DEFAULT '',
			results TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, round_number),
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS analysis_records (
			thread_id TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, round_number),
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS feedback_records (
			thread_id TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			vote TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, round_number),
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS round_markers (
			thread_id TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			presearch_triggered INTEGER NOT NULL DEFAULT 0,
			synthesis_created INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (thread_id, round_number),
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateThread inserts a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *domain.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, title, mode, web_search_enabled, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ThreadID, thread.Title, thread.Mode, thread.WebSearchEnabled, thread.Status, thread.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

// GetThread returns a thread by id, nil when absent.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, title, mode, web_search_enabled, status, created_at
		 FROM threads WHERE thread_id = ?`, threadID)

	var t domain.Thread
	err := row.Scan(&t.ThreadID, &t.Title, &t.Mode, &t.WebSearchEnabled, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

// ReplaceParticipants swaps the thread's participant configuration.
// The edit stages the roster for the next round; in-flight rounds keep
// their saved roster snapshot.
func (s *SQLiteStore) ReplaceParticipants(ctx context.Context, threadID string, participants []domain.Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to clear participants: %w", err)
	}
	for _, p := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (participant_id, thread_id, model_id, role, enabled, priority)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p.ParticipantID, threadID, p.ModelID, p.Role, p.Enabled, p.Priority); err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}
	}
	return tx.Commit()
}

// GetParticipants returns the thread's configured participants in
// priority order.
func (s *SQLiteStore) GetParticipants(ctx context.Context, threadID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id, thread_id, model_id, role, enabled, priority
		 FROM participants WHERE thread_id = ? ORDER BY priority, participant_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ParticipantID, &p.ThreadID, &p.ModelID, &p.Role, &p.Enabled, &p.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveRoundRoster stores the roster snapshot as it was when the round
// started. First write wins.
func (s *SQLiteStore) SaveRoundRoster(ctx context.Context, threadID string, round int, participants []domain.Participant) error {
	data, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("failed to marshal roster: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO round_rosters (thread_id, round_number, participants) VALUES (?, ?, ?)`,
		threadID, round, string(data))
	if err != nil {
		return fmt.Errorf("failed to save round roster: %w", err)
	}
	return nil
}

// GetRoundRoster returns the roster snapshot for a round, nil when the
// round has none.
func (s *SQLiteStore) GetRoundRoster(ctx context.Context, threadID string, round int) ([]domain.Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT participants FROM round_rosters WHERE thread_id = ? AND round_number = ?`, threadID, round)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round roster: %w", err)
	}
	var out []domain.Participant
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roster: %w", err)
	}
	return out, nil
}

// CreateMessage inserts a message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, thread_id, kind, round_number, content, positional_id,
		   participant_index, participant_id, model_id, part_state, finish_reason, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ThreadID, m.Kind, m.RoundNumber, m.Content, m.PositionalID,
		m.ParticipantIndex, m.ParticipantID, m.ModelID, m.PartState, m.FinishReason, m.ErrorText, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// UpdateMessageStream updates a streamed message's content and
// part-state as the transport reports transitions.
func (s *SQLiteStore) UpdateMessageStream(ctx context.Context, messageID, content string, part domain.PartState, reason domain.FinishReason, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, part_state = ?, finish_reason = ?, error = ? WHERE message_id = ?`,
		content, part, reason, errText, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// GetMessages returns the thread's messages ordered by round, then by
// creation time.
func (s *SQLiteStore) GetMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, thread_id, kind, round_number, content, positional_id,
		   participant_index, participant_id, model_id, part_state, finish_reason, error, created_at
		 FROM messages WHERE thread_id = ? ORDER BY round_number, created_at, message_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.MessageID, &m.ThreadID, &m.Kind, &m.RoundNumber, &m.Content, &m.PositionalID,
			&m.ParticipantIndex, &m.ParticipantID, &m.ModelID, &m.PartState, &m.FinishReason, &m.ErrorText, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteRoundAIMessages removes the round's participant and moderator
// messages. The user message and earlier rounds stay untouched.
func (s *SQLiteStore) DeleteRoundAIMessages(ctx context.Context, threadID string, round int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE thread_id = ? AND round_number = ? AND kind IN (?, ?)`,
		threadID, round, domain.MessageKindParticipant, domain.MessageKindModerator)
	if err != nil {
		return fmt.Errorf("failed to delete round messages: %w", err)
	}
	return nil
}

// UpsertPreSearch writes the round's pre-search record.
func (s *SQLiteStore) UpsertPreSearch(ctx context.Context, rec *domain.PreSearchRecord) error {
	var results any
	if rec.Results != nil {
		results = string(rec.Results)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presearch_records (thread_id, round_number, status, query, results, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, round_number) DO UPDATE SET
		   status = excluded.status, results = excluded.results, error = excluded.error, updated_at = excluded.updated_at`,
		rec.ThreadID, rec.RoundNumber, rec.Status, rec.Query, results, rec.ErrorText, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert presearch record: %w", err)
	}
	return nil
}

// GetPreSearchRecords returns the thread's pre-search records.
func (s *SQLiteStore) GetPreSearchRecords(ctx context.Context, threadID string) ([]domain.PreSearchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, round_number, status, query, results, error, created_at, updated_at
		 FROM presearch_records WHERE thread_id = ? ORDER BY round_number`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get presearch records: %w", err)
	}
	defer rows.Close()

	var out []domain.PreSearchRecord
	for rows.Next() {
		var rec domain.PreSearchRecord
		var results sql.NullString
		if err := rows.Scan(&rec.ThreadID, &rec.RoundNumber, &rec.Status, &rec.Query, &results, &rec.ErrorText, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan presearch record: %w", err)
		}
		if results.Valid {
			rec.Results = json.RawMessage(results.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertAnalysis writes the round's analysis record.
func (s *SQLiteStore) UpsertAnalysis(ctx context.Context, rec *domain.AnalysisRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_records (thread_id, round_number, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, round_number) DO UPDATE SET
		   status = excluded.status, error = excluded.error, updated_at = excluded.updated_at`,
		rec.ThreadID, rec.RoundNumber, rec.Status, rec.ErrorText, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis record: %w", err)
	}
	return nil
}

// GetAnalysisRecords returns the thread's analysis records.
func (s *SQLiteStore) GetAnalysisRecords(ctx context.Context, threadID string) ([]domain.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, round_number, status, error, created_at, updated_at
		 FROM analysis_records WHERE thread_id = ? ORDER BY round_number`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis records: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalysisRecord
	for rows.Next() {
		var rec domain.AnalysisRecord
		if err := rows.Scan(&rec.ThreadID, &rec.RoundNumber, &rec.Status, &rec.ErrorText, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteAnalysis removes the round's analysis record.
func (s *SQLiteStore) DeleteAnalysis(ctx context.Context, threadID string, round int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM analysis_records WHERE thread_id = ? AND round_number = ?`, threadID, round)
	if err != nil {
		return fmt.Errorf("failed to delete analysis record: %w", err)
	}
	return nil
}

// SetFeedback writes the round's feedback.
func (s *SQLiteStore) SetFeedback(ctx context.Context, rec *domain.FeedbackRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_records (thread_id, round_number, vote, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(thread_id, round_number) DO UPDATE SET vote = excluded.vote, updated_at = excluded.updated_at`,
		rec.ThreadID, rec.RoundNumber, rec.Vote, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set feedback: %w", err)
	}
	return nil
}

// GetFeedback returns the thread's feedback records.
func (s *SQLiteStore) GetFeedback(ctx context.Context, threadID string) ([]domain.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, round_number, vote, updated_at
		 FROM feedback_records WHERE thread_id = ? ORDER BY round_number`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	defer rows.Close()

	var out []domain.FeedbackRecord
	for rows.Next() {
		var rec domain.FeedbackRecord
		if err := rows.Scan(&rec.ThreadID, &rec.RoundNumber, &rec.Vote, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteFeedback removes the round's feedback.
func (s *SQLiteStore) DeleteFeedback(ctx context.Context, threadID string, round int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM feedback_records WHERE thread_id = ? AND round_number = ?`, threadID, round)
	if err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	return nil
}

// SetRoundMarkers writes the round's idempotency markers.
func (s *SQLiteStore) SetRoundMarkers(ctx context.Context, markers *domain.RoundMarkers) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO round_markers (thread_id, round_number, presearch_triggered, synthesis_created)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(thread_id, round_number) DO UPDATE SET
		   presearch_triggered = excluded.presearch_triggered, synthesis_created = excluded.synthesis_created`,
		markers.ThreadID, markers.RoundNumber, markers.PreSearchTriggered, markers.SynthesisCreated)
	if err != nil {
		return fmt.Errorf("failed to set round markers: %w", err)
	}
	return nil
}

// GetRoundMarkers returns the round's markers; zero-valued when unset.
func (s *SQLiteStore) GetRoundMarkers(ctx context.Context, threadID string, round int) (*domain.RoundMarkers, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, round_number, presearch_triggered, synthesis_created
		 FROM round_markers WHERE thread_id = ? AND round_number = ?`, threadID, round)

	var m domain.RoundMarkers
	err := row.Scan(&m.ThreadID, &m.RoundNumber, &m.PreSearchTriggered, &m.SynthesisCreated)
	if err == sql.ErrNoRows {
		return &domain.RoundMarkers{ThreadID: threadID, RoundNumber: round}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round markers: %w", err)
	}
	return &m, nil
}

// ClearRoundMarkers clears the round's idempotency markers.
func (s *SQLiteStore) ClearRoundMarkers(ctx context.Context, threadID string, round int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM round_markers WHERE thread_id = ? AND round_number = ?`, threadID, round)
	if err != nil {
		return fmt.Errorf("failed to clear round markers: %w", err)
	}
	return nil
}
