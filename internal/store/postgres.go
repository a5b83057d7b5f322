// Package store provides storage backends for CareBridge.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/CareBridge/CareBridge/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = $1", id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByPhone(phone string) (*models.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE phone_number = $1", phone)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserByPhone failed", "error", err)
		return nil, fmt.Errorf("failed to get user by phone: %w", err)
	}
	return &u, nil
}

const postgresUpsertUser = `INSERT INTO users (` + userColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		phone_number = EXCLUDED.phone_number,
		role = EXCLUDED.role,
		language = EXCLUDED.language,
		experts = EXCLUDED.experts,
		last_activity = EXCLUDED.last_activity,
		rolling_history = EXCLUDED.rolling_history,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) SaveUser(u models.User) error {
	args, err := userArgs(u)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(postgresUpsertUser, args...); err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListUsersByRole(role models.Role) ([]models.User, error) {
	rows, err := s.db.Query("SELECT "+userColumns+" FROM users WHERE role = $1 ORDER BY last_activity DESC NULLS LAST", string(role))
	if err != nil {
		slog.Error("PostgresStore ListUsersByRole query failed", "error", err, "role", role)
		return nil, fmt.Errorf("failed to query users by role: %w", err)
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = $1", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetMessage failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &m, nil
}

const postgresUpsertMessage = `INSERT INTO messages (` + messageColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	ON CONFLICT (id) DO UPDATE SET
		provisional_id = EXCLUDED.provisional_id,
		reply_id = EXCLUDED.reply_id,
		reply_category = EXCLUDED.reply_category,
		reply_snapshot = EXCLUDED.reply_snapshot,
		reply_status = EXCLUDED.reply_status,
		reply_meta = EXCLUDED.reply_meta,
		cross_question_id = EXCLUDED.cross_question_id,
		cross_notice_id = EXCLUDED.cross_notice_id,
		source_question = EXCLUDED.source_question,
		source_answer = EXCLUDED.source_answer,
		verification_status = EXCLUDED.verification_status,
		template_params = EXCLUDED.template_params,
		received_at = EXCLUDED.received_at`

func (s *PostgresStore) SaveMessage(m models.Message) error {
	args, err := messageArgs(m)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(postgresUpsertMessage, args...); err != nil {
		slog.Error("PostgresStore SaveMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to save message %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateVerificationStatus(id string, status models.VerificationStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := postgresUpdateStatusTx(tx, id, status); err != nil {
		return err
	}
	return tx.Commit()
}

func postgresUpdateStatusTx(tx *sql.Tx, id string, status models.VerificationStatus) error {
	var current string
	err := tx.QueryRow("SELECT verification_status FROM messages WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("update status for %s: %w", id, models.ErrUnknownMessage)
	}
	if err != nil {
		return fmt.Errorf("failed to read status for %s: %w", id, err)
	}
	if models.VerificationStatus(current) == status {
		return nil
	}
	if models.VerificationStatus(current).Terminal() {
		return fmt.Errorf("message %s is %s: %w", id, current, models.ErrTerminalStatus)
	}
	if _, err := tx.Exec("UPDATE messages SET verification_status = $1 WHERE id = $2", string(status), id); err != nil {
		return fmt.Errorf("failed to update status for %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SubstituteMessageID(oldID, newID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := postgresSubstituteTx(tx, oldID, newID); err != nil {
		return err
	}
	return tx.Commit()
}

func postgresSubstituteTx(tx *sql.Tx, oldID, newID string) error {
	var exists int
	if err := tx.QueryRow("SELECT COUNT(1) FROM messages WHERE id = $1", newID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("substitute id %s -> %s: %w", oldID, newID, models.ErrDuplicateMessage)
	}
	res, err := tx.Exec("UPDATE messages SET id = $1, provisional_id = $2 WHERE id = $2", newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to substitute message id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("substitute id %s: %w", oldID, models.ErrUnknownMessage)
	}
	if _, err := tx.Exec("UPDATE messages SET reply_id = $1 WHERE reply_id = $2", newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite reply pointers: %w", err)
	}
	if _, err := tx.Exec("UPDATE messages SET cross_question_id = $1 WHERE cross_question_id = $2", newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite cross question pointers: %w", err)
	}
	if _, err := tx.Exec("UPDATE messages SET cross_notice_id = $1 WHERE cross_notice_id = $2", newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite cross notice pointers: %w", err)
	}
	if _, err := tx.Exec("UPDATE consensus SET message_id = $1 WHERE message_id = $2", newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite consensus pointers: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessagesByStatus(statuses []models.VerificationStatus, olderThan time.Time) ([]models.Message, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	for i := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := "SELECT " + messageColumns + " FROM messages WHERE verification_status IN (" +
		strings.Join(placeholders, ", ") + fmt.Sprintf(") AND created_at < $%d ORDER BY created_at", len(statuses)+1)
	args := append(statusValues(statuses), olderThan)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListMessagesByStatus query failed", "error", err)
		return nil, fmt.Errorf("failed to query messages by status: %w", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const postgresUpsertConsensus = `INSERT INTO consensus (` + consensusColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		message_id = EXCLUDED.message_id,
		status = EXCLUDED.status,
		response = EXCLUDED.response,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) SaveConsensus(c models.Consensus) error {
	_, err := s.db.Exec(postgresUpsertConsensus, c.ID, c.QuestionID, c.UserID, c.MessageID,
		string(c.Status), nilIfEmpty(c.Response), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConsensus failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save consensus %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateConsensus(c models.Consensus) error {
	return s.SaveConsensus(c)
}

func (s *PostgresStore) ListConsensusByQuestion(questionID string) ([]models.Consensus, error) {
	rows, err := s.db.Query("SELECT "+consensusColumns+" FROM consensus WHERE question_id = $1 ORDER BY created_at", questionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query consensus by question: %w", err)
	}
	defer rows.Close()
	var out []models.Consensus
	for rows.Next() {
		c, err := scanConsensus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consensus row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListStaleConsensus(olderThan time.Time) ([]models.Consensus, error) {
	rows, err := s.db.Query("SELECT "+consensusColumns+" FROM consensus WHERE status = $1 AND created_at < $2 ORDER BY created_at",
		string(models.ConsensusPending), olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale consensus: %w", err)
	}
	defer rows.Close()
	var out []models.Consensus
	for rows.Next() {
		c, err := scanConsensus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consensus row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EnqueueInbound(channel string, payload []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	id := "q_" + uuid.NewString()
	_, err := s.db.Exec("INSERT INTO inbound_queue (id, channel, payload, attempts, received_at, expires_at) VALUES ($1, $2, $3, 0, $4, $5)",
		id, channel, payload, now, now.Add(ttl))
	if err != nil {
		slog.Error("PostgresStore EnqueueInbound failed", "error", err, "channel", channel)
		return "", fmt.Errorf("failed to enqueue inbound message: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ReceiveInbound(now time.Time, limit int, visibility time.Duration) ([]QueueEntry, error) {
	cutoff := now.Add(-visibility)
	// Claim with SKIP LOCKED so concurrent pollers never double-claim.
	rows, err := s.db.Query(`UPDATE inbound_queue SET locked_at = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM inbound_queue
			WHERE expires_at > $1 AND (locked_at IS NULL OR locked_at <= $2)
			ORDER BY received_at LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns, now, cutoff, limit)
	if err != nil {
		slog.Error("PostgresStore ReceiveInbound failed", "error", err)
		return nil, fmt.Errorf("failed to claim inbound queue entries: %w", err)
	}
	defer rows.Close()
	var entries []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		entries = append(entries, e)
	}
	slog.Debug("PostgresStore ReceiveInbound claimed entries", "count", len(entries))
	return entries, rows.Err()
}

func (s *PostgresStore) DeleteInbound(id string) error {
	if _, err := s.db.Exec("DELETE FROM inbound_queue WHERE id = $1", id); err != nil {
		slog.Error("PostgresStore DeleteInbound failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete queue entry %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ApplyBatch(b Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range b.Users {
		args, err := userArgs(u)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(postgresUpsertUser, args...); err != nil {
			return fmt.Errorf("batch: failed to save user %s: %w", u.ID, err)
		}
	}
	for _, m := range b.Messages {
		args, err := messageArgs(m)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(postgresUpsertMessage, args...); err != nil {
			return fmt.Errorf("batch: failed to save message %s: %w", m.ID, err)
		}
	}
	for _, up := range b.StatusUpdates {
		if err := postgresUpdateStatusTx(tx, up.MessageID, up.Status); err != nil {
			return fmt.Errorf("batch: %w", err)
		}
	}
	for _, sub := range b.Substitutions {
		if err := postgresSubstituteTx(tx, sub.OldID, sub.NewID); err != nil {
			return fmt.Errorf("batch: %w", err)
		}
	}
	for _, c := range b.Consensus {
		if _, err := tx.Exec(postgresUpsertConsensus, c.ID, c.QuestionID, c.UserID, c.MessageID,
			string(c.Status), nilIfEmpty(c.Response), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("batch: failed to save consensus %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("PostgresStore ApplyBatch committed",
		"users", len(b.Users), "messages", len(b.Messages),
		"status_updates", len(b.StatusUpdates), "substitutions", len(b.Substitutions),
		"consensus", len(b.Consensus))
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
