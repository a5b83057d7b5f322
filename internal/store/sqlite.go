// Package store provides storage backends for CareBridge.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CareBridge/CareBridge/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path; missing directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByPhone(phone string) (*models.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE phone_number = ?", phone)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserByPhone failed", "error", err)
		return nil, fmt.Errorf("failed to get user by phone: %w", err)
	}
	return &u, nil
}

const sqliteUpsertUser = `INSERT OR REPLACE INTO users (` + userColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) SaveUser(u models.User) error {
	args, err := userArgs(u)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(sqliteUpsertUser, args...); err != nil {
		slog.Error("SQLiteStore SaveUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListUsersByRole(role models.Role) ([]models.User, error) {
	rows, err := s.db.Query("SELECT "+userColumns+" FROM users WHERE role = ? ORDER BY last_activity DESC", string(role))
	if err != nil {
		slog.Error("SQLiteStore ListUsersByRole query failed", "error", err, "role", role)
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

func (s *SQLiteStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetMessage failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &m, nil
}

const sqliteUpsertMessage = `INSERT OR REPLACE INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) SaveMessage(m models.Message) error {
	args, err := messageArgs(m)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(sqliteUpsertMessage, args...); err != nil {
		slog.Error("SQLiteStore SaveMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to save message %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateVerificationStatus(id string, status models.VerificationStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := sqliteUpdateStatusTx(tx, id, status); err != nil {
		return err
	}
	return tx.Commit()
}

func sqliteUpdateStatusTx(tx *sql.Tx, id string, status models.VerificationStatus) error {
	var current string
	err := tx.QueryRow("SELECT verification_status FROM messages WHERE id = ?", id).Scan(&current)
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
	if _, err := tx.Exec("UPDATE messages SET verification_status = ? WHERE id = ?", string(status), id); err != nil {
		return fmt.Errorf("failed to update status for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SubstituteMessageID(oldID, newID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := sqliteSubstituteTx(tx, oldID, newID); err != nil {
		return err
	}
	return tx.Commit()
}

func sqliteSubstituteTx(tx *sql.Tx, oldID, newID string) error {
	var exists int
	if err := tx.QueryRow("SELECT COUNT(1) FROM messages WHERE id = ?", newID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("substitute id %s -> %s: %w", oldID, newID, models.ErrDuplicateMessage)
	}
	res, err := tx.Exec("UPDATE messages SET id = ?, provisional_id = ? WHERE id = ?", newID, oldID, oldID)
	if err != nil {
		return fmt.Errorf("failed to substitute message id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("substitute id %s: %w", oldID, models.ErrUnknownMessage)
	}
	if _, err := tx.Exec("UPDATE messages SET reply_id = ? WHERE reply_id = ?", newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite reply pointers: %w", err)
	}
	if _, err := tx.Exec("UPDATE messages SET cross_question_id = ? WHERE cross_question_id = ?", newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite cross question pointers: %w", err)
	}
	if _, err := tx.Exec("UPDATE messages SET cross_notice_id = ? WHERE cross_notice_id = ?", newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite cross notice pointers: %w", err)
	}
	if _, err := tx.Exec("UPDATE consensus SET message_id = ? WHERE message_id = ?", newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite consensus pointers: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessagesByStatus(statuses []models.VerificationStatus, olderThan time.Time) ([]models.Message, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	query := "SELECT " + messageColumns + " FROM messages WHERE verification_status IN (" + placeholders + ") AND created_at < ? ORDER BY created_at"
	args := append(statusValues(statuses), olderThan)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListMessagesByStatus query failed", "error", err)
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

const sqliteUpsertConsensus = `INSERT OR REPLACE INTO consensus (` + consensusColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) SaveConsensus(c models.Consensus) error {
	_, err := s.db.Exec(sqliteUpsertConsensus, c.ID, c.QuestionID, c.UserID, c.MessageID,
		string(c.Status), nilIfEmpty(c.Response), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConsensus failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save consensus %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateConsensus(c models.Consensus) error {
	return s.SaveConsensus(c)
}

func (s *SQLiteStore) ListConsensusByQuestion(questionID string) ([]models.Consensus, error) {
	rows, err := s.db.Query("SELECT "+consensusColumns+" FROM consensus WHERE question_id = ? ORDER BY created_at", questionID)
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

func (s *SQLiteStore) ListStaleConsensus(olderThan time.Time) ([]models.Consensus, error) {
	rows, err := s.db.Query("SELECT "+consensusColumns+" FROM consensus WHERE status = ? AND created_at < ? ORDER BY created_at",
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

func (s *SQLiteStore) EnqueueInbound(channel string, payload []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	id := "q_" + uuid.NewString()
	_, err := s.db.Exec("INSERT INTO inbound_queue (id, channel, payload, attempts, received_at, expires_at) VALUES (?, ?, ?, 0, ?, ?)",
		id, channel, payload, now, now.Add(ttl))
	if err != nil {
		slog.Error("SQLiteStore EnqueueInbound failed", "error", err, "channel", channel)
		return "", fmt.Errorf("failed to enqueue inbound message: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ReceiveInbound(now time.Time, limit int, visibility time.Duration) ([]QueueEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cutoff := now.Add(-visibility)
	rows, err := tx.Query("SELECT "+queueColumns+" FROM inbound_queue WHERE expires_at > ? AND (locked_at IS NULL OR locked_at <= ?) ORDER BY received_at LIMIT ?",
		now, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbound queue: %w", err)
	}
	var entries []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range entries {
		if _, err := tx.Exec("UPDATE inbound_queue SET locked_at = ?, attempts = attempts + 1 WHERE id = ?", now, entries[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim queue entry %s: %w", entries[i].ID, err)
		}
		entries[i].Attempts++
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore ReceiveInbound claimed entries", "count", len(entries))
	return entries, nil
}

func (s *SQLiteStore) DeleteInbound(id string) error {
	if _, err := s.db.Exec("DELETE FROM inbound_queue WHERE id = ?", id); err != nil {
		slog.Error("SQLiteStore DeleteInbound failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete queue entry %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ApplyBatch(b Batch) error {
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
		if _, err := tx.Exec(sqliteUpsertUser, args...); err != nil {
			return fmt.Errorf("batch: failed to save user %s: %w", u.ID, err)
		}
	}
	for _, m := range b.Messages {
		args, err := messageArgs(m)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(sqliteUpsertMessage, args...); err != nil {
			return fmt.Errorf("batch: failed to save message %s: %w", m.ID, err)
		}
	}
	for _, up := range b.StatusUpdates {
		if err := sqliteUpdateStatusTx(tx, up.MessageID, up.Status); err != nil {
			return fmt.Errorf("batch: %w", err)
		}
	}
	for _, sub := range b.Substitutions {
		if err := sqliteSubstituteTx(tx, sub.OldID, sub.NewID); err != nil {
			return fmt.Errorf("batch: %w", err)
		}
	}
	for _, c := range b.Consensus {
		if _, err := tx.Exec(sqliteUpsertConsensus, c.ID, c.QuestionID, c.UserID, c.MessageID,
			string(c.Status), nilIfEmpty(c.Response), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("batch: failed to save consensus %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("SQLiteStore ApplyBatch committed",
		"users", len(b.Users), "messages", len(b.Messages),
		"status_updates", len(b.StatusUpdates), "substitutions", len(b.Substitutions),
		"consensus", len(b.Consensus))
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
