// Package store provides storage backends for CareBridge.
//
// It defines the document-style Store interface over the User, Message, and
// Consensus collections plus the inbound message queue, with in-memory,
// SQLite, and PostgreSQL implementations. There are no cross-collection
// transactions in the contract; callers achieve consistency by sequencing
// (message writes before user writes) and by batching per-dispatch writes
// through ApplyBatch.
package store

import (
	"strings"
	"time"

	"github.com/CareBridge/CareBridge/internal/models"
)

// QueueEntry is one inbound webhook payload awaiting processing. Delivery is
// at-least-once: an entry claimed by ReceiveInbound becomes visible again
// after the visibility timeout unless deleted.
type QueueEntry struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Payload    []byte    `json:"payload"`
	Attempts   int       `json:"attempts"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StatusUpdate is a pending verification-status transition.
type StatusUpdate struct {
	MessageID string
	Status    models.VerificationStatus
}

// Substitution records a message-id substitution: the vendor-assigned
// external id supersedes the provisional id after a successful send.
type Substitution struct {
	OldID string
	NewID string
}

// Batch aggregates the storage mutations produced while handling one batch
// of inbound messages. It is applied as a single write so that sibling
// messages' mutations land together and a timed-out message's mutations can
// be discarded before the flush.
type Batch struct {
	Users         []models.User
	Messages      []models.Message
	StatusUpdates []StatusUpdate
	Substitutions []Substitution
	Consensus     []models.Consensus
}

// Empty reports whether the batch contains no mutations.
func (b *Batch) Empty() bool {
	return len(b.Users) == 0 && len(b.Messages) == 0 && len(b.StatusUpdates) == 0 &&
		len(b.Substitutions) == 0 && len(b.Consensus) == 0
}

// Merge appends another batch's mutations.
func (b *Batch) Merge(other Batch) {
	b.Users = append(b.Users, other.Users...)
	b.Messages = append(b.Messages, other.Messages...)
	b.StatusUpdates = append(b.StatusUpdates, other.StatusUpdates...)
	b.Substitutions = append(b.Substitutions, other.Substitutions...)
	b.Consensus = append(b.Consensus, other.Consensus...)
}

// Store is the persistence contract. Get methods return (nil, nil) when the
// record does not exist.
type Store interface {
	// Users.
	GetUser(id string) (*models.User, error)
	GetUserByPhone(phone string) (*models.User, error)
	SaveUser(u models.User) error
	ListUsersByRole(role models.Role) ([]models.User, error)

	// Messages. Lookups key off the confirmed message id only.
	GetMessage(id string) (*models.Message, error)
	SaveMessage(m models.Message) error
	// UpdateVerificationStatus transitions a message's verification status.
	// Writing the same status again is a no-op; any other transition out of
	// a terminal status returns models.ErrTerminalStatus.
	UpdateVerificationStatus(id string, status models.VerificationStatus) error
	// SubstituteMessageID rewrites a message's primary id and every pointer
	// to it (reply contexts, cross contexts, consensus records) in one
	// operation. The old id is retained as the provisional id.
	SubstituteMessageID(oldID, newID string) error
	ListMessagesByStatus(statuses []models.VerificationStatus, olderThan time.Time) ([]models.Message, error)

	// Consensus records.
	SaveConsensus(c models.Consensus) error
	UpdateConsensus(c models.Consensus) error
	ListConsensusByQuestion(questionID string) ([]models.Consensus, error)
	ListStaleConsensus(olderThan time.Time) ([]models.Consensus, error)

	// Inbound queue.
	EnqueueInbound(channel string, payload []byte, ttl time.Duration) (string, error)
	ReceiveInbound(now time.Time, limit int, visibility time.Duration) ([]QueueEntry, error)
	DeleteInbound(id string) error

	// ApplyBatch applies all mutations of a batch, in order: users,
	// messages, status updates, substitutions, consensus.
	ApplyBatch(b Batch) error

	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType determines whether a DSN refers to PostgreSQL or SQLite.
// PostgreSQL DSNs use the postgres:// scheme or key=value form; anything
// else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
