// Package store provides storage backends for CareBridge.
//
// This file implements an in-memory store used in tests and when no
// database DSN is configured.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CareBridge/CareBridge/internal/models"
)

// InMemoryStore is a mutex-guarded in-memory Store implementation.
type InMemoryStore struct {
	mu        sync.Mutex
	users     map[string]models.User
	messages  map[string]models.Message
	consensus map[string]models.Consensus
	queue     map[string]*queueRow
}

type queueRow struct {
	entry    QueueEntry
	lockedAt *time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]models.User),
		messages:  make(map[string]models.Message),
		consensus: make(map[string]models.Consensus),
		queue:     make(map[string]*queueRow),
	}
}

func (s *InMemoryStore) GetUser(id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) GetUserByPhone(phone string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.PhoneNumber == phone {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) ListUsersByRole(role models.Role) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, u := range s.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// cloneMessage deep-copies a message's pointer fields. The struct copy a
// map read or write produces still shares the reply and cross contexts, so
// without this a substitution rewriting stored messages would also rewrite
// snapshots previously handed to callers (and vice versa).
func cloneMessage(m models.Message) models.Message {
	if m.Reply != nil {
		r := *m.Reply
		if r.Meta != nil {
			meta := make(map[string]string, len(r.Meta))
			for k, v := range r.Meta {
				meta[k] = v
			}
			r.Meta = meta
		}
		m.Reply = &r
	}
	if m.Cross != nil {
		c := *m.Cross
		m.Cross = &c
	}
	if m.Source != nil {
		src := *m.Source
		m.Source = &src
	}
	if m.TemplateParams != nil {
		m.TemplateParams = append([]string(nil), m.TemplateParams...)
	}
	return m
}

func (s *InMemoryStore) GetMessage(id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	m = cloneMessage(m)
	return &m, nil
}

func (s *InMemoryStore) SaveMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *InMemoryStore) UpdateVerificationStatus(id string, status models.VerificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(id, status)
}

func (s *InMemoryStore) updateStatusLocked(id string, status models.VerificationStatus) error {
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("update status for %s: %w", id, models.ErrUnknownMessage)
	}
	if m.VerificationStatus == status {
		return nil
	}
	if m.VerificationStatus.Terminal() {
		return fmt.Errorf("message %s is %s: %w", id, m.VerificationStatus, models.ErrTerminalStatus)
	}
	m.VerificationStatus = status
	s.messages[id] = m
	return nil
}

func (s *InMemoryStore) SubstituteMessageID(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.substituteLocked(oldID, newID)
}

func (s *InMemoryStore) substituteLocked(oldID, newID string) error {
	m, ok := s.messages[oldID]
	if !ok {
		return fmt.Errorf("substitute id %s: %w", oldID, models.ErrUnknownMessage)
	}
	if _, exists := s.messages[newID]; exists {
		return fmt.Errorf("substitute id %s -> %s: %w", oldID, newID, models.ErrDuplicateMessage)
	}
	delete(s.messages, oldID)
	m.ProvisionalID = oldID
	m.ID = newID
	s.messages[newID] = m

	for id, other := range s.messages {
		changed := false
		if other.Reply != nil && other.Reply.ReplyID == oldID {
			other.Reply.ReplyID = newID
			changed = true
		}
		if other.Cross != nil {
			if other.Cross.QuestionID == oldID {
				other.Cross.QuestionID = newID
				changed = true
			}
			if other.Cross.NoticeID == oldID {
				other.Cross.NoticeID = newID
				changed = true
			}
		}
		if changed {
			s.messages[id] = other
		}
	}
	for id, c := range s.consensus {
		if c.MessageID == oldID {
			c.MessageID = newID
			s.consensus[id] = c
		}
	}
	return nil
}

func (s *InMemoryStore) ListMessagesByStatus(statuses []models.VerificationStatus, olderThan time.Time) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[models.VerificationStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []models.Message
	for _, m := range s.messages {
		if want[m.VerificationStatus] && m.CreatedAt.Before(olderThan) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveConsensus(c models.Consensus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensus[c.ID] = c
	return nil
}

func (s *InMemoryStore) UpdateConsensus(c models.Consensus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consensus[c.ID]; !ok {
		return fmt.Errorf("update consensus %s: not found", c.ID)
	}
	s.consensus[c.ID] = c
	return nil
}

func (s *InMemoryStore) ListConsensusByQuestion(questionID string) ([]models.Consensus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Consensus
	for _, c := range s.consensus {
		if c.QuestionID == questionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListStaleConsensus(olderThan time.Time) ([]models.Consensus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Consensus
	for _, c := range s.consensus {
		if c.Status == models.ConsensusPending && c.CreatedAt.Before(olderThan) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) EnqueueInbound(channel string, payload []byte, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	id := "q_" + uuid.NewString()
	s.queue[id] = &queueRow{entry: QueueEntry{
		ID:         id,
		Channel:    channel,
		Payload:    payload,
		ReceivedAt: now,
		ExpiresAt:  now.Add(ttl),
	}}
	return id, nil
}

func (s *InMemoryStore) ReceiveInbound(now time.Time, limit int, visibility time.Duration) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*queueRow
	for _, row := range s.queue {
		if row.entry.ExpiresAt.Before(now) {
			continue
		}
		if row.lockedAt != nil && row.lockedAt.Add(visibility).After(now) {
			continue
		}
		candidates = append(candidates, row)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.ReceivedAt.Before(candidates[j].entry.ReceivedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]QueueEntry, 0, len(candidates))
	for _, row := range candidates {
		t := now
		row.lockedAt = &t
		row.entry.Attempts++
		out = append(out, row.entry)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteInbound(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, id)
	return nil
}

func (s *InMemoryStore) ApplyBatch(b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range b.Users {
		s.users[u.ID] = u
	}
	for _, m := range b.Messages {
		s.messages[m.ID] = cloneMessage(m)
	}
	for _, up := range b.StatusUpdates {
		if err := s.updateStatusLocked(up.MessageID, up.Status); err != nil {
			return err
		}
	}
	for _, sub := range b.Substitutions {
		if err := s.substituteLocked(sub.OldID, sub.NewID); err != nil {
			return err
		}
	}
	for _, c := range b.Consensus {
		s.consensus[c.ID] = c
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
