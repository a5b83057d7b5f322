// Package sweep runs the periodic maintenance jobs: expiring stale
// verifications and sending consolidated reminders to experts with
// outstanding requests.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CareBridge/CareBridge/internal/channel"
	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/models"
	"github.com/CareBridge/CareBridge/internal/store"
	"github.com/CareBridge/CareBridge/internal/verify"
)

// Sender delivers a slice of outbound messages through a channel adapter
// and records vendor-id substitutions into the batch.
type Sender interface {
	SendOutbounds(ctx context.Context, adapter channel.Adapter, outs []models.Outbound, batch *store.Batch) error
}

// Sweeper expires stale verifications and reminds experts. Both sweeps are
// idempotent: re-running over the same state produces no duplicate sends.
type Sweeper struct {
	store    store.Store
	coord    *verify.Coordinator
	adapters map[string]channel.Adapter
	sender   Sender
	cfg      *config.Config
	now      func() time.Time

	mu         sync.Mutex
	lastRemind map[string]time.Time
}

// NewSweeper creates a sweeper over the given adapters.
func NewSweeper(st store.Store, coord *verify.Coordinator, adapters map[string]channel.Adapter, sender Sender, cfg *config.Config) *Sweeper {
	return &Sweeper{
		store:      st,
		coord:      coord,
		adapters:   adapters,
		sender:     sender,
		cfg:        cfg,
		now:        time.Now,
		lastRemind: make(map[string]time.Time),
	}
}

// Sweep runs both maintenance passes.
func (s *Sweeper) Sweep(ctx context.Context) {
	if err := s.SweepTimeouts(ctx); err != nil {
		slog.Error("Sweeper timeout pass failed", "error", err)
	}
	if err := s.SweepReminders(ctx); err != nil {
		slog.Error("Sweeper reminder pass failed", "error", err)
	}
}

// SweepTimeouts expires every verification older than the timeout window.
// Stale messages are grouped by question so a consensus fan-out yields a
// single user notice: one expert-facing message per question goes through
// the coordinator, the rest only have their status flipped.
func (s *Sweeper) SweepTimeouts(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.VerifyTimeout)
	stale, err := s.store.ListMessagesByStatus(
		[]models.VerificationStatus{models.VerificationPending, models.VerificationCorrection}, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale verifications: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	groups := make(map[string][]models.Message)
	var order []string
	for _, msg := range stale {
		key := msg.ID
		if msg.Cross != nil && msg.Cross.QuestionID != "" {
			key = msg.Cross.QuestionID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], msg)
	}

	var batch store.Batch
	for _, key := range order {
		group := groups[key]
		rep := pickRepresentative(group)
		for i := range group {
			msg := group[i]
			if rep != nil && msg.ID == rep.ID {
				continue
			}
			batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: msg.ID, Status: models.VerificationTimeout})
		}
		if rep == nil {
			continue
		}
		outs, err := s.coord.HandleTimeout(ctx, &batch, rep)
		if err != nil {
			slog.Error("Sweeper timeout handling failed", "messageID", rep.ID, "error", err)
			continue
		}
		if rep.Category == models.CategoryBotToExpertConsensus {
			s.closeConsensusRecords(&batch, rep)
		}
		s.send(ctx, rep.Channel, outs, &batch)
	}

	s.reapOrphanedConsensus(&batch, cutoff)

	if batch.Empty() {
		return nil
	}
	if err := s.store.ApplyBatch(batch); err != nil {
		return fmt.Errorf("failed to apply timeout batch: %w", err)
	}
	slog.Info("Sweeper expired stale verifications", "messages", len(stale), "questions", len(order))
	return nil
}

// reapOrphanedConsensus resolves stale pending consensus records whose
// request message is gone or already terminal, so record state cannot
// drift behind message state indefinitely.
func (s *Sweeper) reapOrphanedConsensus(batch *store.Batch, cutoff time.Time) {
	records, err := s.store.ListStaleConsensus(cutoff)
	if err != nil {
		slog.Warn("Sweeper could not list stale consensus records", "error", err)
		return
	}
	now := s.now()
	for _, rec := range records {
		if rec.Status != models.ConsensusPending {
			continue
		}
		msg, err := s.store.GetMessage(rec.MessageID)
		if err != nil {
			continue
		}
		if msg != nil && !msg.VerificationStatus.Terminal() {
			// Still live; the message-based pass owns it.
			continue
		}
		rec.Status = models.ConsensusResolved
		rec.UpdatedAt = now
		batch.Consensus = append(batch.Consensus, rec)
		slog.Debug("Sweeper reaped orphaned consensus record", "recordID", rec.ID, "questionID", rec.QuestionID)
	}
}

// pickRepresentative selects the expert-facing message of a question group,
// preferring the verification request over consensus requests.
func pickRepresentative(group []models.Message) *models.Message {
	var consensus *models.Message
	for i := range group {
		switch group[i].Category {
		case models.CategoryBotToExpertVerify:
			return &group[i]
		case models.CategoryBotToExpertConsensus:
			if consensus == nil {
				consensus = &group[i]
			}
		}
	}
	return consensus
}

// closeConsensusRecords resolves the question's still-pending consensus
// records so late replies get the already-answered acknowledgment.
func (s *Sweeper) closeConsensusRecords(batch *store.Batch, rep *models.Message) {
	records, err := s.store.ListConsensusByQuestion(rep.Cross.QuestionID)
	if err != nil {
		slog.Warn("Sweeper could not list consensus records", "questionID", rep.Cross.QuestionID, "error", err)
		return
	}
	now := s.now()
	for _, rec := range records {
		if rec.Status != models.ConsensusPending {
			continue
		}
		batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: rec.MessageID, Status: models.VerificationTimeout})
		rec.Status = models.ConsensusResolved
		rec.UpdatedAt = now
		batch.Consensus = append(batch.Consensus, rec)
	}
}

// SweepReminders sends each expert one consolidated reminder listing their
// outstanding verification requests. An expert is reminded at most once per
// reminder window.
func (s *Sweeper) SweepReminders(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.ReminderAfter)
	stale, err := s.store.ListMessagesByStatus([]models.VerificationStatus{models.VerificationPending}, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list outstanding requests: %w", err)
	}

	byExpert := make(map[string][]models.Message)
	var order []string
	for _, msg := range stale {
		if msg.Category != models.CategoryBotToExpertVerify && msg.Category != models.CategoryBotToExpertConsensus {
			continue
		}
		if msg.Recipient == "" {
			continue
		}
		if _, ok := byExpert[msg.Recipient]; !ok {
			order = append(order, msg.Recipient)
		}
		byExpert[msg.Recipient] = append(byExpert[msg.Recipient], msg)
	}

	var batch store.Batch
	reminded := 0
	for _, phone := range order {
		if !s.shouldRemind(phone) {
			continue
		}
		outstanding := byExpert[phone]
		expert, err := s.store.GetUserByPhone(phone)
		if err != nil || expert == nil {
			slog.Warn("Sweeper could not load expert for reminder", "phone", phone, "error", err)
			continue
		}
		out := s.buildReminder(expert, outstanding)
		batch.Messages = append(batch.Messages, *out.Msg)
		s.send(ctx, out.Msg.Channel, []models.Outbound{out}, &batch)
		s.markReminded(phone)
		reminded++
	}

	if batch.Empty() {
		return nil
	}
	if err := s.store.ApplyBatch(batch); err != nil {
		return fmt.Errorf("failed to apply reminder batch: %w", err)
	}
	slog.Info("Sweeper sent expert reminders", "experts", reminded)
	return nil
}

// buildReminder renders the consolidated reminder, falling back to the
// vendor template when the expert is outside the free-text window.
func (s *Sweeper) buildReminder(expert *models.User, outstanding []models.Message) models.Outbound {
	var sb strings.Builder
	fmt.Fprintf(&sb, s.cfg.Templates.ReminderHeader, len(outstanding))
	for _, msg := range outstanding {
		question, _, ok := verify.RecoverQA(&msg)
		if !ok || question == "" {
			question = "(question unavailable)"
		}
		sb.WriteString("\n")
		fmt.Fprintf(&sb, s.cfg.Templates.ReminderItem, question)
	}

	now := s.now()
	reminder := &models.Message{
		ID:             models.NewMessageID(),
		Category:       models.CategoryBotToExpert,
		Kind:           models.KindText,
		Channel:        outstanding[0].Channel,
		Recipient:      expert.PhoneNumber,
		Body:           models.Body{Source: sb.String()},
		TemplateParams: []string{strconv.Itoa(len(outstanding))},
		CreatedAt:      now,
	}
	out := models.Outbound{Msg: reminder}
	if now.Sub(expert.LastActivity) > s.cfg.FreeTextWindow {
		out.Template = verify.TemplateReminder
	}
	return out
}

func (s *Sweeper) shouldRemind(phone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRemind[phone]
	return !ok || s.now().Sub(last) >= s.cfg.ReminderAfter
}

func (s *Sweeper) markReminded(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRemind[phone] = s.now()
}

// send delivers outbounds through the channel's adapter. Delivery failures
// are logged, not fatal: the status transitions still land and the next
// sweep will not repeat the sends.
func (s *Sweeper) send(ctx context.Context, channelName string, outs []models.Outbound, batch *store.Batch) {
	if len(outs) == 0 {
		return
	}
	adapter, ok := s.adapters[channelName]
	if !ok {
		slog.Warn("Sweeper has no adapter for channel", "channel", channelName)
		return
	}
	if err := s.sender.SendOutbounds(ctx, adapter, outs, batch); err != nil {
		slog.Error("Sweeper send failed", "channel", channelName, "error", err)
	}
}
