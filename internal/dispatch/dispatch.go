// Package dispatch is the root of the message pipeline. It drains the
// inbound queue, routes each canonical message to the answer generator or
// the verification coordinator by sender role, drives the channel adapters
// to emit outbound messages, and flushes the accumulated storage mutations
// as one batched write.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CareBridge/CareBridge/internal/answer"
	"github.com/CareBridge/CareBridge/internal/cache"
	"github.com/CareBridge/CareBridge/internal/channel"
	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/genai"
	"github.com/CareBridge/CareBridge/internal/models"
	"github.com/CareBridge/CareBridge/internal/store"
	"github.com/CareBridge/CareBridge/internal/verify"
)

// maxConcurrent bounds per-batch message handling so one slow message
// cannot monopolize the pool while others wait.
const maxConcurrent = 8

// Dispatcher coordinates the full inbound pipeline.
type Dispatcher struct {
	store    store.Store
	adapters map[string]channel.Adapter
	answer   *answer.Generator
	coord    *verify.Coordinator
	llm      genai.Generator
	cache    cache.ActivityCache
	cfg      *config.Config
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over the given adapters.
func NewDispatcher(st store.Store, adapters map[string]channel.Adapter, gen *answer.Generator, coord *verify.Coordinator, llm genai.Generator, ac cache.ActivityCache, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		store:    st,
		adapters: adapters,
		answer:   gen,
		coord:    coord,
		llm:      llm,
		cache:    ac,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Poll drains the inbound queue on the configured interval until the
// context is cancelled.
func (d *Dispatcher) Poll(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := d.store.ReceiveInbound(d.now(), d.cfg.QueueBatchSize, d.cfg.QueueVisibility)
			if err != nil {
				slog.Error("Dispatcher queue receive failed", "error", err)
				continue
			}
			if len(entries) > 0 {
				d.HandleBatch(ctx, entries)
			}
		}
	}
}

// HandleBatch processes one batch of claimed queue entries with bounded
// concurrency. Per-message failures are recoverable: the entry stays in
// the queue for redelivery while its siblings complete. Returns the number
// of entries confirmed processed.
func (d *Dispatcher) HandleBatch(ctx context.Context, entries []store.QueueEntry) int {
	var (
		mu     sync.Mutex
		merged store.Batch
		done   []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			batch, err := d.handleOne(gctx, entry)
			if err != nil {
				slog.Error("Dispatcher message handling failed", "entryID", entry.ID, "channel", entry.Channel, "attempts", entry.Attempts, "error", err)
				return nil
			}
			mu.Lock()
			merged.Merge(batch)
			done = append(done, entry.ID)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if !merged.Empty() {
		if err := d.store.ApplyBatch(merged); err != nil {
			slog.Error("Dispatcher batch flush failed, entries left for redelivery", "error", err)
			return 0
		}
	}
	for _, id := range done {
		if err := d.store.DeleteInbound(id); err != nil {
			slog.Warn("Dispatcher failed to delete processed entry", "entryID", id, "error", err)
		}
	}
	slog.Debug("Dispatcher batch processed", "total", len(entries), "processed", len(done))
	return len(done)
}

// handleOne processes a single queue entry under the per-message wall-clock
// budget. A nil error means the entry is finished (processed or poison) and
// must leave the queue; a returned error leaves it for redelivery. A budget
// overrun discards the message's accumulated mutations rather than flushing
// a partial write.
func (d *Dispatcher) handleOne(ctx context.Context, entry store.QueueEntry) (batch store.Batch, err error) {
	adapter, ok := d.adapters[entry.Channel]
	if !ok {
		slog.Warn("Dispatcher entry for unconfigured channel", "channel", entry.Channel, "entryID", entry.ID)
		return batch, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.MessageBudget)
	defer cancel()

	valid, kind := adapter.Validate(entry.Payload)
	if !valid {
		slog.Warn("Dispatcher dropping invalid payload", "channel", entry.Channel, "entryID", entry.ID)
		return batch, nil
	}
	if kind == models.KindStatus {
		// Vendor status callbacks are acknowledged, not processed.
		return batch, nil
	}
	msg, err := adapter.Normalize(entry.Payload)
	if err != nil {
		slog.Warn("Dispatcher dropping unparseable payload", "channel", entry.Channel, "entryID", entry.ID, "error", err)
		return batch, nil
	}

	user, err := d.resolveUser(ctx, msg)
	if err != nil {
		return store.Batch{}, err
	}
	// resolveUser refreshed the activity cache; if the message fails from
	// here on, its batch is discarded and the cache entry would claim
	// fresher activity than the store holds.
	defer func() {
		if err != nil {
			d.invalidateActivity(ctx, user.ID)
		}
	}()
	d.attachReplyContext(msg)

	var outs []models.Outbound
	if d.cfg.OrderingFor(entry.Channel).ReceiptsFirst && msg.SenderPhone != "" {
		outs = append(outs, d.buildReceipt(msg))
	}

	if user.Role.IsExpert() {
		expertOuts, err := d.coord.HandleExpertReply(ctx, &batch, user, msg)
		if err != nil {
			return store.Batch{}, fmt.Errorf("expert reply handling failed: %w", err)
		}
		outs = append(outs, expertOuts...)
	} else {
		userOuts, err := d.handleUserQuestion(ctx, adapter, &batch, user, msg)
		if err != nil {
			return store.Batch{}, err
		}
		outs = append(outs, userOuts...)
	}

	batch.Messages = append(batch.Messages, *msg)
	batch.Users = append(batch.Users, *user)

	if err := d.SendOutbounds(ctx, adapter, outs, &batch); err != nil {
		return store.Batch{}, fmt.Errorf("outbound send failed: %w", err)
	}
	if ctx.Err() != nil {
		// Budget exceeded: discard this message's mutations.
		return store.Batch{}, fmt.Errorf("message budget exceeded: %w", ctx.Err())
	}
	return batch, nil
}

// resolveUser loads the sender, creating the record lazily on first
// contact, and refreshes the activity timestamp and its cache entry.
// Provisioned users (experts) carry operator-assigned ids, so the derived
// id lookup falls back to the phone number before creating anything.
func (d *Dispatcher) resolveUser(ctx context.Context, msg *models.Message) (*models.User, error) {
	user, err := d.store.GetUser(msg.SenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", msg.SenderID, err)
	}
	if user == nil && msg.SenderPhone != "" {
		user, err = d.store.GetUserByPhone(msg.SenderPhone)
		if err != nil {
			return nil, fmt.Errorf("failed to load user by phone: %w", err)
		}
		if user != nil {
			msg.SenderID = user.ID
		}
	}
	now := d.now()
	if user == nil {
		user = &models.User{
			ID:          msg.SenderID,
			PhoneNumber: msg.SenderPhone,
			Role:        models.RoleRegular,
			Language:    d.cfg.DefaultLanguage,
			CreatedAt:   now,
		}
		slog.Info("Dispatcher created user on first contact", "userID", user.ID, "channel", msg.Channel)
	}
	user.TouchActivity(now)
	if d.cache != nil {
		if err := d.cache.Set(ctx, user.ID, now); err != nil {
			slog.Warn("Dispatcher activity cache update failed", "userID", user.ID, "error", err)
		}
	}
	return user, nil
}

// invalidateActivity drops a cached activity timestamp. The message budget
// may already be spent, so the call runs detached from its cancellation.
func (d *Dispatcher) invalidateActivity(ctx context.Context, userID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Invalidate(context.WithoutCancel(ctx), userID); err != nil {
		slog.Warn("Dispatcher activity cache invalidation failed", "userID", userID, "error", err)
	}
}

// attachReplyContext resolves the replied-to message and snapshots its
// category and verification status onto the inbound message. Lookups key
// off the confirmed id, which the substitution event keeps current.
func (d *Dispatcher) attachReplyContext(msg *models.Message) {
	if msg.Reply == nil || msg.Reply.ReplyID == "" {
		return
	}
	orig, err := d.store.GetMessage(msg.Reply.ReplyID)
	if err != nil || orig == nil {
		slog.Debug("Dispatcher reply references unknown message", "replyID", msg.Reply.ReplyID, "error", err)
		return
	}
	msg.Reply.ReplyCategory = orig.Category
	msg.Reply.VerificationStatus = orig.VerificationStatus
	if snap := orig.Text(); snap != "" {
		if len(snap) > 200 {
			snap = snap[:200]
		}
		msg.Reply.ReplySnapshot = snap
	}
}

// handleUserQuestion runs the answer pipeline for a regular user message:
// speech-to-text for audio, translation to English, draft generation, and
// either a direct reply (small talk) or the verification flow.
func (d *Dispatcher) handleUserQuestion(ctx context.Context, adapter channel.Adapter, batch *store.Batch, user *models.User, msg *models.Message) ([]models.Outbound, error) {
	if msg.Kind == models.KindAudio {
		if err := d.transcribe(ctx, adapter, msg); err != nil {
			slog.Error("Dispatcher transcription failed", "messageID", msg.ID, "error", err)
			return d.buildApology(ctx, user, msg), nil
		}
	}
	questionText := strings.TrimSpace(msg.Text())
	if questionText == "" {
		return d.buildApology(ctx, user, msg), nil
	}

	english := questionText
	if user.Language != "" && user.Language != "en" {
		translated, err := d.llm.Translate(ctx, questionText, user.Language, "en")
		if err != nil {
			slog.Warn("Dispatcher question translation failed, using source text", "messageID", msg.ID, "error", err)
		} else {
			english = translated
			msg.Body.English = translated
		}
	}

	res, err := d.answer.Generate(ctx, english, user.RollingHistory)
	if err != nil {
		// The user must never be left without a response.
		slog.Error("Dispatcher answer generation failed", "messageID", msg.ID, "error", err)
		return d.buildApology(ctx, user, msg), nil
	}

	if res.Classification == models.QueryTypeSmallTalk {
		return d.buildDirectReply(ctx, batch, user, msg, res)
	}
	return d.coord.StartVerification(ctx, batch, user, msg, res.Answer, res.Classification)
}

// transcribe downloads the audio payload and replaces the body text with
// its transcript.
func (d *Dispatcher) transcribe(ctx context.Context, adapter channel.Adapter, msg *models.Message) error {
	if msg.Body.MediaID == "" {
		return fmt.Errorf("audio message %s has no media reference", msg.ID)
	}
	data, err := adapter.DownloadMedia(ctx, msg.Body.MediaID)
	if err != nil {
		return fmt.Errorf("failed to download audio: %w", err)
	}
	transcript, err := d.llm.SpeechToText(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to transcribe audio: %w", err)
	}
	msg.Body.Source = transcript
	return nil
}

// buildDirectReply answers small talk immediately, bypassing verification.
func (d *Dispatcher) buildDirectReply(ctx context.Context, batch *store.Batch, user *models.User, msg *models.Message, res answer.Result) ([]models.Outbound, error) {
	text := res.Answer
	if len(res.FollowUps) > 0 {
		text += "\n\nYou could also ask:"
		for _, fu := range res.FollowUps {
			text += "\n- " + fu
		}
	}
	localized := text
	if user.Language != "" && user.Language != "en" {
		if translated, err := d.llm.Translate(ctx, text, "en", user.Language); err == nil {
			localized = translated
		}
	}
	reply := &models.Message{
		ID:        models.NewMessageID(),
		Category:  models.CategoryBotToUserResponse,
		Kind:      models.KindText,
		Channel:   msg.Channel,
		Recipient: user.PhoneNumber,
		Body:      models.Body{Source: localized, English: text},
		Reply:     &models.ReplyContext{ReplyID: msg.ID, ReplyCategory: msg.Category},
		CreatedAt: d.now(),
	}
	batch.Messages = append(batch.Messages, *reply)
	user.AppendHistory(msg.Text(), res.Answer, d.cfg.HistoryLimit, d.now())
	return []models.Outbound{{Msg: reply}}, nil
}

// buildApology produces the translated generic apology. No error message
// ever reaches the user directly.
func (d *Dispatcher) buildApology(ctx context.Context, user *models.User, msg *models.Message) []models.Outbound {
	text := d.cfg.Templates.Apology
	if user.Language != "" && user.Language != "en" {
		if translated, err := d.llm.Translate(ctx, text, "en", user.Language); err == nil {
			text = translated
		}
	}
	apology := &models.Message{
		ID:        models.NewMessageID(),
		Category:  models.CategoryBotToUserResponse,
		Kind:      models.KindText,
		Channel:   msg.Channel,
		Recipient: user.PhoneNumber,
		Body:      models.Body{Source: text, English: d.cfg.Templates.Apology},
		Reply:     &models.ReplyContext{ReplyID: msg.ID, ReplyCategory: msg.Category},
		CreatedAt: d.now(),
	}
	return []models.Outbound{{Msg: apology}}
}

// buildReceipt marks the inbound message read. Receipts are send-time only
// and never persisted.
func (d *Dispatcher) buildReceipt(msg *models.Message) models.Outbound {
	return models.Outbound{Msg: &models.Message{
		ID:        models.NewMessageID(),
		Category:  models.CategoryReadReceipt,
		Kind:      models.KindStatus,
		Channel:   msg.Channel,
		Recipient: msg.SenderPhone,
		Reply:     &models.ReplyContext{ReplyID: msg.ID},
		CreatedAt: d.now(),
	}}
}
