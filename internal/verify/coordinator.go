// Package verify implements the expert-verification state machine: it
// creates verification requests for draft answers, reconciles expert
// approvals, rejections, and corrections, applies timeouts, and in
// consensus mode aggregates multiple expert answers into one.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CareBridge/CareBridge/internal/cache"
	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/genai"
	"github.com/CareBridge/CareBridge/internal/models"
	"github.com/CareBridge/CareBridge/internal/store"
)

// Vendor template names for re-engaging contacts outside the free-text window.
const (
	TemplateVerification = "verification_request"
	TemplateConsensus    = "consensus_request"
	TemplateReminder     = "expert_reminder"
)

const correctionSystemPrompt = `You are a careful health-information assistant. An expert rejected a draft
answer and provided a correction. Synthesize one final answer that reflects
the expert's correction, keeping a helpful and safe tone. Reply with the
final answer only.`

// Coordinator drives verification state transitions. All storage mutations
// are appended to the caller's batch; the caller flushes them after the
// whole inbound message is processed so a timeout discards partial writes.
type Coordinator struct {
	store store.Store
	llm   genai.Generator
	cache cache.ActivityCache
	cfg   *config.Config
	now   func() time.Time
}

// NewCoordinator creates a verification coordinator.
func NewCoordinator(st store.Store, llm genai.Generator, ac cache.ActivityCache, cfg *config.Config) *Coordinator {
	return &Coordinator{store: st, llm: llm, cache: ac, cfg: cfg, now: time.Now}
}

// StartVerification begins the verification flow for a draft answer:
// a "please wait" notice to the user plus a verification request to the
// selected expert, or per-expert consensus requests in consensus mode.
func (c *Coordinator) StartVerification(ctx context.Context, batch *store.Batch, user *models.User, question *models.Message, draftAnswer string, classification models.QueryType) ([]models.Outbound, error) {
	notice := c.buildNotice(user, question)
	batch.Messages = append(batch.Messages, *notice.Msg)
	out := []models.Outbound{notice}

	if c.cfg.ConsensusEnabled {
		consensusOut, err := c.startConsensus(ctx, batch, user, question, notice.Msg.ID, draftAnswer, classification)
		if err != nil {
			return nil, err
		}
		return append(out, consensusOut...), nil
	}

	expert, err := c.selectExpert(ctx, user, classification)
	if err != nil {
		slog.Error("Coordinator StartVerification no expert available", "questionID", question.ID, "classification", classification, "error", err)
		return nil, err
	}
	req := c.buildVerificationRequest(ctx, expert, question, notice.Msg.ID, draftAnswer)
	batch.Messages = append(batch.Messages, *req.Msg)
	slog.Info("Coordinator verification started", "questionID", question.ID, "expertID", expert.ID, "template", req.Template != "")
	return append(out, req), nil
}

// buildNotice creates the pending "please wait" message to the user.
func (c *Coordinator) buildNotice(user *models.User, question *models.Message) models.Outbound {
	msg := &models.Message{
		ID:                 models.NewMessageID(),
		Category:           models.CategoryBotToUserResponse,
		Kind:               models.KindText,
		Channel:            question.Channel,
		Recipient:          user.PhoneNumber,
		Body:               models.Body{Source: c.cfg.Templates.PleaseWait},
		Reply:              &models.ReplyContext{ReplyID: question.ID, ReplyCategory: question.Category},
		Cross:              &models.CrossContext{QuestionID: question.ID},
		VerificationStatus: models.VerificationPending,
		CreatedAt:          c.now(),
	}
	return models.Outbound{Msg: msg}
}

// buildVerificationRequest creates the expert-facing request. The question
// and draft answer are persisted as structured source fields; the rendered
// text carries the Q:/A: markers for the legacy parsers.
func (c *Coordinator) buildVerificationRequest(ctx context.Context, expert *models.User, question *models.Message, noticeID, draftAnswer string) models.Outbound {
	questionText := question.Text()
	body := fmt.Sprintf(c.cfg.Templates.VerificationRequest, questionText, draftAnswer, c.cfg.YesToken, c.cfg.NoToken)
	msg := &models.Message{
		ID:                 models.NewMessageID(),
		Category:           models.CategoryBotToExpertVerify,
		Kind:               models.KindText,
		Channel:            question.Channel,
		Recipient:          expert.PhoneNumber,
		Body:               models.Body{Source: body},
		Cross:              &models.CrossContext{QuestionID: question.ID, NoticeID: noticeID},
		Source:             &models.SourceFields{Question: questionText, DraftAnswer: draftAnswer},
		VerificationStatus: models.VerificationPending,
		TemplateParams:     []string{questionText, draftAnswer},
		CreatedAt:          c.now(),
	}
	out := models.Outbound{Msg: msg}
	if !c.isActive(ctx, expert) {
		out.Template = TemplateVerification
	}
	return out
}

// isActive reports whether the contact interacted within the free-text
// window. Vendor policy requires a template message otherwise.
func (c *Coordinator) isActive(ctx context.Context, user *models.User) bool {
	last := user.LastActivity
	if c.cache != nil {
		if cached, ok, err := c.cache.Get(ctx, user.ID); err == nil && ok {
			last = cached
		}
	}
	if last.IsZero() {
		return false
	}
	return c.now().Sub(last) < c.cfg.FreeTextWindow
}

// selectExpert picks the expert for a question's query type: the user's
// configured roster first, then any user with the matching expert role,
// then the designated default expert.
func (c *Coordinator) selectExpert(ctx context.Context, user *models.User, classification models.QueryType) (*models.User, error) {
	if user != nil {
		for _, id := range user.Experts[classification] {
			if expert, err := c.store.GetUser(id); err == nil && expert != nil {
				return expert, nil
			}
		}
	}
	role := models.ExpertRoleFor(classification)
	experts, err := c.store.ListUsersByRole(role)
	if err != nil {
		return nil, fmt.Errorf("failed to list experts for role %s: %w", role, err)
	}
	if len(experts) > 0 {
		return &experts[0], nil
	}
	if c.cfg.DefaultExpertID != "" {
		if expert, err := c.store.GetUser(c.cfg.DefaultExpertID); err == nil && expert != nil {
			return expert, nil
		}
	}
	return nil, models.ErrNoExpert
}

// HandleExpertReply reconciles an expert's reply against the verification
// message it replies to. Terminal questions short-circuit to an "already
// answered" acknowledgment with no further state change.
func (c *Coordinator) HandleExpertReply(ctx context.Context, batch *store.Batch, expert *models.User, reply *models.Message) ([]models.Outbound, error) {
	if reply.Reply == nil || reply.Reply.ReplyID == "" {
		slog.Warn("Coordinator expert reply carries no reply context", "messageID", reply.ID, "expertID", expert.ID)
		return c.ackExpert(expert, reply, c.cfg.Templates.AlreadyAnswered), nil
	}
	original, err := c.store.GetMessage(reply.Reply.ReplyID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve replied-to message %s: %w", reply.Reply.ReplyID, err)
	}
	if original == nil {
		slog.Warn("Coordinator expert reply references unknown message", "replyID", reply.Reply.ReplyID, "expertID", expert.ID)
		return c.ackExpert(expert, reply, c.cfg.Templates.AlreadyAnswered), nil
	}
	if original.VerificationStatus.Terminal() {
		slog.Info("Coordinator expert reply after terminal state", "messageID", original.ID, "status", original.VerificationStatus, "expertID", expert.ID)
		return c.ackExpert(expert, reply, c.cfg.Templates.AlreadyAnswered), nil
	}

	if original.Category == models.CategoryBotToExpertConsensus {
		return c.handleConsensusReply(ctx, batch, expert, reply, original)
	}

	text := strings.TrimSpace(reply.Text())
	switch {
	case strings.EqualFold(text, c.cfg.YesToken):
		return c.approve(ctx, batch, expert, original)
	case strings.EqualFold(text, c.cfg.NoToken):
		return c.requestCorrection(batch, expert, original), nil
	default:
		// Substantive free text: either the correction we asked for, or an
		// expert correcting the draft without the explicit "No" first.
		return c.applyCorrection(ctx, batch, expert, original, text)
	}
}

// approve releases the draft answer to the user: recover the question and
// answer from the verification message, translate into the user's
// language, optionally synthesize audio, and reply to the user's original
// question. Terminal.
func (c *Coordinator) approve(ctx context.Context, batch *store.Batch, expert *models.User, original *models.Message) ([]models.Outbound, error) {
	_, answerText, ok := RecoverQA(original)
	if !ok {
		slog.Error("Coordinator could not recover answer from verification message", "messageID", original.ID)
		return nil, fmt.Errorf("unparseable verification message %s", original.ID)
	}
	out, err := c.releaseAnswer(ctx, batch, original, answerText, true)
	if err != nil {
		return nil, err
	}
	out = append(out, c.ackExpert(expert, nil, c.cfg.Templates.ThankYou)...)
	c.markResolved(batch, original, models.VerificationVerified)
	return out, nil
}

// requestCorrection asks the expert for the correct answer, re-anchoring
// the reply chain so the expert's next message correlates to the pending
// correction. The waiting_for_correction status is persisted so the flow
// survives restarts.
func (c *Coordinator) requestCorrection(batch *store.Batch, expert *models.User, original *models.Message) []models.Outbound {
	question, draft, _ := RecoverQA(original)
	prompt := &models.Message{
		ID:        models.NewMessageID(),
		Category:  models.CategoryBotToExpert,
		Kind:      models.KindText,
		Channel:   original.Channel,
		Recipient: expert.PhoneNumber,
		Body:      models.Body{Source: c.cfg.Templates.CorrectionPrompt},
		Reply: &models.ReplyContext{
			ReplyID:            original.ID,
			ReplyCategory:      original.Category,
			VerificationStatus: models.VerificationCorrection,
		},
		Cross:              original.Cross,
		Source:             &models.SourceFields{Question: question, DraftAnswer: draft},
		VerificationStatus: models.VerificationCorrection,
		CreatedAt:          c.now(),
	}
	batch.Messages = append(batch.Messages, *prompt)
	batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: original.ID, Status: models.VerificationCorrection})
	slog.Info("Coordinator correction requested", "originalID", original.ID, "expertID", expert.ID)
	return []models.Outbound{{Msg: prompt}}
}

// applyCorrection synthesizes the final answer from the expert's free-text
// correction and releases it. LLM failure propagates: sending a raw
// unsynthesized correction risks tone and safety issues. Follow-up
// suggestions are suppressed on this path. Terminal.
func (c *Coordinator) applyCorrection(ctx context.Context, batch *store.Batch, expert *models.User, original *models.Message, correction string) ([]models.Outbound, error) {
	question, draft, ok := RecoverQA(original)
	if !ok {
		slog.Error("Coordinator could not recover question for correction", "messageID", original.ID)
		return nil, fmt.Errorf("unparseable verification message %s", original.ID)
	}
	prompt := fmt.Sprintf("Question: %s\nRejected draft answer: %s\nExpert correction: %s", question, draft, correction)
	finalAnswer, err := c.llm.Generate(ctx, correctionSystemPrompt, prompt)
	if err != nil {
		slog.Error("Coordinator correction synthesis failed", "messageID", original.ID, "error", err)
		return nil, fmt.Errorf("failed to synthesize corrected answer: %w", err)
	}
	out, err := c.releaseAnswer(ctx, batch, original, finalAnswer, false)
	if err != nil {
		return nil, err
	}
	out = append(out, c.ackExpert(expert, nil, c.cfg.Templates.ThankYou)...)
	c.markResolved(batch, original, models.VerificationVerified)
	return out, nil
}

// releaseAnswer builds the final user-facing reply to the original
// question, translating into the user's language and attaching TTS audio
// when configured.
func (c *Coordinator) releaseAnswer(ctx context.Context, batch *store.Batch, original *models.Message, answerText string, allowAudio bool) ([]models.Outbound, error) {
	if original.Cross == nil || original.Cross.QuestionID == "" {
		return nil, fmt.Errorf("verification message %s has no question reference", original.ID)
	}
	question, err := c.store.GetMessage(original.Cross.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load question %s: %w", original.Cross.QuestionID, err)
	}
	if question == nil {
		return nil, fmt.Errorf("question %s not found: %w", original.Cross.QuestionID, models.ErrUnknownMessage)
	}
	user, err := c.store.GetUser(question.SenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", question.SenderID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s not found: %w", question.SenderID, models.ErrUnknownUser)
	}

	localized := answerText
	if user.Language != "" && user.Language != "en" {
		localized, err = c.llm.Translate(ctx, answerText, "en", user.Language)
		if err != nil {
			slog.Warn("Coordinator translation failed, sending untranslated answer", "userID", user.ID, "error", err)
			localized = answerText
		}
	}

	final := &models.Message{
		ID:        models.NewMessageID(),
		Category:  models.CategoryBotToUserResponse,
		Kind:      models.KindText,
		Channel:   question.Channel,
		Recipient: user.PhoneNumber,
		Body:      models.Body{Source: localized, English: answerText},
		Reply:     &models.ReplyContext{ReplyID: question.ID, ReplyCategory: question.Category},
		Cross:     &models.CrossContext{QuestionID: question.ID},
		CreatedAt: c.now(),
	}
	out := models.Outbound{Msg: final}
	if allowAudio && c.cfg.AudioReplies {
		audio, err := c.llm.TextToSpeech(ctx, localized)
		if err != nil {
			slog.Warn("Coordinator TTS failed, sending text only", "userID", user.ID, "error", err)
		} else {
			out.Audio = audio
		}
	}
	batch.Messages = append(batch.Messages, *final)

	user.AppendHistory(question.Text(), answerText, c.cfg.HistoryLimit, c.now())
	batch.Users = append(batch.Users, *user)
	return []models.Outbound{out}, nil
}

// markResolved records the terminal status on the verification message,
// its associated user notice, and, when resolving a correction prompt, the
// verification request it chains back to.
func (c *Coordinator) markResolved(batch *store.Batch, original *models.Message, status models.VerificationStatus) {
	batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: original.ID, Status: status})
	if original.Cross != nil && original.Cross.NoticeID != "" {
		batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: original.Cross.NoticeID, Status: status})
	}
	if original.Reply != nil && original.Reply.ReplyCategory == models.CategoryBotToExpertVerify && original.Reply.ReplyID != "" {
		batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: original.Reply.ReplyID, Status: status})
	}
}

// ackExpert builds a short acknowledgment message to the expert, tagged as
// a reply when the expert's message is available.
func (c *Coordinator) ackExpert(expert *models.User, replyTo *models.Message, text string) []models.Outbound {
	msg := &models.Message{
		ID:        models.NewMessageID(),
		Category:  models.CategoryBotToExpert,
		Kind:      models.KindText,
		Recipient: expert.PhoneNumber,
		Body:      models.Body{Source: text},
		CreatedAt: c.now(),
	}
	if replyTo != nil {
		msg.Channel = replyTo.Channel
		msg.Reply = &models.ReplyContext{ReplyID: replyTo.ID, ReplyCategory: replyTo.Category}
	}
	return []models.Outbound{{Msg: msg}}
}

// HandleTimeout transitions a stale verification to timeout. Only
// expert-facing messages produce the user-visible timeout notice; the user
// notice message just has its status flipped, so one question yields one
// notice no matter the sweep order. Already-terminal messages are a no-op,
// which makes the sweep safe to re-run.
func (c *Coordinator) HandleTimeout(ctx context.Context, batch *store.Batch, msg *models.Message) ([]models.Outbound, error) {
	if msg.VerificationStatus.Terminal() {
		return nil, nil
	}
	batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: msg.ID, Status: models.VerificationTimeout})

	if msg.Category != models.CategoryBotToExpertVerify && msg.Category != models.CategoryBotToExpertConsensus {
		return nil, nil
	}
	if msg.Cross != nil && msg.Cross.NoticeID != "" {
		batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: msg.Cross.NoticeID, Status: models.VerificationTimeout})
	}

	if msg.Cross == nil || msg.Cross.QuestionID == "" {
		slog.Warn("Coordinator timed-out verification has no question reference", "messageID", msg.ID)
		return nil, nil
	}
	question, err := c.store.GetMessage(msg.Cross.QuestionID)
	if err != nil || question == nil {
		slog.Warn("Coordinator could not load question for timeout notice", "questionID", msg.Cross.QuestionID, "error", err)
		return nil, nil
	}
	user, err := c.store.GetUser(question.SenderID)
	if err != nil || user == nil {
		slog.Warn("Coordinator could not load user for timeout notice", "userID", question.SenderID, "error", err)
		return nil, nil
	}

	notice := c.cfg.Templates.TimeoutNotice
	if user.Language != "" && user.Language != "en" {
		if translated, terr := c.llm.Translate(ctx, notice, "en", user.Language); terr == nil {
			notice = translated
		}
	}
	final := &models.Message{
		ID:        models.NewMessageID(),
		Category:  models.CategoryBotToUserResponse,
		Kind:      models.KindText,
		Channel:   question.Channel,
		Recipient: user.PhoneNumber,
		Body:      models.Body{Source: notice, English: c.cfg.Templates.TimeoutNotice},
		Reply:     &models.ReplyContext{ReplyID: question.ID, ReplyCategory: question.Category},
		Cross:     &models.CrossContext{QuestionID: question.ID},
		CreatedAt: c.now(),
	}
	batch.Messages = append(batch.Messages, *final)
	slog.Info("Coordinator verification timed out", "messageID", msg.ID, "questionID", question.ID)
	return []models.Outbound{{Msg: final}}, nil
}
