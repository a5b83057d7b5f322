package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/CareBridge/CareBridge/internal/models"
	"github.com/CareBridge/CareBridge/internal/store"
)

const consensusSystemPrompt = `You are a careful health-information assistant. Several experts answered
the same question and the answers below represent the agreed majority view.
Write one final answer reflecting that view. Do not mention that multiple
experts were consulted and do not mention any other opinions. Reply with
the final answer only.`

// startConsensus fans the draft answer out to up to the configured number
// of experts, each with its own consensus request message and Consensus
// record keyed by that message's id.
func (c *Coordinator) startConsensus(ctx context.Context, batch *store.Batch, user *models.User, question *models.Message, noticeID, draftAnswer string, classification models.QueryType) ([]models.Outbound, error) {
	experts, err := c.consensusExperts(ctx, user, classification)
	if err != nil {
		return nil, err
	}
	questionText := question.Text()
	now := c.now()
	var out []models.Outbound
	for _, expert := range experts {
		body := fmt.Sprintf(c.cfg.Templates.ConsensusRequest, questionText, draftAnswer)
		msg := &models.Message{
			ID:                 models.NewMessageID(),
			Category:           models.CategoryBotToExpertConsensus,
			Kind:               models.KindText,
			Channel:            question.Channel,
			Recipient:          expert.PhoneNumber,
			Body:               models.Body{Source: body},
			Cross:              &models.CrossContext{QuestionID: question.ID, NoticeID: noticeID},
			Source:             &models.SourceFields{Question: questionText, DraftAnswer: draftAnswer},
			VerificationStatus: models.VerificationPending,
			TemplateParams:     []string{questionText, draftAnswer},
			CreatedAt:          now,
		}
		batch.Messages = append(batch.Messages, *msg)
		batch.Consensus = append(batch.Consensus, models.Consensus{
			ID:         models.NewConsensusID(),
			QuestionID: question.ID,
			UserID:     expert.ID,
			MessageID:  msg.ID,
			Status:     models.ConsensusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		o := models.Outbound{Msg: msg}
		if !c.isActive(ctx, &expert) {
			o.Template = TemplateConsensus
		}
		out = append(out, o)
	}
	slog.Info("Coordinator consensus started", "questionID", question.ID, "experts", len(experts))
	return out, nil
}

// consensusExperts returns up to the fan-out cap of experts for the query
// type, most recently active first, with the user's configured roster
// taking priority.
func (c *Coordinator) consensusExperts(ctx context.Context, user *models.User, classification models.QueryType) ([]models.User, error) {
	seen := make(map[string]bool)
	var experts []models.User
	if user != nil {
		for _, id := range user.Experts[classification] {
			if seen[id] || len(experts) >= c.cfg.ConsensusFanOut {
				continue
			}
			if expert, err := c.store.GetUser(id); err == nil && expert != nil {
				experts = append(experts, *expert)
				seen[id] = true
			}
		}
	}
	role := models.ExpertRoleFor(classification)
	byRole, err := c.store.ListUsersByRole(role)
	if err != nil {
		return nil, fmt.Errorf("failed to list experts for role %s: %w", role, err)
	}
	for _, expert := range byRole {
		if len(experts) >= c.cfg.ConsensusFanOut {
			break
		}
		if !seen[expert.ID] {
			experts = append(experts, expert)
			seen[expert.ID] = true
		}
	}
	if len(experts) == 0 {
		if c.cfg.DefaultExpertID != "" {
			if expert, err := c.store.GetUser(c.cfg.DefaultExpertID); err == nil && expert != nil {
				return []models.User{*expert}, nil
			}
		}
		return nil, models.ErrNoExpert
	}
	return experts, nil
}

// handleConsensusReply records one expert's consensus response and
// attempts resolution.
func (c *Coordinator) handleConsensusReply(ctx context.Context, batch *store.Batch, expert *models.User, reply *models.Message, original *models.Message) ([]models.Outbound, error) {
	if original.Cross == nil || original.Cross.QuestionID == "" {
		return nil, fmt.Errorf("consensus message %s has no question reference", original.ID)
	}
	records, err := c.store.ListConsensusByQuestion(original.Cross.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consensus records for %s: %w", original.Cross.QuestionID, err)
	}

	idx := -1
	for i := range records {
		if records[i].MessageID == original.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		slog.Warn("Coordinator consensus reply has no matching record", "messageID", original.ID, "expertID", expert.ID)
		return c.ackExpert(expert, reply, c.cfg.Templates.AlreadyAnswered), nil
	}
	if records[idx].Status == models.ConsensusResolved {
		return c.ackExpert(expert, reply, c.cfg.Templates.AlreadyAnswered), nil
	}

	text := strings.TrimSpace(reply.Text())
	records[idx].Status = models.ConsensusResolved
	if !strings.EqualFold(text, c.cfg.NoToken) {
		records[idx].Response = text
	}
	records[idx].UpdatedAt = c.now()
	batch.Consensus = append(batch.Consensus, records[idx])
	batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: original.ID, Status: models.VerificationVerified})

	out := c.ackExpert(expert, reply, c.cfg.Templates.ThankYou)
	resolved, err := c.tryResolveConsensus(ctx, batch, original, records)
	if err != nil {
		return nil, err
	}
	return append(out, resolved...), nil
}

// tryResolveConsensus applies the deterministic majority rule over the
// substantive responses gathered so far. Vote counting happens here, not in
// the model: the model only words the final answer from the majority view.
func (c *Coordinator) tryResolveConsensus(ctx context.Context, batch *store.Batch, original *models.Message, records []models.Consensus) ([]models.Outbound, error) {
	var substantive []string
	pending := 0
	for _, r := range records {
		switch {
		case r.Status == models.ConsensusPending:
			pending++
		case r.Response != "":
			substantive = append(substantive, r.Response)
		}
	}
	if len(substantive) < c.cfg.ConsensusMinReplies {
		return nil, nil
	}
	if len(substantive) > c.cfg.ConsensusMaxReplies {
		substantive = substantive[:c.cfg.ConsensusMaxReplies]
	}

	majority, tie := majorityClaim(substantive)
	if tie {
		if pending > 0 {
			// More replies may still break the tie.
			return nil, nil
		}
		slog.Info("Coordinator consensus tie with all replies in", "questionID", original.Cross.QuestionID)
		return c.reportNoConsensus(ctx, batch, original, records)
	}

	questionText, _, _ := RecoverQA(original)
	prompt := "Question: " + questionText + "\nMajority expert answers:\n"
	for _, a := range majority {
		prompt += "- " + a + "\n"
	}
	finalAnswer, err := c.llm.Generate(ctx, consensusSystemPrompt, prompt)
	if err != nil {
		slog.Error("Coordinator consensus synthesis failed", "questionID", original.Cross.QuestionID, "error", err)
		return nil, fmt.Errorf("failed to synthesize consensus answer: %w", err)
	}
	out, err := c.releaseAnswer(ctx, batch, original, finalAnswer, true)
	if err != nil {
		return nil, err
	}
	c.markResolved(batch, original, models.VerificationVerified)
	c.closeConsensusRequests(batch, records, models.VerificationVerified)
	slog.Info("Coordinator consensus resolved", "questionID", original.Cross.QuestionID, "votes", len(majority), "total", len(substantive))
	return out, nil
}

// closeConsensusRequests settles the still-unanswered request messages for
// the question so the timeout sweep does not act on an already-decided
// question. Answered requests were marked verified when the reply was
// recorded.
func (c *Coordinator) closeConsensusRequests(batch *store.Batch, records []models.Consensus, status models.VerificationStatus) {
	for _, r := range records {
		if r.Status != models.ConsensusPending {
			continue
		}
		batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: r.MessageID, Status: status})
		r.Status = models.ConsensusResolved
		r.UpdatedAt = c.now()
		batch.Consensus = append(batch.Consensus, r)
	}
}

// reportNoConsensus notifies the user that the experts did not agree.
// Terminal for the question.
func (c *Coordinator) reportNoConsensus(ctx context.Context, batch *store.Batch, original *models.Message, records []models.Consensus) ([]models.Outbound, error) {
	question, err := c.store.GetMessage(original.Cross.QuestionID)
	if err != nil || question == nil {
		return nil, fmt.Errorf("failed to load question %s for no-consensus notice: %w", original.Cross.QuestionID, err)
	}
	user, err := c.store.GetUser(question.SenderID)
	if err != nil || user == nil {
		return nil, fmt.Errorf("failed to load user %s for no-consensus notice: %w", question.SenderID, err)
	}
	notice := c.cfg.Templates.NoConsensusNotice
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
		Body:      models.Body{Source: notice, English: c.cfg.Templates.NoConsensusNotice},
		Reply:     &models.ReplyContext{ReplyID: question.ID, ReplyCategory: question.Category},
		Cross:     &models.CrossContext{QuestionID: question.ID},
		CreatedAt: c.now(),
	}
	batch.Messages = append(batch.Messages, *final)
	if original.Cross.NoticeID != "" {
		batch.StatusUpdates = append(batch.StatusUpdates, store.StatusUpdate{MessageID: original.Cross.NoticeID, Status: models.VerificationTimeout})
	}
	c.closeConsensusRequests(batch, records, models.VerificationTimeout)
	return []models.Outbound{{Msg: final}}, nil
}

// majorityClaim buckets responses by normalized text equality and returns
// the bucket holding a strict plurality. A tie for the largest bucket
// returns tie=true and no winner.
func majorityClaim(responses []string) ([]string, bool) {
	buckets := make(map[string][]string)
	var order []string
	for _, r := range responses {
		key := normalizeClaim(r)
		if key == "" {
			continue
		}
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], r)
	}
	if len(order) == 0 {
		return nil, true
	}
	best, bestCount, tied := "", 0, false
	for _, key := range order {
		n := len(buckets[key])
		switch {
		case n > bestCount:
			best, bestCount, tied = key, n, false
		case n == bestCount:
			tied = true
		}
	}
	if tied {
		return nil, true
	}
	return buckets[best], false
}

// normalizeClaim canonicalizes a response for equality bucketing:
// lowercase, punctuation stripped, whitespace collapsed.
func normalizeClaim(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
