package verify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/models"
	"github.com/CareBridge/CareBridge/internal/store"
)

// fakeLLM returns queued generations in order and identity translations.
type fakeLLM struct {
	queue   []string
	genErr  error
	calls   int
	prompts []string
}

func (f *fakeLLM) Generate(ctx context.Context, system, user string) (string, error) {
	f.prompts = append(f.prompts, user)
	if f.genErr != nil {
		return "", f.genErr
	}
	idx := f.calls
	f.calls++
	if idx >= len(f.queue) {
		return "generated", nil
	}
	return f.queue[idx], nil
}

func (f *fakeLLM) Translate(ctx context.Context, text, src, dst string) (string, error) {
	if src == dst {
		return text, nil
	}
	return "[" + dst + "] " + text, nil
}

func (f *fakeLLM) SpeechToText(ctx context.Context, audio []byte) (string, error) {
	return "transcript", nil
}

func (f *fakeLLM) TextToSpeech(ctx context.Context, text string) ([]byte, error) {
	return []byte("audio"), nil
}

func testSetup(t *testing.T) (*Coordinator, *store.InMemoryStore, *fakeLLM, *config.Config) {
	t.Helper()
	st := store.NewInMemoryStore()
	llm := &fakeLLM{}
	cfg := config.Default()
	c := NewCoordinator(st, llm, nil, cfg)
	return c, st, llm, cfg
}

func seedQuestion(t *testing.T, st *store.InMemoryStore, now time.Time) (*models.User, *models.User, *models.Message) {
	t.Helper()
	user := &models.User{
		ID:           models.DeriveUserID("+919876543210"),
		PhoneNumber:  "+919876543210",
		Role:         models.RoleRegular,
		Language:     "en",
		LastActivity: now,
	}
	expert := &models.User{
		ID:           "expert1",
		PhoneNumber:  "+919876500000",
		Role:         models.RoleExpertMedical,
		Language:     "en",
		LastActivity: now,
	}
	question := &models.Message{
		ID:        "wamid.Q1",
		Category:  models.CategoryUserToBot,
		Kind:      models.KindText,
		Channel:   "qikchat",
		SenderID:  user.ID,
		Body:      models.Body{Source: "What is cancer?"},
		CreatedAt: now,
	}
	if err := st.SaveUser(*user); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveUser(*expert); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveMessage(*question); err != nil {
		t.Fatal(err)
	}
	return user, expert, question
}

// startAndSend runs StartVerification, applies the batch, and simulates the
// vendor substituting the verification request's id after send.
func startAndSend(t *testing.T, c *Coordinator, st *store.InMemoryStore, user *models.User, question *models.Message) (noticeID, verifyID string) {
	t.Helper()
	var batch store.Batch
	out, err := c.StartVerification(context.Background(), &batch, user, question, "Cancer is uncontrolled cell growth.", models.QueryTypeMedical)
	if err != nil {
		t.Fatalf("StartVerification failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected notice + verification request, got %d outbounds", len(out))
	}
	if err := st.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	noticeID = out[0].Msg.ID
	provisional := out[1].Msg.ID
	verifyID = "wamid.V1"
	if err := st.SubstituteMessageID(provisional, verifyID); err != nil {
		t.Fatalf("SubstituteMessageID failed: %v", err)
	}
	return noticeID, verifyID
}

func expertReply(verifyID, text string) *models.Message {
	return &models.Message{
		ID:       models.NewMessageID(),
		Category: models.CategoryExpertToBot,
		Kind:     models.KindText,
		Channel:  "qikchat",
		SenderID: "expert1",
		Body:     models.Body{Source: text},
		Reply:    &models.ReplyContext{ReplyID: verifyID},
	}
}

func TestApprovalFlow(t *testing.T) {
	c, st, _, cfg := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, expert, question := seedQuestion(t, st, now)
	noticeID, verifyID := startAndSend(t, c, st, user, question)

	var batch store.Batch
	out, err := c.HandleExpertReply(context.Background(), &batch, expert, expertReply(verifyID, "Yes"))
	if err != nil {
		t.Fatalf("HandleExpertReply failed: %v", err)
	}
	if err := st.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	var final, thanks *models.Message
	for i := range out {
		switch out[i].Msg.Category {
		case models.CategoryBotToUserResponse:
			final = out[i].Msg
		case models.CategoryBotToExpert:
			thanks = out[i].Msg
		}
	}
	if final == nil {
		t.Fatal("no final answer sent to user")
	}
	if final.Reply == nil || final.Reply.ReplyID != question.ID {
		t.Errorf("final answer must reply to the original question, got %+v", final.Reply)
	}
	if !strings.Contains(final.Text(), "Cancer is uncontrolled cell growth.") {
		t.Errorf("final answer must carry the approved draft, got %q", final.Text())
	}
	if thanks == nil || thanks.Body.Source != cfg.Templates.ThankYou {
		t.Error("expert did not receive a thank-you")
	}

	for _, id := range []string{verifyID, noticeID} {
		m, _ := st.GetMessage(id)
		if m.VerificationStatus != models.VerificationVerified {
			t.Errorf("message %s not marked verified: %s", id, m.VerificationStatus)
		}
	}

	// Rolling history recorded for the user.
	u, _ := st.GetUser(user.ID)
	if len(u.RollingHistory) != 1 || u.RollingHistory[0].Question != "What is cancer?" {
		t.Errorf("rolling history not updated: %+v", u.RollingHistory)
	}
}

func TestCorrectionFlow(t *testing.T) {
	c, st, llm, cfg := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, expert, question := seedQuestion(t, st, now)
	_, verifyID := startAndSend(t, c, st, user, question)

	// Expert rejects the draft.
	var batch store.Batch
	out, err := c.HandleExpertReply(context.Background(), &batch, expert, expertReply(verifyID, "No"))
	if err != nil {
		t.Fatalf("HandleExpertReply(No) failed: %v", err)
	}
	if err := st.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if len(out) != 1 || out[0].Msg.Body.Source != cfg.Templates.CorrectionPrompt {
		t.Fatalf("expected correction prompt, got %+v", out)
	}
	promptID := out[0].Msg.ID
	m, _ := st.GetMessage(verifyID)
	if m.VerificationStatus != models.VerificationCorrection {
		t.Errorf("verification not in waiting_for_correction: %s", m.VerificationStatus)
	}

	// Simulate vendor id substitution on the correction prompt, then the
	// expert replies to it with the correction.
	if err := st.SubstituteMessageID(promptID, "wamid.C1"); err != nil {
		t.Fatalf("SubstituteMessageID failed: %v", err)
	}
	llm.queue = []string{"Cancer is a disease of abnormal cell growth; early screening helps."}
	batch = store.Batch{}
	out, err = c.HandleExpertReply(context.Background(), &batch, expert, expertReply("wamid.C1", "Actually, cancer is abnormal cell growth."))
	if err != nil {
		t.Fatalf("HandleExpertReply(correction) failed: %v", err)
	}
	if err := st.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	var final *models.Message
	for i := range out {
		if out[i].Msg.Category == models.CategoryBotToUserResponse {
			final = out[i].Msg
		}
	}
	if final == nil {
		t.Fatal("no corrected answer sent to user")
	}
	if !strings.Contains(final.Text(), "abnormal cell growth") {
		t.Errorf("user must receive the synthesized correction, got %q", final.Text())
	}
	if final.Reply == nil || final.Reply.ReplyID != question.ID {
		t.Errorf("corrected answer must reply to the original question, got %+v", final.Reply)
	}
	if !strings.Contains(llm.prompts[len(llm.prompts)-1], "Rejected draft answer") {
		t.Error("synthesis prompt must include the rejected draft")
	}
}

func TestCorrectionSynthesisFailurePropagates(t *testing.T) {
	c, st, llm, _ := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, expert, question := seedQuestion(t, st, now)
	_, verifyID := startAndSend(t, c, st, user, question)

	llm.genErr = errors.New("llm down")
	var batch store.Batch
	if _, err := c.HandleExpertReply(context.Background(), &batch, expert, expertReply(verifyID, "the real answer is X")); err == nil {
		t.Fatal("LLM failure during correction synthesis must propagate")
	}
}

func TestTerminalReplayShortCircuits(t *testing.T) {
	c, st, _, cfg := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, expert, question := seedQuestion(t, st, now)
	_, verifyID := startAndSend(t, c, st, user, question)

	var batch store.Batch
	if _, err := c.HandleExpertReply(context.Background(), &batch, expert, expertReply(verifyID, "Yes")); err != nil {
		t.Fatalf("first reply failed: %v", err)
	}
	if err := st.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	// Duplicate delivery of the same approval.
	batch = store.Batch{}
	out, err := c.HandleExpertReply(context.Background(), &batch, expert, expertReply(verifyID, "Yes"))
	if err != nil {
		t.Fatalf("replayed reply failed: %v", err)
	}
	if len(out) != 1 || out[0].Msg.Body.Source != cfg.Templates.AlreadyAnswered {
		t.Fatalf("replay must produce only an already-answered ack, got %+v", out)
	}
	for i := range out {
		if out[i].Msg.Category == models.CategoryBotToUserResponse {
			t.Error("replay must not send the user a second answer")
		}
	}
	if len(batch.StatusUpdates) != 0 {
		t.Errorf("replay must not change state, got %d status updates", len(batch.StatusUpdates))
	}
}

func TestTimeoutFlow(t *testing.T) {
	c, st, _, cfg := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, expert, question := seedQuestion(t, st, now)
	noticeID, verifyID := startAndSend(t, c, st, user, question)

	verifyMsg, _ := st.GetMessage(verifyID)
	var batch store.Batch
	out, err := c.HandleTimeout(context.Background(), &batch, verifyMsg)
	if err != nil {
		t.Fatalf("HandleTimeout failed: %v", err)
	}
	if err := st.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if len(out) != 1 || out[0].Msg.Body.Source != cfg.Templates.TimeoutNotice {
		t.Fatalf("expected one timeout notice, got %+v", out)
	}
	if out[0].Msg.Recipient != user.PhoneNumber {
		t.Errorf("timeout notice must go to the user, got %q", out[0].Msg.Recipient)
	}
	for _, id := range []string{verifyID, noticeID} {
		m, _ := st.GetMessage(id)
		if m.VerificationStatus != models.VerificationTimeout {
			t.Errorf("message %s not marked timeout: %s", id, m.VerificationStatus)
		}
	}

	// Re-running the sweep on the now-terminal message is a no-op.
	verifyMsg, _ = st.GetMessage(verifyID)
	batch = store.Batch{}
	out, err = c.HandleTimeout(context.Background(), &batch, verifyMsg)
	if err != nil || len(out) != 0 || !batch.Empty() {
		t.Errorf("timeout replay must be a no-op: out=%v err=%v", out, err)
	}

	// A late approval gets an already-answered ack, no message to the user.
	batch = store.Batch{}
	out, err = c.HandleExpertReply(context.Background(), &batch, expert, expertReply(verifyID, "Yes"))
	if err != nil {
		t.Fatalf("late reply failed: %v", err)
	}
	if len(out) != 1 || out[0].Msg.Body.Source != cfg.Templates.AlreadyAnswered {
		t.Fatalf("late reply must produce only an ack, got %+v", out)
	}
}

func TestNoticeTimeoutDoesNotNotify(t *testing.T) {
	c, st, _, _ := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, _, question := seedQuestion(t, st, now)
	noticeID, _ := startAndSend(t, c, st, user, question)

	// The sweep may pick up the pending user notice too; it only flips
	// status, the expert-facing message drives the user notification.
	noticeMsg, _ := st.GetMessage(noticeID)
	var batch store.Batch
	out, err := c.HandleTimeout(context.Background(), &batch, noticeMsg)
	if err != nil {
		t.Fatalf("HandleTimeout failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("user notice timeout must not send anything, got %+v", out)
	}
	if len(batch.StatusUpdates) != 1 {
		t.Errorf("expected only the status flip, got %+v", batch.StatusUpdates)
	}
}

func TestStaleExpertGetsTemplate(t *testing.T) {
	c, st, _, _ := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, _, question := seedQuestion(t, st, now)

	// Make the expert inactive beyond the free-text window.
	expert, _ := st.GetUser("expert1")
	expert.LastActivity = now.Add(-48 * time.Hour)
	if err := st.SaveUser(*expert); err != nil {
		t.Fatal(err)
	}

	var batch store.Batch
	out, err := c.StartVerification(context.Background(), &batch, user, question, "draft", models.QueryTypeMedical)
	if err != nil {
		t.Fatalf("StartVerification failed: %v", err)
	}
	if out[1].Template != TemplateVerification {
		t.Errorf("stale expert must get a template message, got %q", out[1].Template)
	}
}

func TestNoExpertConfigured(t *testing.T) {
	c, st, _, cfg := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, _, question := seedQuestion(t, st, now)

	// Remove the only expert; with no default configured the start fails.
	expert, _ := st.GetUser("expert1")
	expert.Role = models.RoleRegular
	if err := st.SaveUser(*expert); err != nil {
		t.Fatal(err)
	}
	var batch store.Batch
	if _, err := c.StartVerification(context.Background(), &batch, user, question, "draft", models.QueryTypeMedical); !errors.Is(err, models.ErrNoExpert) {
		t.Fatalf("expected ErrNoExpert, got %v", err)
	}

	// With a default expert configured, the flow falls back to them.
	defaultExpert := models.User{ID: "fallback", PhoneNumber: "+911111111111", Role: models.RoleDefaultExpert, LastActivity: now}
	if err := st.SaveUser(defaultExpert); err != nil {
		t.Fatal(err)
	}
	cfg.DefaultExpertID = "fallback"
	batch = store.Batch{}
	out, err := c.StartVerification(context.Background(), &batch, user, question, "draft", models.QueryTypeMedical)
	if err != nil {
		t.Fatalf("StartVerification with default expert failed: %v", err)
	}
	if out[1].Msg.Recipient != defaultExpert.PhoneNumber {
		t.Errorf("verification must go to the default expert, got %q", out[1].Msg.Recipient)
	}
}

func TestReleaseAnswerTranslatesForUser(t *testing.T) {
	c, st, _, _ := testSetup(t)
	now := time.Now()
	c.now = func() time.Time { return now }
	user, expert, question := seedQuestion(t, st, now)

	user.Language = "hi"
	if err := st.SaveUser(*user); err != nil {
		t.Fatal(err)
	}
	_, verifyID := startAndSend(t, c, st, user, question)

	var batch store.Batch
	out, err := c.HandleExpertReply(context.Background(), &batch, expert, expertReply(verifyID, "Yes"))
	if err != nil {
		t.Fatalf("HandleExpertReply failed: %v", err)
	}
	var final *models.Message
	for i := range out {
		if out[i].Msg.Category == models.CategoryBotToUserResponse {
			final = out[i].Msg
		}
	}
	if final == nil || !strings.HasPrefix(final.Body.Source, "[hi] ") {
		t.Errorf("final answer not translated into the user's language: %+v", final)
	}
	if final.Body.English == "" {
		t.Error("English text must be retained alongside the translation")
	}
}
