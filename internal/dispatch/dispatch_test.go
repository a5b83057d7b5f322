package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CareBridge/CareBridge/internal/answer"
	"github.com/CareBridge/CareBridge/internal/cache"
	"github.com/CareBridge/CareBridge/internal/channel"
	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/models"
	"github.com/CareBridge/CareBridge/internal/store"
	"github.com/CareBridge/CareBridge/internal/verify"
)

// fakePayload is the wire shape the fake adapter accepts.
type fakePayload struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Text    string `json:"text"`
	Kind    string `json:"kind,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	MediaID string `json:"media_id,omitempty"`
}

// fakeAdapter implements channel.Adapter against an in-memory send log.
type fakeAdapter struct {
	mu      sync.Mutex
	sent    []channel.Request
	nextID  int
	sendErr error
	media   map[string][]byte
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{media: make(map[string][]byte)}
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Validate(raw []byte) (bool, models.MessageKind) {
	var p fakePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" || p.From == "" {
		return false, ""
	}
	switch p.Kind {
	case "audio":
		return true, models.KindAudio
	case "status":
		return true, models.KindStatus
	default:
		return true, models.KindText
	}
}

func (a *fakeAdapter) Normalize(raw []byte) (*models.Message, error) {
	var p fakePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.From == "" {
		return nil, fmt.Errorf("missing sender")
	}
	now := time.Now()
	m := &models.Message{
		ID:          p.ID,
		Category:    models.CategoryUserToBot,
		Kind:        models.KindText,
		Channel:     "fake",
		SenderID:    models.DeriveUserID(p.From),
		SenderPhone: p.From,
		Body:        models.Body{Source: p.Text},
		CreatedAt:   now,
		ReceivedAt:  now,
	}
	if p.Kind == "audio" {
		m.Kind = models.KindAudio
		m.Body.MediaID = p.MediaID
	}
	if p.ReplyTo != "" {
		m.Reply = &models.ReplyContext{ReplyID: p.ReplyTo}
	}
	return m, nil
}

func (a *fakeAdapter) BuildOutbound(out models.Outbound) ([]channel.Request, error) {
	if out.Msg == nil {
		return nil, models.ErrEmptyBody
	}
	replyTo := ""
	if out.Msg.Reply != nil {
		replyTo = out.Msg.Reply.ReplyID
	}
	if out.Msg.Category == models.CategoryReadReceipt {
		return []channel.Request{{To: out.Msg.Recipient, Kind: models.KindStatus, ReplyTo: replyTo, Final: true}}, nil
	}
	var reqs []channel.Request
	if len(out.Audio) > 0 {
		reqs = append(reqs, channel.Request{To: out.Msg.Recipient, Kind: models.KindAudio, Media: out.Audio})
	}
	reqs = append(reqs, channel.Request{
		To:       out.Msg.Recipient,
		Kind:     models.KindText,
		Text:     out.Msg.Text(),
		Template: out.Template,
		ReplyTo:  replyTo,
		Final:    true,
	})
	return reqs, nil
}

func (a *fakeAdapter) Send(ctx context.Context, req channel.Request) (channel.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return channel.SendResult{}, a.sendErr
	}
	a.sent = append(a.sent, req)
	if req.Kind == models.KindStatus {
		return channel.SendResult{}, nil
	}
	a.nextID++
	return channel.SendResult{VendorID: fmt.Sprintf("v_%d", a.nextID)}, nil
}

func (a *fakeAdapter) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.media[mediaID]
	if !ok {
		return nil, fmt.Errorf("unknown media %s", mediaID)
	}
	return data, nil
}

func (a *fakeAdapter) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := fmt.Sprintf("fm_%d", len(a.media)+1)
	a.media[id] = data
	return id, nil
}

func (a *fakeAdapter) sentRequests() []channel.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]channel.Request, len(a.sent))
	copy(out, a.sent)
	return out
}

// stubLLM replays scripted completions and marks translations with the
// target language.
type stubLLM struct {
	mu        sync.Mutex
	responses []string
	block     bool
	calls     int
}

func (s *stubLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.responses) == 0 {
		return "", fmt.Errorf("no scripted response")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *stubLLM) Translate(ctx context.Context, text, src, dst string) (string, error) {
	if src == dst || src == "" || dst == "" {
		return text, nil
	}
	return "[" + dst + "] " + text, nil
}

func (s *stubLLM) SpeechToText(ctx context.Context, audio []byte) (string, error) {
	return "transcribed question", nil
}

func (s *stubLLM) TextToSpeech(ctx context.Context, text string) ([]byte, error) {
	return []byte("audio"), nil
}

func testDispatcher(t *testing.T, llm *stubLLM) (*Dispatcher, *store.InMemoryStore, *fakeAdapter, *config.Config) {
	t.Helper()
	st := store.NewInMemoryStore()
	cfg := config.Default()
	cfg.MessageBudget = 5 * time.Second
	ac := cache.NewMemoryCache(cfg.ActivityCacheTTL)
	adapter := newFakeAdapter()
	gen := answer.NewGenerator(llm, nil, cfg)
	coord := verify.NewCoordinator(st, llm, ac, cfg)
	d := NewDispatcher(st, map[string]channel.Adapter{"fake": adapter}, gen, coord, llm, ac, cfg)
	return d, st, adapter, cfg
}

func enqueue(t *testing.T, st *store.InMemoryStore, p fakePayload) []store.QueueEntry {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if _, err := st.EnqueueInbound("fake", raw, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := st.ReceiveInbound(time.Now(), 10, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected a claimed entry")
	}
	return entries
}

func TestSmallTalkDirectReply(t *testing.T) {
	llm := &stubLLM{responses: []string{"<ANSWER>Hello! How can I help?</ANSWER><CLASS>small-talk</CLASS>"}}
	d, st, adapter, _ := testDispatcher(t, llm)

	entries := enqueue(t, st, fakePayload{ID: "wamid.U1", From: "+911112223334", Text: "hi there"})
	if n := d.HandleBatch(context.Background(), entries); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	user, err := st.GetUser(models.DeriveUserID("+911112223334"))
	if err != nil || user == nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.Role != models.RoleRegular {
		t.Errorf("role = %q, want regular", user.Role)
	}
	if len(user.RollingHistory) != 1 {
		t.Fatalf("history len = %d, want 1", len(user.RollingHistory))
	}

	sent := adapter.sentRequests()
	if len(sent) != 2 {
		t.Fatalf("sent %d requests, want receipt + reply", len(sent))
	}
	if sent[0].Kind != models.KindStatus {
		t.Errorf("first request kind = %q, want read receipt", sent[0].Kind)
	}
	if !strings.Contains(sent[1].Text, "Hello! How can I help?") {
		t.Errorf("reply text = %q", sent[1].Text)
	}
	if sent[1].ReplyTo != "wamid.U1" {
		t.Errorf("reply anchored to %q, want wamid.U1", sent[1].ReplyTo)
	}

	// The reply's provisional id was substituted with the vendor id.
	reply, err := st.GetMessage("v_1")
	if err != nil || reply == nil {
		t.Fatalf("reply not stored under vendor id: %v", err)
	}
	if reply.Category != models.CategoryBotToUserResponse {
		t.Errorf("reply category = %q", reply.Category)
	}
	if reply.ProvisionalID == "" || !strings.HasPrefix(reply.ProvisionalID, "m_") {
		t.Errorf("provisional id not retained: %q", reply.ProvisionalID)
	}

	// Entry confirmed processed: nothing left to redeliver.
	left, err := st.ReceiveInbound(time.Now().Add(2*time.Minute), 10, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("queue still holds %d entries", len(left))
	}
}

func TestMedicalQuestionStartsVerification(t *testing.T) {
	llm := &stubLLM{responses: []string{"<ANSWER>Drink fluids and rest.</ANSWER><CLASS>medical</CLASS>"}}
	d, st, adapter, cfg := testDispatcher(t, llm)
	cfg.DefaultExpertID = "expert1"
	if err := st.SaveUser(models.User{
		ID:           "expert1",
		PhoneNumber:  "+919999999999",
		Role:         models.RoleExpertMedical,
		Language:     "en",
		LastActivity: time.Now(),
	}); err != nil {
		t.Fatalf("seed expert: %v", err)
	}

	entries := enqueue(t, st, fakePayload{ID: "wamid.U2", From: "+911112223334", Text: "What helps a fever?"})
	if n := d.HandleBatch(context.Background(), entries); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	sent := adapter.sentRequests()
	// Receipt, please-wait notice, verification request.
	if len(sent) != 3 {
		t.Fatalf("sent %d requests, want 3", len(sent))
	}
	if !strings.Contains(sent[2].Text, "What helps a fever?") || !strings.Contains(sent[2].Text, "Drink fluids and rest.") {
		t.Errorf("verification request missing question or draft: %q", sent[2].Text)
	}

	pending, err := st.ListMessagesByStatus([]models.VerificationStatus{models.VerificationPending}, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending messages = %d, want notice + request", len(pending))
	}
}

func TestExpertReplyRoutedToCoordinator(t *testing.T) {
	llm := &stubLLM{responses: []string{"<ANSWER>Drink fluids and rest.</ANSWER><CLASS>medical</CLASS>"}}
	d, st, adapter, cfg := testDispatcher(t, llm)
	cfg.DefaultExpertID = "expert1"
	if err := st.SaveUser(models.User{
		ID:           "expert1",
		PhoneNumber:  "+919999999999",
		Role:         models.RoleExpertMedical,
		Language:     "en",
		LastActivity: time.Now(),
	}); err != nil {
		t.Fatalf("seed expert: %v", err)
	}

	entries := enqueue(t, st, fakePayload{ID: "wamid.U3", From: "+911112223334", Text: "What helps a fever?"})
	if n := d.HandleBatch(context.Background(), entries); n != 1 {
		t.Fatal("question not processed")
	}
	// The verification request was the third send; its vendor id is v_2
	// (the receipt gets none).
	verReq, err := st.GetMessage("v_2")
	if err != nil || verReq == nil {
		t.Fatalf("verification request not stored under vendor id: %v", err)
	}
	if verReq.Category != models.CategoryBotToExpertVerify {
		t.Fatalf("message v_2 category = %q", verReq.Category)
	}

	entries = enqueue(t, st, fakePayload{ID: "wamid.E1", From: "+919999999999", Text: "Yes", ReplyTo: "v_2"})
	if n := d.HandleBatch(context.Background(), entries); n != 1 {
		t.Fatal("expert reply not processed")
	}

	updated, err := st.GetMessage("v_2")
	if err != nil || updated == nil {
		t.Fatalf("verification request lost: %v", err)
	}
	if updated.VerificationStatus != models.VerificationVerified {
		t.Errorf("status = %q, want verified", updated.VerificationStatus)
	}

	var finalText string
	for _, req := range adapter.sentRequests() {
		if strings.Contains(req.Text, "Drink fluids and rest.") && req.ReplyTo == "wamid.U3" {
			finalText = req.Text
		}
	}
	if finalText == "" {
		t.Error("final answer never sent to the user as a reply to the question")
	}
}

func TestInvalidPayloadDropped(t *testing.T) {
	llm := &stubLLM{}
	d, st, adapter, _ := testDispatcher(t, llm)

	if _, err := st.EnqueueInbound("fake", []byte("not json"), time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := st.ReceiveInbound(time.Now(), 10, time.Minute)
	if err != nil || len(entries) != 1 {
		t.Fatalf("claim: %v (%d entries)", err, len(entries))
	}
	if n := d.HandleBatch(context.Background(), entries); n != 1 {
		t.Fatalf("processed = %d, want poison entry acknowledged", n)
	}
	if len(adapter.sentRequests()) != 0 {
		t.Error("poison payload produced sends")
	}
	left, err := st.ReceiveInbound(time.Now().Add(2*time.Minute), 10, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(left) != 0 {
		t.Error("poison entry left in queue")
	}
}

func TestSendFailureLeavesEntryQueued(t *testing.T) {
	llm := &stubLLM{responses: []string{"<ANSWER>Hello!</ANSWER><CLASS>small-talk</CLASS>"}}
	d, st, adapter, _ := testDispatcher(t, llm)
	adapter.sendErr = fmt.Errorf("vendor 503")

	entries := enqueue(t, st, fakePayload{ID: "wamid.U4", From: "+911112223334", Text: "hi"})
	if n := d.HandleBatch(context.Background(), entries); n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}

	// No partial writes: the user record was discarded with the batch.
	user, err := st.GetUser(models.DeriveUserID("+911112223334"))
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user != nil {
		t.Error("failed message left a user write behind")
	}

	left, err := st.ReceiveInbound(time.Now().Add(2*time.Minute), 10, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(left) != 1 {
		t.Fatalf("queue entries = %d, want redelivery", len(left))
	}
	if left[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", left[0].Attempts)
	}
}

func TestSendFailureInvalidatesActivityCache(t *testing.T) {
	llm := &stubLLM{responses: []string{"<ANSWER>Hello!</ANSWER><CLASS>small-talk</CLASS>"}}
	st := store.NewInMemoryStore()
	cfg := config.Default()
	cfg.MessageBudget = 5 * time.Second
	ac := cache.NewMemoryCache(cfg.ActivityCacheTTL)
	adapter := newFakeAdapter()
	adapter.sendErr = fmt.Errorf("vendor 503")
	gen := answer.NewGenerator(llm, nil, cfg)
	coord := verify.NewCoordinator(st, llm, ac, cfg)
	d := NewDispatcher(st, map[string]channel.Adapter{"fake": adapter}, gen, coord, llm, ac, cfg)

	entries := enqueue(t, st, fakePayload{ID: "wamid.U7", From: "+911112223334", Text: "hi"})
	if n := d.HandleBatch(context.Background(), entries); n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}

	// The batch was discarded, so the cache must not claim activity the
	// store never recorded.
	if _, ok, err := ac.Get(context.Background(), models.DeriveUserID("+911112223334")); err != nil || ok {
		t.Errorf("activity cache hit after discarded batch (ok=%v, err=%v)", ok, err)
	}
}

func TestBudgetOverrunDiscardsWrites(t *testing.T) {
	llm := &stubLLM{block: true}
	d, st, _, cfg := testDispatcher(t, llm)
	cfg.MessageBudget = 50 * time.Millisecond

	entries := enqueue(t, st, fakePayload{ID: "wamid.U5", From: "+911112223334", Text: "What helps a fever?"})
	start := time.Now()
	n := d.HandleBatch(context.Background(), entries)
	if time.Since(start) > 2*time.Second {
		t.Fatal("budget not enforced")
	}
	// The answer pipeline fell back to the apology after the LLM deadline,
	// but the send then found the context expired, so nothing was flushed.
	if n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}
	msg, err := st.GetMessage("wamid.U5")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg != nil {
		t.Error("timed-out message was persisted")
	}
}

func TestAudioQuestionTranscribed(t *testing.T) {
	llm := &stubLLM{responses: []string{"<ANSWER>Hello!</ANSWER><CLASS>small-talk</CLASS>"}}
	d, st, adapter, _ := testDispatcher(t, llm)
	adapter.media["media1"] = []byte("opus bytes")

	entries := enqueue(t, st, fakePayload{ID: "wamid.U6", From: "+911112223334", Kind: "audio", MediaID: "media1"})
	if n := d.HandleBatch(context.Background(), entries); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	stored, err := st.GetMessage("wamid.U6")
	if err != nil || stored == nil {
		t.Fatalf("inbound not stored: %v", err)
	}
	if stored.Body.Source != "transcribed question" {
		t.Errorf("body = %q, want transcript", stored.Body.Source)
	}
}

func TestStatusCallbackAcknowledged(t *testing.T) {
	llm := &stubLLM{}
	d, st, adapter, _ := testDispatcher(t, llm)

	entries := enqueue(t, st, fakePayload{ID: "wamid.S1", From: "+911112223334", Kind: "status"})
	if n := d.HandleBatch(context.Background(), entries); n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if len(adapter.sentRequests()) != 0 {
		t.Error("status callback produced sends")
	}
	if msg, _ := st.GetMessage("wamid.S1"); msg != nil {
		t.Error("status callback was persisted")
	}
}

func TestOrderOutbounds(t *testing.T) {
	receipt := models.Outbound{Msg: &models.Message{ID: "r", Category: models.CategoryReadReceipt}}
	ack := models.Outbound{Msg: &models.Message{ID: "a", Category: models.CategoryBotToExpert}}
	answerOut := models.Outbound{Msg: &models.Message{ID: "s", Category: models.CategoryBotToUserResponse}}

	got := orderOutbounds([]models.Outbound{answerOut, ack, receipt}, config.Ordering{ReceiptsFirst: true})
	want := []string{"r", "a", "s"}
	for i, o := range got {
		if o.Msg.ID != want[i] {
			t.Fatalf("position %d = %q, want %q", i, o.Msg.ID, want[i])
		}
	}

	got = orderOutbounds([]models.Outbound{receipt, answerOut}, config.Ordering{ReceiptsFirst: false})
	if got[0].Msg.ID != "r" || got[1].Msg.ID != "s" {
		t.Fatalf("unexpected order without receipts-first: %q, %q", got[0].Msg.ID, got[1].Msg.ID)
	}
}

func TestAudioLast(t *testing.T) {
	reqs := []channel.Request{
		{Kind: models.KindAudio},
		{Kind: models.KindText, Final: true},
	}
	got := audioLast(reqs)
	if got[0].Kind != models.KindText || got[1].Kind != models.KindAudio {
		t.Fatalf("audio not moved last: %v, %v", got[0].Kind, got[1].Kind)
	}
}
