package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/CareBridge/CareBridge/internal/models"
)

func TestSplitTextShortTextIsUnsplit(t *testing.T) {
	chunks := SplitText("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("expected single chunk, got %v", chunks)
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	text := strings.Repeat("word ", 200)
	chunks := SplitText(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > 100 {
			t.Errorf("chunk %d exceeds limit: %d runes", i, utf8.RuneCountInString(c))
		}
	}
}

func TestSplitTextPrefersWordBoundary(t *testing.T) {
	text := strings.Repeat("aaaa ", 30) // 150 runes
	chunks := SplitText(text, 100)
	for i, c := range chunks[:len(chunks)-1] {
		if strings.HasSuffix(c, "aa") && !strings.HasSuffix(c, "aaaa") {
			t.Errorf("chunk %d split mid-word: %q", i, c[len(c)-6:])
		}
	}
}

func TestBuildTextRequestsFinalChunkCarriesReplyTag(t *testing.T) {
	text := strings.Repeat("x ", 120)
	reqs := buildTextRequests("+15551234567", text, "wamid.ORIG", 100)
	if len(reqs) < 2 {
		t.Fatalf("expected a split, got %d requests", len(reqs))
	}
	for i, r := range reqs[:len(reqs)-1] {
		if r.ReplyTo != "" || r.Final {
			t.Errorf("non-final request %d must not carry the reply tag", i)
		}
	}
	last := reqs[len(reqs)-1]
	if last.ReplyTo != "wamid.ORIG" || !last.Final {
		t.Errorf("final request must carry the reply tag, got %+v", last)
	}
}

func TestQikchatNormalizeText(t *testing.T) {
	a := &QikchatAdapter{baseURL: DefaultQikchatBaseURL, apiKey: "k"}
	raw := []byte(`{"id":"qm1","from":"+919876543210","type":"text","timestamp":1724600000,"text":{"body":"What is cancer?"},"context":{"id":"qm0"}}`)

	ok, kind := a.Validate(raw)
	if !ok || kind != models.KindText {
		t.Fatalf("Validate = %v, %v", ok, kind)
	}
	m, err := a.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if m.ID != "qm1" || m.Body.Source != "What is cancer?" {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.SenderID != models.DeriveUserID("+919876543210") {
		t.Errorf("sender id not derived from phone: %q", m.SenderID)
	}
	if m.Reply == nil || m.Reply.ReplyID != "qm0" {
		t.Errorf("reply context not extracted: %+v", m.Reply)
	}
}

func TestQikchatNormalizeAudio(t *testing.T) {
	a := &QikchatAdapter{baseURL: DefaultQikchatBaseURL, apiKey: "k"}
	raw := []byte(`{"id":"qm2","from":"+919876543210","type":"audio","audio":{"id":"media99"}}`)
	m, err := a.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if m.Kind != models.KindAudio || m.Body.MediaID != "media99" {
		t.Errorf("audio fields not extracted: %+v", m)
	}
}

func TestQikchatNormalizeMissingSender(t *testing.T) {
	a := &QikchatAdapter{baseURL: DefaultQikchatBaseURL, apiKey: "k"}
	if _, err := a.Normalize([]byte(`{"id":"qm3","type":"text"}`)); err == nil {
		t.Fatal("expected error for payload without sender")
	}
}

func TestQikchatSendParsesVendorID(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(qikchatAPIKeyHeader)
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"status": true, "data": []map[string]string{{"id": "qv_123"}}})
	}))
	defer srv.Close()

	a := &QikchatAdapter{baseURL: srv.URL, apiKey: "secret", httpClient: srv.Client()}
	res, err := a.Send(context.Background(), Request{To: "+919876543210", Kind: models.KindText, Text: "hello", ReplyTo: "qm0"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.VendorID != "qv_123" {
		t.Errorf("expected vendor id qv_123, got %q", res.VendorID)
	}
	if gotPath != "/messages" || gotKey != "secret" {
		t.Errorf("unexpected request: path=%q key=%q", gotPath, gotKey)
	}
	if ctxField, ok := gotBody["context"].(map[string]any); !ok || ctxField["message_id"] != "qm0" {
		t.Errorf("reply tag not included in payload: %v", gotBody["context"])
	}
}

func TestQikchatSendToleratesMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := &QikchatAdapter{baseURL: srv.URL, apiKey: "k", httpClient: srv.Client()}
	res, err := a.Send(context.Background(), Request{To: "+91987", Kind: models.KindText, Text: "hi"})
	if err != nil {
		t.Fatalf("Send should tolerate a malformed 200 body: %v", err)
	}
	if res.VendorID != "" {
		t.Errorf("expected empty vendor id, got %q", res.VendorID)
	}
}

func TestTwilioNormalize(t *testing.T) {
	a := &TwilioAdapter{from: "+14155550100"}
	raw := []byte(`{"MessageSid":"SM123","From":"whatsapp:+919876543210","Body":"Yes","OriginalRepliedMessageSid":"SM000"}`)

	ok, kind := a.Validate(raw)
	if !ok || kind != models.KindText {
		t.Fatalf("Validate = %v, %v", ok, kind)
	}
	m, err := a.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if m.ID != "SM123" || m.Body.Source != "Yes" {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.SenderID != models.DeriveUserID("+919876543210") {
		t.Errorf("whatsapp: prefix not stripped before deriving sender id")
	}
	if m.Reply == nil || m.Reply.ReplyID != "SM000" {
		t.Errorf("reply context not extracted: %+v", m.Reply)
	}
}

// fakeTwilioSender records create-message params without hitting the vendor.
type fakeTwilioSender struct {
	params []*openapi.CreateMessageParams
}

func (f *fakeTwilioSender) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	sid := fmt.Sprintf("SM%d", len(f.params))
	return &openapi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioSendStashesAudioBehindMediaURL(t *testing.T) {
	sender := &fakeTwilioSender{}
	a := &TwilioAdapter{
		client:       sender,
		from:         "+14155550100",
		mediaBaseURL: "https://carebridge.example.org",
		media:        map[string][]byte{},
	}
	out := models.Outbound{
		Msg: &models.Message{
			Recipient: "+919876543210",
			Kind:      models.KindText,
			Body:      models.Body{Source: "answer text"},
			Reply:     &models.ReplyContext{ReplyID: "SM000"},
		},
		Audio: []byte("mp3 bytes"),
	}
	reqs, err := a.BuildOutbound(out)
	if err != nil {
		t.Fatalf("BuildOutbound failed: %v", err)
	}
	if len(reqs) != 2 || reqs[0].Kind != models.KindAudio {
		t.Fatalf("expected audio request before text, got %+v", reqs)
	}

	res, err := a.Send(context.Background(), reqs[0])
	if err != nil {
		t.Fatalf("audio Send failed: %v", err)
	}
	if res.VendorID != "SM1" {
		t.Errorf("vendor id = %q", res.VendorID)
	}
	if len(sender.params) != 1 || sender.params[0].MediaUrl == nil || len(*sender.params[0].MediaUrl) != 1 {
		t.Fatalf("media url not set on vendor request: %+v", sender.params)
	}
	mediaURL := (*sender.params[0].MediaUrl)[0]
	prefix := "https://carebridge.example.org/media/twilio/"
	if !strings.HasPrefix(mediaURL, prefix) {
		t.Fatalf("media url = %q, want %s prefix", mediaURL, prefix)
	}

	// The URL's id resolves to the stashed bytes through the media endpoint.
	id := strings.TrimPrefix(mediaURL, prefix)
	data, err := a.DownloadMedia(context.Background(), id)
	if err != nil {
		t.Fatalf("stashed media not retrievable: %v", err)
	}
	if string(data) != "mp3 bytes" {
		t.Errorf("stashed bytes = %q", data)
	}
}

func TestTwilioSendAudioWithoutMediaBaseFails(t *testing.T) {
	sender := &fakeTwilioSender{}
	a := &TwilioAdapter{client: sender, from: "+14155550100", media: map[string][]byte{}}
	_, err := a.Send(context.Background(), Request{To: "+919876543210", Kind: models.KindAudio, Media: []byte("mp3")})
	if !errors.Is(err, models.ErrMissingConfig) {
		t.Fatalf("expected missing-config error, got %v", err)
	}
	if len(sender.params) != 0 {
		t.Error("vendor client reached despite unresolvable media")
	}
}

func TestWhatsAppEnvelopeRoundTrip(t *testing.T) {
	a := &WhatsAppAdapter{media: map[string][]byte{}}
	raw := []byte(`{"channel":"whatsapp","message_id":"wamid.X","from":"919876543210","kind":"text","text":"hello","reply_to":"wamid.Y","timestamp":1724600000}`)

	ok, kind := a.Validate(raw)
	if !ok || kind != models.KindText {
		t.Fatalf("Validate = %v, %v", ok, kind)
	}
	m, err := a.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if m.ID != "wamid.X" || m.Reply == nil || m.Reply.ReplyID != "wamid.Y" {
		t.Errorf("envelope fields not mapped: %+v", m)
	}
}

func TestWhatsAppInboundEventBridgedToCallback(t *testing.T) {
	a := &WhatsAppAdapter{media: map[string][]byte{}}
	text := "what helps a fever"
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("911112223334", JIDSuffix)},
			ID:            "wamid.IN1",
			Timestamp:     time.Unix(1724600000, 0),
		},
		Message: &waE2E.Message{Conversation: &text},
	}

	// The event handler is registered before the callback, so events may
	// race the registration; they must be dropped, not crash.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			a.handleEvent(evt)
		}
	}()
	var (
		mu  sync.Mutex
		got [][]byte
	)
	a.OnInbound(func(raw []byte) {
		mu.Lock()
		got = append(got, raw)
		mu.Unlock()
	})
	<-done
	a.handleEvent(evt)

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no envelope reached the callback")
	}
	var env waEnvelope
	if err := json.Unmarshal(got[len(got)-1], &env); err != nil {
		t.Fatalf("envelope not valid JSON: %v", err)
	}
	if env.Channel != ChannelWhatsApp || env.MessageID != "wamid.IN1" || env.From != "911112223334" || env.Text != text {
		t.Errorf("envelope fields not mapped: %+v", env)
	}
}

func TestWhatsAppValidateRejectsOtherChannels(t *testing.T) {
	a := &WhatsAppAdapter{}
	if ok, _ := a.Validate([]byte(`{"channel":"qikchat","kind":"text"}`)); ok {
		t.Error("whatsapp adapter must reject foreign envelopes")
	}
}

func TestBuildOutboundAudioBeforeText(t *testing.T) {
	a := &QikchatAdapter{baseURL: DefaultQikchatBaseURL, apiKey: "k"}
	out := models.Outbound{
		Msg: &models.Message{
			Recipient: "+919876543210",
			Kind:      models.KindText,
			Body:      models.Body{Source: "answer text"},
			Reply:     &models.ReplyContext{ReplyID: "qm1"},
		},
		Audio: []byte{1, 2, 3},
	}
	reqs, err := a.BuildOutbound(out)
	if err != nil {
		t.Fatalf("BuildOutbound failed: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected audio+text, got %d requests", len(reqs))
	}
	if reqs[0].Kind != models.KindAudio || reqs[0].ReplyTo != "" {
		t.Errorf("audio must come first and untagged: %+v", reqs[0])
	}
	if reqs[1].Kind != models.KindText || reqs[1].ReplyTo != "qm1" {
		t.Errorf("text must carry the reply tag: %+v", reqs[1])
	}
}

func TestBuildOutboundTemplate(t *testing.T) {
	a := &QikchatAdapter{baseURL: DefaultQikchatBaseURL, apiKey: "k"}
	out := models.Outbound{
		Msg: &models.Message{
			Recipient:      "+919876543210",
			Kind:           models.KindText,
			TemplateParams: []string{"What is cancer?", "draft answer"},
		},
		Template: "verification_request",
	}
	reqs, err := a.BuildOutbound(out)
	if err != nil {
		t.Fatalf("BuildOutbound failed: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Template != "verification_request" || len(reqs[0].Params) != 2 {
		t.Errorf("template request not built: %+v", reqs)
	}
}
