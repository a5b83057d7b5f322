package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/CareBridge/CareBridge/internal/models"
)

// twilioTextLimit is the vendor character cap for a single message body.
const twilioTextLimit = 1600

// twilioSender is the minimal twilio-go surface the adapter needs.
type twilioSender interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio adapter.
type TwilioOpts struct {
	AccountSID   string
	AuthToken    string
	FromNumber   string
	MediaBaseURL string
}

// TwilioOption configures the Twilio adapter.
type TwilioOption func(*TwilioOpts)

// WithTwilioCredentials sets the Twilio account SID and auth token.
func WithTwilioCredentials(sid, token string) TwilioOption {
	return func(o *TwilioOpts) {
		o.AccountSID = sid
		o.AuthToken = token
	}
}

// WithTwilioFrom sets the sending WhatsApp number (E.164, without prefix).
func WithTwilioFrom(number string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = number }
}

// WithTwilioMediaBaseURL sets the public base URL of this service's API.
// Twilio fetches outbound media itself, so audio sends need a URL the
// vendor can reach; stashed media is served from the API's media endpoint
// under this base.
func WithTwilioMediaBaseURL(baseURL string) TwilioOption {
	return func(o *TwilioOpts) { o.MediaBaseURL = baseURL }
}

// twilioPayload mirrors the fields of a Twilio WhatsApp webhook, re-encoded
// as JSON by the webhook handler before enqueueing.
type twilioPayload struct {
	MessageSid                string `json:"MessageSid"`
	From                      string `json:"From"`
	Body                      string `json:"Body"`
	NumMedia                  string `json:"NumMedia,omitempty"`
	MediaURL0                 string `json:"MediaUrl0,omitempty"`
	MediaContentType0         string `json:"MediaContentType0,omitempty"`
	OriginalRepliedMessageSid string `json:"OriginalRepliedMessageSid,omitempty"`
}

// TwilioAdapter implements Adapter on the Twilio WhatsApp Business API.
type TwilioAdapter struct {
	client       twilioSender
	httpClient   *http.Client
	accountSID   string
	authToken    string
	from         string
	mediaBaseURL string
	mediaMu      sync.Mutex
	media        map[string][]byte
}

// NewTwilioAdapter creates a Twilio adapter. Credentials are required.
func NewTwilioAdapter(opts ...TwilioOption) (*TwilioAdapter, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		slog.Error("TwilioAdapter missing credentials")
		return nil, fmt.Errorf("twilio credentials not set: %w", models.ErrMissingConfig)
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio from number not set: %w", models.ErrMissingConfig)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Info("Twilio adapter initialized", "from", cfg.FromNumber, "mediaBaseSet", cfg.MediaBaseURL != "")
	return &TwilioAdapter{
		client:       client.Api,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		accountSID:   cfg.AccountSID,
		authToken:    cfg.AuthToken,
		from:         cfg.FromNumber,
		mediaBaseURL: strings.TrimRight(cfg.MediaBaseURL, "/"),
		media:        make(map[string][]byte),
	}, nil
}

func (a *TwilioAdapter) Name() string { return ChannelTwilio }

// Validate reports whether raw is a Twilio webhook payload and its kind.
func (a *TwilioAdapter) Validate(raw []byte) (bool, models.MessageKind) {
	var p twilioPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageSid == "" || p.From == "" {
		return false, ""
	}
	if p.NumMedia != "" && p.NumMedia != "0" {
		if strings.HasPrefix(p.MediaContentType0, "audio/") {
			return true, models.KindAudio
		}
		return true, models.KindImage
	}
	return true, models.KindText
}

// Normalize converts a Twilio webhook payload into a canonical message.
func (a *TwilioAdapter) Normalize(raw []byte) (*models.Message, error) {
	var p twilioPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse Twilio payload: %w", err)
	}
	if p.From == "" {
		return nil, fmt.Errorf("twilio payload missing sender")
	}
	phone := strings.TrimPrefix(p.From, "whatsapp:")
	now := time.Now()
	m := &models.Message{
		ID:          p.MessageSid,
		Category:    models.CategoryUserToBot,
		Kind:        models.KindText,
		Channel:     ChannelTwilio,
		SenderID:    models.DeriveUserID(phone),
		SenderPhone: phone,
		Body:        models.Body{Source: p.Body},
		CreatedAt:   now,
		ReceivedAt:  now,
	}
	if m.ID == "" {
		m.ID = models.NewMessageID()
	}
	if p.NumMedia != "" && p.NumMedia != "0" && p.MediaURL0 != "" {
		if strings.HasPrefix(p.MediaContentType0, "audio/") {
			m.Kind = models.KindAudio
		} else {
			m.Kind = models.KindImage
		}
		m.Body.MediaID = p.MediaURL0
	}
	if p.OriginalRepliedMessageSid != "" {
		m.Reply = &models.ReplyContext{ReplyID: p.OriginalRepliedMessageSid}
	}
	return m, nil
}

// BuildOutbound expands an outbound message into Twilio send requests.
func (a *TwilioAdapter) BuildOutbound(out models.Outbound) ([]Request, error) {
	if out.Msg == nil {
		return nil, models.ErrEmptyBody
	}
	if out.Msg.Recipient == "" {
		return nil, models.ErrEmptyRecipient
	}
	if out.Msg.Category == models.CategoryReadReceipt {
		// Twilio has no read-receipt API; the receipt is dropped at send.
		return []Request{{To: out.Msg.Recipient, Kind: models.KindStatus, Final: true}}, nil
	}
	if out.Template != "" {
		return []Request{{
			To:       out.Msg.Recipient,
			Kind:     models.KindInteractive,
			Template: out.Template,
			Params:   out.Msg.TemplateParams,
			Final:    true,
		}}, nil
	}
	var reqs []Request
	if len(out.Audio) > 0 {
		reqs = append(reqs, Request{To: out.Msg.Recipient, Kind: models.KindAudio, Media: out.Audio})
	}
	replyTo := ""
	if out.Msg.Reply != nil {
		replyTo = out.Msg.Reply.ReplyID
	}
	text := out.Msg.Text()
	if text == "" && len(reqs) == 0 {
		return nil, models.ErrEmptyBody
	}
	if text != "" {
		reqs = append(reqs, buildTextRequests(out.Msg.Recipient, text, replyTo, twilioTextLimit)...)
	}
	return reqs, nil
}

// Send performs one Twilio send and returns the assigned message SID.
func (a *TwilioAdapter) Send(ctx context.Context, req Request) (SendResult, error) {
	if req.To == "" {
		return SendResult{}, models.ErrEmptyRecipient
	}
	if req.Kind == models.KindStatus {
		return SendResult{}, nil
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo("whatsapp:" + req.To)
	params.SetFrom("whatsapp:" + a.from)

	switch {
	case req.Template != "":
		params.SetContentSid(req.Template)
		if len(req.Params) > 0 {
			vars := make(map[string]string, len(req.Params))
			for i, p := range req.Params {
				vars[fmt.Sprintf("%d", i+1)] = p
			}
			encoded, err := json.Marshal(vars)
			if err != nil {
				return SendResult{}, fmt.Errorf("failed to encode template variables: %w", err)
			}
			params.SetContentVariables(string(encoded))
		}
	case req.Kind == models.KindAudio:
		mediaURL, err := a.resolveMediaURL(ctx, req)
		if err != nil {
			return SendResult{}, err
		}
		params.SetMediaUrl([]string{mediaURL})
	default:
		if req.Text == "" {
			return SendResult{}, models.ErrEmptyBody
		}
		params.SetBody(req.Text)
	}

	resp, err := a.client.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioAdapter send failed", "to", req.To, "error", err)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", req.To, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioAdapter message sent", "to", req.To, "sid", sid)
	return SendResult{VendorID: sid}, nil
}

// resolveMediaURL turns an audio request into a URL Twilio can fetch.
// Raw bytes are stashed and served from the API's media endpoint under the
// configured public base URL; a MediaID that is already a URL passes
// through.
func (a *TwilioAdapter) resolveMediaURL(ctx context.Context, req Request) (string, error) {
	if req.MediaID != "" {
		return req.MediaID, nil
	}
	if len(req.Media) == 0 {
		return "", fmt.Errorf("twilio audio send requires media content or a media URL")
	}
	if a.mediaBaseURL == "" {
		return "", fmt.Errorf("twilio audio send needs a public media base URL: %w", models.ErrMissingConfig)
	}
	id, err := a.UploadMedia(ctx, req.Media, "audio/mpeg")
	if err != nil {
		return "", fmt.Errorf("failed to stash outbound audio: %w", err)
	}
	return fmt.Sprintf("%s/media/%s/%s", a.mediaBaseURL, ChannelTwilio, id), nil
}

// DownloadMedia fetches media from a Twilio media URL using basic auth.
func (a *TwilioAdapter) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	if data := a.stashed(mediaID); data != nil {
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build media request: %w", err)
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		slog.Error("TwilioAdapter media download failed", "url", mediaID, "error", err)
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadMedia stashes media locally and returns an id for a later Send.
// Twilio outbound media requires a public URL, so audio replies on this
// channel are served from the API's media endpoint.
func (a *TwilioAdapter) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty media payload")
	}
	id := "twmedia_" + uuid.New().String()
	a.mediaMu.Lock()
	a.media[id] = data
	a.mediaMu.Unlock()
	return id, nil
}

func (a *TwilioAdapter) stashed(id string) []byte {
	a.mediaMu.Lock()
	defer a.mediaMu.Unlock()
	return a.media[id]
}
