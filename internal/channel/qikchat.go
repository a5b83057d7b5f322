package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/CareBridge/CareBridge/internal/models"
)

// Qikchat API defaults. The vendor exposes a WhatsApp Business API that
// mirrors the Cloud API payload shapes.
const (
	DefaultQikchatBaseURL = "https://api.qikchat.in/v1"
	qikchatTextLimit      = 4000
	qikchatAPIKeyHeader   = "QIKCHAT-API-KEY"
)

// QikchatOpts holds configuration options for the Qikchat adapter.
type QikchatOpts struct {
	BaseURL string
	APIKey  string
}

// QikchatOption configures the Qikchat adapter.
type QikchatOption func(*QikchatOpts)

// WithQikchatAPIKey sets the Qikchat API key.
func WithQikchatAPIKey(key string) QikchatOption {
	return func(o *QikchatOpts) { o.APIKey = key }
}

// WithQikchatBaseURL overrides the API base URL.
func WithQikchatBaseURL(url string) QikchatOption {
	return func(o *QikchatOpts) { o.BaseURL = url }
}

// qikchatInbound mirrors the vendor's webhook message payload. The vendor's
// implementation is inconsistent across message types, so every field is
// optional and Normalize degrades gracefully.
type qikchatInbound struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Audio *struct {
		ID string `json:"id"`
	} `json:"audio,omitempty"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image,omitempty"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context,omitempty"`
}

type qikchatSendResponse struct {
	Status bool `json:"status"`
	Data   []struct {
		ID string `json:"id"`
	} `json:"data"`
	Message string `json:"message"`
}

// QikchatAdapter implements Adapter on the Qikchat REST API. There is no
// vendor SDK, so requests are built directly.
type QikchatAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewQikchatAdapter creates a Qikchat adapter. The API key is required.
func NewQikchatAdapter(opts ...QikchatOption) (*QikchatAdapter, error) {
	cfg := QikchatOpts{BaseURL: DefaultQikchatBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		slog.Error("QikchatAdapter missing API key")
		return nil, fmt.Errorf("qikchat API key not set: %w", models.ErrMissingConfig)
	}
	slog.Info("Qikchat adapter initialized", "baseURL", cfg.BaseURL)
	return &QikchatAdapter{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *QikchatAdapter) Name() string { return ChannelQikchat }

// Validate reports whether raw is a Qikchat message payload and its kind.
func (a *QikchatAdapter) Validate(raw []byte) (bool, models.MessageKind) {
	var p qikchatInbound
	if err := json.Unmarshal(raw, &p); err != nil || p.From == "" {
		return false, ""
	}
	switch p.Type {
	case "text", "button", "interactive":
		return true, models.KindText
	case "audio", "voice":
		return true, models.KindAudio
	case "image":
		return true, models.KindImage
	case "document":
		return true, models.KindDocument
	default:
		// Status callbacks and unknown types are valid payloads the
		// pipeline acknowledges without processing.
		return true, models.KindStatus
	}
}

// Normalize converts a Qikchat webhook payload into a canonical message.
func (a *QikchatAdapter) Normalize(raw []byte) (*models.Message, error) {
	var p qikchatInbound
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse Qikchat payload: %w", err)
	}
	if p.From == "" {
		return nil, fmt.Errorf("qikchat payload missing sender")
	}
	ts := time.Unix(p.Timestamp, 0)
	if p.Timestamp == 0 {
		ts = time.Now()
	}
	m := &models.Message{
		ID:          p.ID,
		Category:    models.CategoryUserToBot,
		Kind:        models.KindText,
		Channel:     ChannelQikchat,
		SenderID:    models.DeriveUserID(p.From),
		SenderPhone: p.From,
		CreatedAt:   ts,
		ReceivedAt:  ts,
	}
	if m.ID == "" {
		m.ID = models.NewMessageID()
	}
	switch {
	case p.Text != nil:
		m.Body.Source = p.Text.Body
	case p.Audio != nil:
		m.Kind = models.KindAudio
		m.Body.MediaID = p.Audio.ID
	case p.Image != nil:
		m.Kind = models.KindImage
		m.Body.MediaID = p.Image.ID
		m.Body.Source = p.Image.Caption
	}
	if p.Context != nil && p.Context.ID != "" {
		m.Reply = &models.ReplyContext{ReplyID: p.Context.ID}
	}
	return m, nil
}

// BuildOutbound expands an outbound message into Qikchat send requests.
func (a *QikchatAdapter) BuildOutbound(out models.Outbound) ([]Request, error) {
	if out.Msg == nil {
		return nil, models.ErrEmptyBody
	}
	if out.Msg.Recipient == "" {
		return nil, models.ErrEmptyRecipient
	}
	if out.Msg.Category == models.CategoryReadReceipt {
		if out.Msg.Reply == nil || out.Msg.Reply.ReplyID == "" {
			return nil, models.ErrInvalidCategory
		}
		return []Request{{To: out.Msg.Recipient, Kind: models.KindStatus, ReplyTo: out.Msg.Reply.ReplyID, Final: true}}, nil
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
		reqs = append(reqs, buildTextRequests(out.Msg.Recipient, text, replyTo, qikchatTextLimit)...)
	}
	return reqs, nil
}

// Send performs one Qikchat API call and returns the vendor message id.
func (a *QikchatAdapter) Send(ctx context.Context, req Request) (SendResult, error) {
	if req.To == "" {
		return SendResult{}, models.ErrEmptyRecipient
	}
	if req.Kind == models.KindStatus {
		return SendResult{}, a.markRead(ctx, req.ReplyTo)
	}
	payload := map[string]any{"to_contact": req.To}
	switch {
	case req.Template != "":
		params := make([]map[string]string, 0, len(req.Params))
		for _, p := range req.Params {
			params = append(params, map[string]string{"type": "text", "text": p})
		}
		payload["type"] = "template"
		payload["template"] = map[string]any{
			"name":       req.Template,
			"language":   map[string]string{"code": "en"},
			"components": []map[string]any{{"type": "body", "parameters": params}},
		}
	case req.Kind == models.KindAudio:
		mediaID := req.MediaID
		if mediaID == "" && len(req.Media) > 0 {
			var err error
			mediaID, err = a.UploadMedia(ctx, req.Media, "audio/ogg")
			if err != nil {
				return SendResult{}, err
			}
		}
		payload["type"] = "audio"
		payload["audio"] = map[string]string{"id": mediaID}
	default:
		if req.Text == "" {
			return SendResult{}, models.ErrEmptyBody
		}
		payload["type"] = "text"
		payload["text"] = map[string]string{"body": req.Text}
	}
	if req.ReplyTo != "" {
		payload["context"] = map[string]string{"message_id": req.ReplyTo}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to encode send payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(qikchatAPIKeyHeader, a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("QikchatAdapter send failed", "to", req.To, "error", err)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", req.To, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("QikchatAdapter send rejected", "to", req.To, "status", resp.StatusCode, "body", string(respBody))
		return SendResult{}, fmt.Errorf("send to %s returned status %d", req.To, resp.StatusCode)
	}

	var parsed qikchatSendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Data) == 0 {
		// The vendor occasionally returns a 200 with a malformed body.
		// Treat the send as delivered but uncorrelatable.
		slog.Warn("QikchatAdapter send response missing message id", "to", req.To, "body", string(respBody))
		return SendResult{Response: string(respBody)}, nil
	}
	slog.Debug("QikchatAdapter message sent", "to", req.To, "vendorID", parsed.Data[0].ID)
	return SendResult{VendorID: parsed.Data[0].ID, Response: string(respBody)}, nil
}

// markRead reports a message as read. Failure is tolerated: receipts are
// cosmetic and must never block the substantive sends that follow.
func (a *QikchatAdapter) markRead(ctx context.Context, messageID string) error {
	body, err := json.Marshal(map[string]string{"message_id": messageID, "status": "read"})
	if err != nil {
		return fmt.Errorf("failed to encode read receipt: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages/mark-read", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build read receipt request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(qikchatAPIKeyHeader, a.apiKey)
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		slog.Warn("QikchatAdapter read receipt failed", "messageID", messageID, "error", err)
		return nil
	}
	resp.Body.Close()
	return nil
}

// DownloadMedia fetches media bytes by vendor media id.
func (a *QikchatAdapter) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/media/"+mediaID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build media request: %w", err)
	}
	httpReq.Header.Set(qikchatAPIKeyHeader, a.apiKey)
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("QikchatAdapter media download failed", "mediaID", mediaID, "error", err)
		return nil, fmt.Errorf("failed to download media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadMedia uploads media bytes and returns the vendor media id.
func (a *QikchatAdapter) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty media payload")
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "media")
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write upload form: %w", err)
	}
	if err := writer.WriteField("type", mimeType); err != nil {
		return "", fmt.Errorf("failed to write upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/media", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set(qikchatAPIKeyHeader, a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("QikchatAdapter media upload failed", "bytes", len(data), "error", err)
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("media upload returned status %d", resp.StatusCode)
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.ID == "" {
		return "", fmt.Errorf("media upload response missing id")
	}
	return parsed.ID, nil
}
