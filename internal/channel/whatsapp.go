package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/CareBridge/CareBridge/internal/models"
	"github.com/CareBridge/CareBridge/internal/store"
)

// Constants for WhatsApp client configuration.
const (
	// DefaultWhatsAppDBPath is the default path for the whatsmeow SQLite database.
	DefaultWhatsAppDBPath = "/var/lib/carebridge/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
	// whatsappTextLimit is the vendor character cap for a single text message.
	whatsappTextLimit = 4096
)

// waSender is the minimal whatsmeow surface the adapter needs, kept as an
// interface so tests can substitute a fake.
type waSender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	MarkRead(ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error
}

// WhatsAppOpts holds configuration options for the WhatsApp adapter.
type WhatsAppOpts struct {
	DBDSN       string
	QRPath      string
	NumericCode bool
}

// WhatsAppOption configures the WhatsApp adapter.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsAppDBDSN sets the whatsmeow database connection string.
func WithWhatsAppDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the specified path instead of stdout.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode uses a numeric login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// waEnvelope is the canonical JSON the event bridge enqueues for inbound
// WhatsApp events. Validate and Normalize operate on this envelope, keeping
// the queue payload format uniform with the webhook channels.
type waEnvelope struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WhatsAppAdapter implements Adapter on a whatsmeow client. Inbound events
// are bridged into envelope JSON through the handler registered with
// OnInbound; media is downloaded eagerly at event time and stashed so the
// pipeline can fetch it by id later.
type WhatsAppAdapter struct {
	client  *whatsmeow.Client
	sender  waSender
	mediaMu sync.Mutex
	media   map[string][]byte

	// cbMu guards onInbound: it is written after the event handler is
	// already registered, so the whatsmeow event goroutine may race the
	// registration.
	cbMu      sync.Mutex
	onInbound func(raw []byte)
}

// NewWhatsAppAdapter creates a WhatsApp adapter, connecting (and logging in
// via QR code if needed) the underlying whatsmeow client.
func NewWhatsAppAdapter(opts ...WhatsAppOption) (*WhatsAppAdapter, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultWhatsAppDBPath
		slog.Debug("WhatsAppAdapter using default SQLite path", "path", dbDSN)
	}

	dbDriver := "sqlite3"
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else if !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; consider adding '?_foreign_keys=on' to the connection string")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("WhatsAppAdapter failed to initialize device store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("WhatsAppAdapter failed to get device", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("WhatsAppAdapter connect failed during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		if err := waClient.Connect(); err != nil {
			slog.Error("WhatsAppAdapter connect failed", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp adapter connected")

	a := &WhatsAppAdapter{client: waClient, sender: waClient, media: make(map[string][]byte)}
	waClient.AddEventHandler(a.handleEvent)
	return a, nil
}

// OnInbound registers the callback invoked with an envelope for every
// inbound message event. The callback typically enqueues the payload.
func (a *WhatsAppAdapter) OnInbound(fn func(raw []byte)) {
	a.cbMu.Lock()
	a.onInbound = fn
	a.cbMu.Unlock()
}

func (a *WhatsAppAdapter) inboundCallback() func(raw []byte) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	return a.onInbound
}

func (a *WhatsAppAdapter) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	fn := a.inboundCallback()
	if fn == nil {
		return
	}
	env := waEnvelope{
		Channel:   ChannelWhatsApp,
		MessageID: msg.Info.ID,
		From:      msg.Info.Sender.User,
		Kind:      string(models.KindText),
		Timestamp: msg.Info.Timestamp.Unix(),
	}
	switch {
	case msg.Message.GetConversation() != "":
		env.Text = msg.Message.GetConversation()
	case msg.Message.GetExtendedTextMessage().GetText() != "":
		ext := msg.Message.GetExtendedTextMessage()
		env.Text = ext.GetText()
		env.ReplyTo = ext.GetContextInfo().GetStanzaID()
	case msg.Message.GetAudioMessage() != nil:
		env.Kind = string(models.KindAudio)
		data, err := a.sender.Download(context.Background(), msg.Message.GetAudioMessage())
		if err != nil {
			slog.Error("WhatsAppAdapter audio download failed", "messageID", msg.Info.ID, "error", err)
			return
		}
		env.MediaID = a.stash(data)
	default:
		slog.Debug("WhatsAppAdapter ignoring unsupported message type", "messageID", msg.Info.ID)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		slog.Error("WhatsAppAdapter envelope marshal failed", "error", err)
		return
	}
	fn(raw)
}

func (a *WhatsAppAdapter) stash(data []byte) string {
	id := "wamedia_" + uuid.New().String()
	a.mediaMu.Lock()
	a.media[id] = data
	a.mediaMu.Unlock()
	return id
}

func (a *WhatsAppAdapter) Name() string { return ChannelWhatsApp }

// Validate reports whether raw is a WhatsApp envelope and its message kind.
func (a *WhatsAppAdapter) Validate(raw []byte) (bool, models.MessageKind) {
	var env waEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Channel != ChannelWhatsApp {
		return false, ""
	}
	kind := models.MessageKind(env.Kind)
	if !models.IsValidKind(kind) {
		return false, ""
	}
	return true, kind
}

// Normalize converts a WhatsApp envelope into a canonical message.
func (a *WhatsAppAdapter) Normalize(raw []byte) (*models.Message, error) {
	var env waEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse WhatsApp envelope: %w", err)
	}
	if env.From == "" {
		return nil, fmt.Errorf("WhatsApp envelope missing sender")
	}
	m := &models.Message{
		ID:          env.MessageID,
		Category:    models.CategoryUserToBot,
		Kind:        models.MessageKind(env.Kind),
		Channel:     ChannelWhatsApp,
		SenderID:    models.DeriveUserID(env.From),
		SenderPhone: env.From,
		Body:        models.Body{Source: env.Text, MediaID: env.MediaID},
		ReceivedAt:  time.Unix(env.Timestamp, 0),
		CreatedAt:   time.Unix(env.Timestamp, 0),
	}
	if m.ID == "" {
		m.ID = models.NewMessageID()
	}
	if env.ReplyTo != "" {
		m.Reply = &models.ReplyContext{ReplyID: env.ReplyTo}
	}
	return m, nil
}

// BuildOutbound expands an outbound message into WhatsApp send requests.
// Audio precedes text so the reply tag anchors to the text message.
func (a *WhatsAppAdapter) BuildOutbound(out models.Outbound) ([]Request, error) {
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
		reqs = append(reqs, buildTextRequests(out.Msg.Recipient, text, replyTo, whatsappTextLimit)...)
	}
	return reqs, nil
}

// Send performs one WhatsApp send and returns the vendor-assigned id.
func (a *WhatsAppAdapter) Send(ctx context.Context, req Request) (SendResult, error) {
	if a.sender == nil {
		return SendResult{}, fmt.Errorf("whatsapp client not initialized")
	}
	if req.To == "" {
		return SendResult{}, models.ErrEmptyRecipient
	}
	jid := types.NewJID(req.To, JIDSuffix)

	var msg *waE2E.Message
	switch req.Kind {
	case models.KindStatus:
		if err := a.MarkRead(req.ReplyTo, req.To); err != nil {
			slog.Warn("WhatsAppAdapter read receipt failed", "to", req.To, "error", err)
		}
		return SendResult{}, nil
	case models.KindAudio:
		data := req.Media
		if data == nil && req.MediaID != "" {
			var err error
			data, err = a.DownloadMedia(ctx, req.MediaID)
			if err != nil {
				return SendResult{}, err
			}
		}
		up, err := a.sender.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			slog.Error("WhatsAppAdapter audio upload failed", "to", req.To, "error", err)
			return SendResult{}, fmt.Errorf("failed to upload audio: %w", err)
		}
		mime := "audio/ogg; codecs=opus"
		length := uint64(len(data))
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
			Mimetype:      &mime,
		}}
	default:
		if req.Text == "" {
			return SendResult{}, models.ErrEmptyBody
		}
		if req.ReplyTo != "" {
			text := req.Text
			replyTo := req.ReplyTo
			participant := jid.String()
			msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: &text,
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:    &replyTo,
					Participant: &participant,
				},
			}}
		} else {
			text := req.Text
			msg = &waE2E.Message{Conversation: &text}
		}
	}

	resp, err := a.sender.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("WhatsAppAdapter send failed", "to", req.To, "error", err)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", req.To, err)
	}
	slog.Debug("WhatsAppAdapter message sent", "to", req.To, "vendorID", resp.ID)
	return SendResult{VendorID: string(resp.ID)}, nil
}

// DownloadMedia returns media stashed from an inbound event or upload.
func (a *WhatsAppAdapter) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	a.mediaMu.Lock()
	data, ok := a.media[mediaID]
	a.mediaMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown media id %s", mediaID)
	}
	return data, nil
}

// UploadMedia stashes media and returns an id usable in a later Send.
func (a *WhatsAppAdapter) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty media payload")
	}
	return a.stash(data), nil
}

// MarkRead sends a read receipt for the given vendor message id.
func (a *WhatsAppAdapter) MarkRead(id, from string) error {
	if a.sender == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid := types.NewJID(from, JIDSuffix)
	return a.sender.MarkRead([]types.MessageID{types.MessageID(id)}, time.Now(), jid, jid)
}

// Close disconnects the underlying whatsmeow client.
func (a *WhatsAppAdapter) Close() {
	if a.client != nil {
		a.client.Disconnect()
	}
}
