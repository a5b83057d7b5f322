// Package channel normalizes vendor-specific messaging payloads into
// canonical messages and canonical outbound messages into vendor send
// requests. Each adapter tracks the vendor-assigned external id for sent
// messages so later replies can be correlated.
package channel

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/CareBridge/CareBridge/internal/models"
)

// Channel names used as adapter keys and in Message.Channel.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
	ChannelQikchat  = "qikchat"
)

// Request is a single vendor send operation. One canonical outbound message
// may expand into several requests (long text split under the vendor
// character cap, audio sent separately from text).
type Request struct {
	To       string
	Kind     models.MessageKind
	Text     string
	Media    []byte
	MediaID  string
	Template string
	Params   []string
	// ReplyTo is the vendor id the request is tagged as replying to. Only
	// the final request of a split carries it, so the vendor's reply-chain
	// metadata anchors to one message.
	ReplyTo string
	Final   bool
}

// SendResult carries the vendor's response to a send.
type SendResult struct {
	// VendorID is the external message id assigned by the vendor. It
	// supersedes the provisional id for all later correlation.
	VendorID string
	Response string
}

// Adapter is the per-channel contract used by the dispatch layer.
type Adapter interface {
	Name() string
	// Validate inspects a raw payload and reports whether it is a payload
	// this adapter can handle, and the detected message kind.
	Validate(raw []byte) (bool, models.MessageKind)
	// Normalize converts a raw vendor payload into a canonical message.
	Normalize(raw []byte) (*models.Message, error)
	// BuildOutbound expands a canonical outbound message into one or more
	// vendor requests, splitting long text so that the final chunk carries
	// the reply tag and any interactive controls.
	BuildOutbound(out models.Outbound) ([]Request, error)
	// Send performs one vendor request and returns the assigned external id.
	Send(ctx context.Context, req Request) (SendResult, error)
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
	UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error)
}

// SplitText splits text into chunks of at most limit runes, breaking at
// newline or space boundaries when one is available in the tail of a chunk.
func SplitText(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		// Prefer a natural break in the last quarter of the window.
		for i := limit; i > limit*3/4; i-- {
			if runes[i-1] == '\n' || runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	return chunks
}

// buildTextRequests is the shared split-and-tag logic for text sends. The
// reply tag goes on the last chunk only.
func buildTextRequests(to, text, replyTo string, limit int) []Request {
	chunks := SplitText(text, limit)
	reqs := make([]Request, 0, len(chunks))
	for i, chunk := range chunks {
		req := Request{To: to, Kind: models.KindText, Text: chunk}
		if i == len(chunks)-1 {
			req.ReplyTo = replyTo
			req.Final = true
		}
		reqs = append(reqs, req)
	}
	return reqs
}
