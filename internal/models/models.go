// Package models defines the core data structures for CareBridge.
//
// It includes the canonical message and user types shared across channels,
// the verification status enum, and consensus tracking records.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies what kind of sender a user is. The set is open: channel
// operators can configure additional expert roles without code changes.
type Role string

const (
	// RoleRegular is an end user asking questions.
	RoleRegular Role = "regular"
	// RoleExpertMedical is an expert who verifies medical answers.
	RoleExpertMedical Role = "expert_medical"
	// RoleExpertLogistical is an expert who verifies logistical answers.
	RoleExpertLogistical Role = "expert_logistical"
	// RoleDefaultExpert is the fallback expert contacted when no expert is
	// configured for a question's query type.
	RoleDefaultExpert Role = "default_expert"
)

// IsExpert reports whether the role receives verification requests.
func (r Role) IsExpert() bool {
	return r == RoleDefaultExpert || strings.HasPrefix(string(r), "expert_")
}

// QueryType classifies a user question. Classification drives whether an
// answer needs expert sign-off: small-talk bypasses verification entirely.
type QueryType string

const (
	QueryTypeSmallTalk  QueryType = "small-talk"
	QueryTypeMedical    QueryType = "medical"
	QueryTypeLogistical QueryType = "logistical"
)

// ExpertRoleFor maps a query type to the expert role that verifies it.
func ExpertRoleFor(qt QueryType) Role {
	switch qt {
	case QueryTypeMedical:
		return RoleExpertMedical
	case QueryTypeLogistical:
		return RoleExpertLogistical
	default:
		return RoleDefaultExpert
	}
}

// QAPair is one question/answer exchange kept in a user's rolling history.
type QAPair struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	At       time.Time `json:"at"`
}

// User is an identity record keyed by a stable internal id. Regular users
// carry an expert roster mapping query types to ordered expert user ids.
type User struct {
	ID             string                 `json:"id"`
	PhoneNumber    string                 `json:"phone_number"`
	Role           Role                   `json:"role"`
	Language       string                 `json:"language"`
	Experts        map[QueryType][]string `json:"experts,omitempty"`
	LastActivity   time.Time              `json:"last_activity"`
	RollingHistory []QAPair               `json:"rolling_history,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// DeriveUserID deterministically derives a user id from a phone number.
// Used when a message arrives from an unknown sender so the same phone
// always maps to the same id.
func DeriveUserID(phone string) string {
	sum := sha256.Sum256([]byte(strings.TrimPrefix(phone, "+")))
	return "u_" + hex.EncodeToString(sum[:8])
}

// TouchActivity records an interaction at the given time.
func (u *User) TouchActivity(now time.Time) {
	u.LastActivity = now
	u.UpdatedAt = now
}

// AppendHistory appends a question/answer pair, evicting the oldest entry
// once the history exceeds limit.
func (u *User) AppendHistory(question, answer string, limit int, now time.Time) {
	u.RollingHistory = append(u.RollingHistory, QAPair{Question: question, Answer: answer, At: now})
	if limit > 0 && len(u.RollingHistory) > limit {
		u.RollingHistory = u.RollingHistory[len(u.RollingHistory)-limit:]
	}
	u.UpdatedAt = now
}

// MessageCategory identifies the direction and purpose of a message.
type MessageCategory string

const (
	CategoryUserToBot             MessageCategory = "user_to_bot"
	CategoryBotToUserResponse     MessageCategory = "bot_to_user_response"
	CategoryBotToExpertVerify     MessageCategory = "bot_to_expert_verification"
	CategoryBotToExpertConsensus  MessageCategory = "bot_to_expert_consensus"
	CategoryExpertToBot           MessageCategory = "expert_to_bot"
	CategoryBotToExpert           MessageCategory = "bot_to_expert"
	CategoryReadReceipt           MessageCategory = "read_receipt"
)

// MessageKind is the tagged variant of a channel payload. Vendor payload
// shapes are validated once at the channel adapter boundary and carried as
// one of these kinds; no other layer inspects raw vendor maps.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindAudio       MessageKind = "audio"
	KindImage       MessageKind = "image"
	KindDocument    MessageKind = "document"
	KindInteractive MessageKind = "interactive"
	KindStatus      MessageKind = "status"
)

// IsValidKind checks whether the kind is one of the supported variants.
func IsValidKind(k MessageKind) bool {
	switch k {
	case KindText, KindAudio, KindImage, KindDocument, KindInteractive, KindStatus:
		return true
	default:
		return false
	}
}

// VerificationStatus tracks the expert sign-off state of a message exchange.
// It lives inside message metadata because each verification attempt is
// scoped to one message exchange.
type VerificationStatus string

const (
	VerificationNone       VerificationStatus = "none"
	VerificationPending    VerificationStatus = "pending"
	VerificationCorrection VerificationStatus = "waiting_for_correction"
	VerificationVerified   VerificationStatus = "verified"
	VerificationTimeout    VerificationStatus = "timeout"
)

// Terminal reports whether the status permits no further transitions.
func (v VerificationStatus) Terminal() bool {
	return v == VerificationVerified || v == VerificationTimeout
}

// Body holds the textual content of a message in both the source language
// and English, plus a media reference for non-text kinds.
type Body struct {
	Source  string `json:"source,omitempty"`
	English string `json:"english,omitempty"`
	MediaID string `json:"media_id,omitempty"`
}

// ReplyContext is the only mechanism correlating a reply to what it replies
// to. It is a snapshot, not a live reference: external channels do not
// guarantee the original message remains queryable.
type ReplyContext struct {
	ReplyID            string             `json:"reply_id"`
	ReplyCategory      MessageCategory    `json:"reply_category,omitempty"`
	ReplySnapshot      string             `json:"reply_snapshot,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	Meta               map[string]string  `json:"meta,omitempty"`
}

// CrossContext links an expert-facing message back to the user-facing
// messages it was derived from. A single user question fans out to several
// messages (a please-wait notice to the user, a verification request to the
// expert); this side channel keeps them correlated.
type CrossContext struct {
	QuestionID string `json:"question_id"`
	NoticeID   string `json:"notice_id,omitempty"`
}

// SourceFields carries the structured question and draft answer on a
// verification message from the moment it is created, so recovering them
// later never requires re-parsing rendered template text. The text parsers
// remain only as a fallback for legacy stored messages.
type SourceFields struct {
	Question    string `json:"question"`
	DraftAnswer string `json:"draft_answer"`
}

// Message is the canonical message record. Its identity is two-phase: a
// provisional id is assigned at creation, and after a successful send the
// channel vendor's external id supersedes it. All correlation lookups key
// off the confirmed id; the provisional id is retained for audit only.
type Message struct {
	ID                 string             `json:"id"`
	ProvisionalID      string             `json:"provisional_id,omitempty"`
	Category           MessageCategory    `json:"category"`
	Kind               MessageKind        `json:"kind"`
	Channel            string             `json:"channel"`
	SenderID           string             `json:"sender_id,omitempty"`
	SenderPhone        string             `json:"sender_phone,omitempty"`
	Recipient          string             `json:"recipient,omitempty"`
	Body               Body               `json:"body"`
	Reply              *ReplyContext      `json:"reply_context,omitempty"`
	Cross              *CrossContext      `json:"cross_context,omitempty"`
	Source             *SourceFields      `json:"source_fields,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	TemplateParams     []string           `json:"template_params,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	ReceivedAt         time.Time          `json:"received_at,omitempty"`
}

// NewMessageID generates a provisional message id.
func NewMessageID() string {
	return "m_" + uuid.NewString()
}

// Validation errors shared across components.
var (
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrEmptyBody        = errors.New("message body cannot be empty")
	ErrInvalidKind      = errors.New("invalid message kind")
	ErrInvalidCategory  = errors.New("invalid message category")
	ErrTerminalStatus   = errors.New("verification status is terminal")
	ErrUnknownMessage   = errors.New("message not found")
	ErrUnknownUser      = errors.New("user not found")
	ErrNoExpert         = errors.New("no expert available")
	ErrNoConsensus      = errors.New("no consensus reached")
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrDuplicateMessage = errors.New("message id already exists")
)

// Validate performs basic validation on an outbound message.
func (m *Message) Validate() error {
	if m.Recipient == "" {
		return ErrEmptyRecipient
	}
	if !IsValidKind(m.Kind) {
		return ErrInvalidKind
	}
	if m.Kind == KindText && m.Body.Source == "" && m.Body.English == "" {
		return ErrEmptyBody
	}
	return nil
}

// Text returns the preferred rendering of the body: the source-language
// text when present, else the English text.
func (m *Message) Text() string {
	if m.Body.Source != "" {
		return m.Body.Source
	}
	return m.Body.English
}

// ConsensusStatus tracks the lifecycle of one expert's consensus request.
type ConsensusStatus string

const (
	ConsensusPending  ConsensusStatus = "pending"
	ConsensusResolved ConsensusStatus = "resolved"
)

// Consensus records that one expert was asked to weigh in on one question.
// A question may have zero, one, or many Consensus records up to the
// configured fan-out cap.
type Consensus struct {
	ID         string          `json:"id"`
	QuestionID string          `json:"question_id"`
	UserID     string          `json:"user_id"`
	MessageID  string          `json:"message_id"`
	Status     ConsensusStatus `json:"status"`
	Response   string          `json:"response,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewConsensusID generates a consensus record id.
func NewConsensusID() string {
	return "c_" + uuid.NewString()
}

// Outbound pairs a message with send-time extras that are not part of the
// persisted record: synthesized audio bytes awaiting upload and the vendor
// template to use when the recipient is outside the free-text window.
type Outbound struct {
	Msg      *Message
	Audio    []byte
	Template string
}
