package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/CareBridge/CareBridge/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for the zero time, otherwise the time.
func nilIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// marshalJSON marshals v to a JSON string, returning nil for empty values so
// the column stays NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[models.QueryType][]string:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.QAPair:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

// unmarshalInto decodes a nullable JSON column into dst; a NULL or empty
// column leaves dst untouched. Decode failures are logged and skipped so a
// single malformed row cannot poison a whole query.
func unmarshalInto(col sql.NullString, dst interface{}) {
	if !col.Valid || col.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		slog.Error("store: failed to decode json column, skipping", "error", err)
	}
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// userColumns is the select list matching scanUser.
const userColumns = "id, phone_number, role, language, experts, last_activity, rolling_history, created_at, updated_at"

func scanUser(r rowScanner) (models.User, error) {
	var u models.User
	var experts, history sql.NullString
	var lastActivity sql.NullTime
	err := r.Scan(&u.ID, &u.PhoneNumber, &u.Role, &u.Language, &experts, &lastActivity, &history, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return u, err
	}
	if lastActivity.Valid {
		u.LastActivity = lastActivity.Time
	}
	unmarshalInto(experts, &u.Experts)
	unmarshalInto(history, &u.RollingHistory)
	return u, nil
}

// messageColumns is the select list matching scanMessage.
const messageColumns = "id, provisional_id, category, kind, channel, sender_id, recipient, " +
	"body_source, body_english, media_id, reply_id, reply_category, reply_snapshot, reply_status, reply_meta, " +
	"cross_question_id, cross_notice_id, source_question, source_answer, verification_status, template_params, " +
	"created_at, received_at"

func scanMessage(r rowScanner) (models.Message, error) {
	var m models.Message
	var provisionalID, senderID, recipient sql.NullString
	var bodySource, bodyEnglish, mediaID sql.NullString
	var replyID, replyCategory, replySnapshot, replyStatus, replyMeta sql.NullString
	var crossQuestionID, crossNoticeID, sourceQuestion, sourceAnswer, templateParams sql.NullString
	var receivedAt sql.NullTime
	err := r.Scan(&m.ID, &provisionalID, &m.Category, &m.Kind, &m.Channel, &senderID, &recipient,
		&bodySource, &bodyEnglish, &mediaID, &replyID, &replyCategory, &replySnapshot, &replyStatus, &replyMeta,
		&crossQuestionID, &crossNoticeID, &sourceQuestion, &sourceAnswer, &m.VerificationStatus, &templateParams,
		&m.CreatedAt, &receivedAt)
	if err != nil {
		return m, err
	}
	m.ProvisionalID = provisionalID.String
	m.SenderID = senderID.String
	m.Recipient = recipient.String
	m.Body = models.Body{Source: bodySource.String, English: bodyEnglish.String, MediaID: mediaID.String}
	if replyID.Valid && replyID.String != "" {
		m.Reply = &models.ReplyContext{
			ReplyID:            replyID.String,
			ReplyCategory:      models.MessageCategory(replyCategory.String),
			ReplySnapshot:      replySnapshot.String,
			VerificationStatus: models.VerificationStatus(replyStatus.String),
		}
		unmarshalInto(replyMeta, &m.Reply.Meta)
	}
	if crossQuestionID.Valid && crossQuestionID.String != "" {
		m.Cross = &models.CrossContext{QuestionID: crossQuestionID.String, NoticeID: crossNoticeID.String}
	}
	if sourceQuestion.Valid || sourceAnswer.Valid {
		m.Source = &models.SourceFields{Question: sourceQuestion.String, DraftAnswer: sourceAnswer.String}
	}
	unmarshalInto(templateParams, &m.TemplateParams)
	if receivedAt.Valid {
		m.ReceivedAt = receivedAt.Time
	}
	return m, nil
}

// messageArgs flattens a message into the insert argument list matching
// messageColumns order.
func messageArgs(m models.Message) ([]interface{}, error) {
	var replyID, replyCategory, replySnapshot, replyStatus interface{}
	var replyMeta interface{}
	if m.Reply != nil {
		replyID = nilIfEmpty(m.Reply.ReplyID)
		replyCategory = nilIfEmpty(string(m.Reply.ReplyCategory))
		replySnapshot = nilIfEmpty(m.Reply.ReplySnapshot)
		replyStatus = nilIfEmpty(string(m.Reply.VerificationStatus))
		var err error
		replyMeta, err = marshalJSON(m.Reply.Meta)
		if err != nil {
			return nil, err
		}
	}
	var crossQuestionID, crossNoticeID interface{}
	if m.Cross != nil {
		crossQuestionID = nilIfEmpty(m.Cross.QuestionID)
		crossNoticeID = nilIfEmpty(m.Cross.NoticeID)
	}
	var sourceQuestion, sourceAnswer interface{}
	if m.Source != nil {
		sourceQuestion = nilIfEmpty(m.Source.Question)
		sourceAnswer = nilIfEmpty(m.Source.DraftAnswer)
	}
	templateParams, err := marshalJSON(m.TemplateParams)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		m.ID, nilIfEmpty(m.ProvisionalID), string(m.Category), string(m.Kind), m.Channel,
		nilIfEmpty(m.SenderID), nilIfEmpty(m.Recipient),
		nilIfEmpty(m.Body.Source), nilIfEmpty(m.Body.English), nilIfEmpty(m.Body.MediaID),
		replyID, replyCategory, replySnapshot, replyStatus, replyMeta,
		crossQuestionID, crossNoticeID, sourceQuestion, sourceAnswer,
		string(m.VerificationStatus), templateParams,
		m.CreatedAt, nilIfZero(m.ReceivedAt),
	}, nil
}

// userArgs flattens a user into the insert argument list matching
// userColumns order.
func userArgs(u models.User) ([]interface{}, error) {
	experts, err := marshalJSON(u.Experts)
	if err != nil {
		return nil, err
	}
	history, err := marshalJSON(u.RollingHistory)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		u.ID, u.PhoneNumber, string(u.Role), u.Language, experts,
		nilIfZero(u.LastActivity), history, u.CreatedAt, u.UpdatedAt,
	}, nil
}

// consensusColumns is the select list matching scanConsensus.
const consensusColumns = "id, question_id, user_id, message_id, status, response, created_at, updated_at"

func scanConsensus(r rowScanner) (models.Consensus, error) {
	var c models.Consensus
	var response sql.NullString
	err := r.Scan(&c.ID, &c.QuestionID, &c.UserID, &c.MessageID, &c.Status, &response, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Response = response.String
	return c, nil
}

// queueColumns is the select list matching scanQueueEntry.
const queueColumns = "id, channel, payload, attempts, received_at, expires_at"

func scanQueueEntry(r rowScanner) (QueueEntry, error) {
	var e QueueEntry
	err := r.Scan(&e.ID, &e.Channel, &e.Payload, &e.Attempts, &e.ReceivedAt, &e.ExpiresAt)
	return e, err
}

// statusPlaceholders builds an IN-clause for the given statuses with the
// placeholder style of the backend ("?" or "$").
func statusValues(statuses []models.VerificationStatus) []interface{} {
	out := make([]interface{}, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
