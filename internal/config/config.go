// Package config holds the immutable runtime configuration for CareBridge.
//
// Prompt templates, reply tokens, timeouts, and channel ordering rules are
// loaded once at startup into a Config passed by reference into the answer
// generator, coordinator, and dispatcher. Nothing here is mutated after
// startup.
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/CareBridge/CareBridge/internal/util"
)

// Ordering describes the outbound send order for one channel. The rules are
// channel-idiosyncrasy workarounds (reply-chain metadata must anchor to the
// text message, not the audio) and therefore stay configurable per channel.
type Ordering struct {
	// ReceiptsFirst sends read receipts before any substantive message.
	ReceiptsFirst bool
	// AudioBeforeTaggedText sends audio before any reply-tagged text so the
	// reply chain anchors to the text.
	AudioBeforeTaggedText bool
}

// Templates holds the user- and expert-facing message templates. All are
// plain fmt.Sprintf templates; the verification request embeds the question
// and draft answer behind Q:/A: markers that the fallback parsers recognize.
type Templates struct {
	VerificationRequest string // args: question, draft answer, yes token, no token
	ConsensusRequest    string // args: question, draft answer
	PleaseWait          string
	CorrectionPrompt    string
	ThankYou            string
	AlreadyAnswered     string
	TimeoutNotice       string
	Apology             string
	ReminderHeader      string // args: outstanding question count
	ReminderItem        string // args: question
	NoConsensusNotice   string
}

// Config is the versioned runtime configuration.
type Config struct {
	// Reply tokens experts use to approve or reject a draft answer.
	YesToken string
	NoToken  string

	// DefaultExpertID is contacted when no expert is configured for a
	// question's query type.
	DefaultExpertID string

	// FreeTextWindow is the recency window within which a contact may be
	// messaged with free text; outside it, vendor policy requires a
	// template message. One value serves both the send path and the
	// reminder sweep.
	FreeTextWindow time.Duration

	// VerifyTimeout is how long a verification may stay pending or waiting
	// for correction before the sweep declares a timeout.
	VerifyTimeout time.Duration

	// ReminderAfter is how long a verification request may go unanswered
	// before the expert gets a consolidated reminder.
	ReminderAfter time.Duration

	// SweepInterval is how often the sweep jobs run.
	SweepInterval time.Duration

	// MessageBudget is the hard wall-clock budget for handling one inbound
	// message; exceeding it is a recoverable per-message error.
	MessageBudget time.Duration

	// HistoryLimit bounds the rolling question/answer history per user.
	HistoryLimit int

	// Consensus mode settings.
	ConsensusEnabled    bool
	ConsensusFanOut     int
	ConsensusMinReplies int
	ConsensusMaxReplies int

	// ActivityCacheTTL bounds staleness of the cached last-activity reads.
	ActivityCacheTTL time.Duration

	// Inbound queue settings.
	QueueVisibility time.Duration
	QueueBatchSize  int
	QueueTTL        time.Duration
	PollInterval    time.Duration

	// DefaultLanguage is assumed for users who have not set one.
	DefaultLanguage string

	// AudioReplies enables TTS audio alongside final text answers.
	AudioReplies bool

	// Retrieval fan-in weights: top-K per knowledge base.
	CuratedTopK       int
	SupplementaryTopK int

	Templates Templates
	Ordering  map[string]Ordering
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		YesToken:            "Yes",
		NoToken:             "No",
		FreeTextWindow:      24 * time.Hour,
		VerifyTimeout:       4*time.Hour + 30*time.Minute,
		ReminderAfter:       72 * time.Hour,
		SweepInterval:       20 * time.Minute,
		MessageBudget:       180 * time.Second,
		HistoryLimit:        5,
		ConsensusFanOut:     10,
		ConsensusMinReplies: 1,
		ConsensusMaxReplies: 30,
		ActivityCacheTTL:    time.Hour,
		QueueVisibility:     5 * time.Minute,
		QueueBatchSize:      10,
		QueueTTL:            24 * time.Hour,
		PollInterval:        5 * time.Second,
		DefaultLanguage:     "en",
		CuratedTopK:         3,
		SupplementaryTopK:   2,
		Templates: Templates{
			VerificationRequest: "Please verify this answer.\nQ: %s\nA: %s\nReply \"%s\" to approve or \"%s\" to correct it.",
			ConsensusRequest:    "We would value your opinion on this question.\nQ: %s\nA: %s\nReply with your own answer, or \"No\" if you prefer not to weigh in.",
			PleaseWait:          "Thank you for your question. We are checking with a health expert and will reply soon.",
			CorrectionPrompt:    "Thank you. Please reply to this message with the correct answer.",
			ThankYou:            "Thank you for verifying this answer!",
			AlreadyAnswered:     "This question has already been handled. Thank you!",
			TimeoutNotice:       "We could not confirm an answer with an expert in time. Please try asking again later.",
			Apology:             "Sorry, we could not process your question right now. Please try again later.",
			ReminderHeader:      "You have %d question(s) awaiting your review:",
			ReminderItem:        "- %s",
			NoConsensusNotice:   "Our experts did not reach a consensus on this question. Please consult a health professional directly.",
		},
		Ordering: map[string]Ordering{
			"whatsapp": {ReceiptsFirst: true, AudioBeforeTaggedText: true},
			"qikchat":  {ReceiptsFirst: true, AudioBeforeTaggedText: true},
			"twilio":   {ReceiptsFirst: false, AudioBeforeTaggedText: true},
		},
	}
}

// FromEnv builds the configuration from defaults plus environment
// overrides. Only operational knobs are overridable; templates change with
// releases, not deployments.
func FromEnv() *Config {
	cfg := Default()
	if v := os.Getenv("YES_TOKEN"); v != "" {
		cfg.YesToken = v
	}
	if v := os.Getenv("NO_TOKEN"); v != "" {
		cfg.NoToken = v
	}
	if v := os.Getenv("DEFAULT_EXPERT_ID"); v != "" {
		cfg.DefaultExpertID = v
	}
	cfg.FreeTextWindow = util.ParseDurationEnv("FREE_TEXT_WINDOW_SECONDS", cfg.FreeTextWindow)
	cfg.VerifyTimeout = util.ParseDurationEnv("VERIFY_TIMEOUT_SECONDS", cfg.VerifyTimeout)
	cfg.ReminderAfter = util.ParseDurationEnv("REMINDER_AFTER_SECONDS", cfg.ReminderAfter)
	cfg.SweepInterval = util.ParseDurationEnv("SWEEP_INTERVAL_SECONDS", cfg.SweepInterval)
	cfg.MessageBudget = util.ParseDurationEnv("MESSAGE_BUDGET_SECONDS", cfg.MessageBudget)
	cfg.ActivityCacheTTL = util.ParseDurationEnv("ACTIVITY_CACHE_TTL_SECONDS", cfg.ActivityCacheTTL)
	cfg.QueueVisibility = util.ParseDurationEnv("QUEUE_VISIBILITY_SECONDS", cfg.QueueVisibility)
	cfg.QueueTTL = util.ParseDurationEnv("QUEUE_TTL_SECONDS", cfg.QueueTTL)
	cfg.PollInterval = util.ParseDurationEnv("POLL_INTERVAL_SECONDS", cfg.PollInterval)
	cfg.HistoryLimit = util.ParseIntEnv("HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.QueueBatchSize = util.ParseIntEnv("QUEUE_BATCH_SIZE", cfg.QueueBatchSize)
	cfg.ConsensusEnabled = util.ParseBoolEnv("CONSENSUS_ENABLED", cfg.ConsensusEnabled)
	cfg.ConsensusFanOut = util.ParseIntEnv("CONSENSUS_FAN_OUT", cfg.ConsensusFanOut)
	cfg.ConsensusMinReplies = util.ParseIntEnv("CONSENSUS_MIN_REPLIES", cfg.ConsensusMinReplies)
	cfg.ConsensusMaxReplies = util.ParseIntEnv("CONSENSUS_MAX_REPLIES", cfg.ConsensusMaxReplies)
	cfg.AudioReplies = util.ParseBoolEnv("AUDIO_REPLIES", cfg.AudioReplies)
	if v := os.Getenv("DEFAULT_LANGUAGE"); v != "" {
		cfg.DefaultLanguage = v
	}
	slog.Debug("configuration loaded",
		"consensus_enabled", cfg.ConsensusEnabled,
		"free_text_window", cfg.FreeTextWindow,
		"verify_timeout", cfg.VerifyTimeout,
		"default_expert_set", cfg.DefaultExpertID != "")
	return cfg
}

// OrderingFor returns the ordering rules for a channel, defaulting to the
// strictest rules when the channel is unknown.
func (c *Config) OrderingFor(channel string) Ordering {
	if o, ok := c.Ordering[channel]; ok {
		return o
	}
	return Ordering{ReceiptsFirst: true, AudioBeforeTaggedText: true}
}
