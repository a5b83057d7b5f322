// Package answer produces draft answers for user questions. It retrieves
// knowledge-base context, prompts the language model, and classifies the
// question to decide whether expert verification is needed.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/genai"
	"github.com/CareBridge/CareBridge/internal/models"
)

// Knowledge base names used for weighted retrieval fan-in.
const (
	KBCurated       = "curated"
	KBSupplementary = "supplementary"
)

// Response markers the model is instructed to emit. Parsing tolerates their
// absence: the raw response becomes the answer and classification defaults
// to medical, the branch that requires verification.
const (
	answerBegin   = "<ANSWER>"
	answerEnd     = "</ANSWER>"
	classBegin    = "<CLASS>"
	classEnd      = "</CLASS>"
	followUpBegin = "<FOLLOWUP>"
	followUpEnd   = "</FOLLOWUP>"
)

const systemPrompt = `You are a careful health-information assistant for community health workers.
Answer using only the provided context when it is relevant. Be concise and factual.
Wrap your answer in <ANSWER></ANSWER>.
Classify the question as one of small-talk, medical, logistical and wrap the label in <CLASS></CLASS>.
Optionally suggest up to two follow-up questions, each wrapped in <FOLLOWUP></FOLLOWUP>.`

// Chunk is one retrieved context passage.
type Chunk struct {
	Text   string
	Source string
	Score  float64
}

// Retriever is the vector-search collaborator.
type Retriever interface {
	Search(ctx context.Context, kb, query string, k int) ([]Chunk, error)
}

// NullRetriever returns no context. Used when no knowledge base is wired.
type NullRetriever struct{}

func (NullRetriever) Search(ctx context.Context, kb, query string, k int) ([]Chunk, error) {
	return nil, nil
}

// Result is a generated draft answer.
type Result struct {
	Answer         string
	Classification models.QueryType
	FollowUps      []string
}

// Generator produces draft answers.
type Generator struct {
	llm       genai.Generator
	retriever Retriever
	cfg       *config.Config
}

// NewGenerator creates an answer generator. A nil retriever degrades to
// context-free generation.
func NewGenerator(llm genai.Generator, retriever Retriever, cfg *config.Config) *Generator {
	if retriever == nil {
		retriever = NullRetriever{}
	}
	return &Generator{llm: llm, retriever: retriever, cfg: cfg}
}

// Generate produces a draft answer for the question. The LLM call is
// retried up to 3 times with exponential backoff; on exhausted retries the
// error propagates so the caller can surface an apology to the user.
func (g *Generator) Generate(ctx context.Context, question string, history []models.QAPair) (Result, error) {
	if strings.TrimSpace(question) == "" {
		return Result{}, fmt.Errorf("empty question")
	}

	chunks := g.retrieve(ctx, question)
	prompt := buildUserPrompt(question, history, chunks)

	var raw string
	err := retry(ctx, 3, time.Second, func() error {
		var genErr error
		raw, genErr = g.llm.Generate(ctx, systemPrompt, prompt)
		return genErr
	})
	if err != nil {
		slog.Error("Answer Generate exhausted retries", "error", err)
		return Result{}, fmt.Errorf("answer generation failed: %w", err)
	}

	res := parseResponse(raw)
	slog.Debug("Answer generated", "classification", res.Classification, "followUps", len(res.FollowUps))
	return res, nil
}

// retrieve performs the weighted fan-in across knowledge bases. Retrieval
// failure is logged and tolerated; generation proceeds without context.
func (g *Generator) retrieve(ctx context.Context, question string) []Chunk {
	var chunks []Chunk
	curated, err := g.retriever.Search(ctx, KBCurated, question, g.cfg.CuratedTopK)
	if err != nil {
		slog.Warn("Answer retrieval failed for curated base", "error", err)
	}
	chunks = append(chunks, curated...)
	supp, err := g.retriever.Search(ctx, KBSupplementary, question, g.cfg.SupplementaryTopK)
	if err != nil {
		slog.Warn("Answer retrieval failed for supplementary base", "error", err)
	}
	chunks = append(chunks, supp...)
	return chunks
}

func buildUserPrompt(question string, history []models.QAPair, chunks []Chunk) string {
	var b strings.Builder
	if len(chunks) > 0 {
		b.WriteString("Context:\n")
		for _, c := range chunks {
			b.WriteString("- ")
			b.WriteString(c.Text)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, qa := range history {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// parseResponse extracts the structured fields from the model response,
// falling back to the raw text and a medical classification when the
// markers are malformed or missing.
func parseResponse(raw string) Result {
	res := Result{
		Answer:         strings.TrimSpace(raw),
		Classification: models.QueryTypeMedical,
	}
	if body, ok := extract(raw, answerBegin, answerEnd); ok && body != "" {
		res.Answer = body
	}
	if label, ok := extract(raw, classBegin, classEnd); ok {
		switch models.QueryType(strings.ToLower(label)) {
		case models.QueryTypeSmallTalk:
			res.Classification = models.QueryTypeSmallTalk
		case models.QueryTypeLogistical:
			res.Classification = models.QueryTypeLogistical
		case models.QueryTypeMedical:
			res.Classification = models.QueryTypeMedical
		default:
			slog.Debug("Answer parse found unknown classification, defaulting to medical", "label", label)
		}
	}
	rest := raw
	for {
		fu, ok := extract(rest, followUpBegin, followUpEnd)
		if !ok {
			break
		}
		if fu != "" {
			res.FollowUps = append(res.FollowUps, fu)
		}
		idx := strings.Index(rest, followUpEnd)
		rest = rest[idx+len(followUpEnd):]
	}
	return res
}

func extract(s, begin, end string) (string, bool) {
	i := strings.Index(s, begin)
	if i < 0 {
		return "", false
	}
	j := strings.Index(s[i+len(begin):], end)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(s[i+len(begin) : i+len(begin)+j]), true
}

// retry runs fn up to attempts times with exponential backoff, respecting
// context cancellation between attempts.
func retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		slog.Debug("Answer retrying after failure", "attempt", i+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
