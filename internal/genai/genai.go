// Package genai wraps the OpenAI API for answer generation, translation,
// and the audio pipeline (speech-to-text and text-to-speech).
package genai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// audioService defines the minimal interface for the audio endpoints.
type audioService interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Generator is the language-model surface the rest of the service depends on.
type Generator interface {
	// Generate runs a chat completion with the given system and user prompts.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// Translate renders text from the src language into dst. Passing equal
	// language codes returns the text unchanged.
	Translate(ctx context.Context, text, src, dst string) (string, error)
	// SpeechToText transcribes an audio payload.
	SpeechToText(ctx context.Context, audio []byte) (string, error)
	// TextToSpeech synthesizes spoken audio for the text.
	TextToSpeech(ctx context.Context, text string) ([]byte, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the OPENAI_API_KEY
// environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client implements Generator on the OpenAI API.
type Client struct {
	chat  chatService
	audio audioService
	model string
}

// NewClient initializes a GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI NewClient missing API key")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model)
	return &Client{
		chat:  &openaiChat{client: cli},
		audio: &openaiAudio{client: cli},
		model: cfg.Model,
	}, nil
}

// Generate runs a chat completion and returns the first choice.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI Generate failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("GenAI Generate succeeded", "responseLength", len(out))
	return out, nil
}

// Translate renders text into the dst language via a chat completion.
func (c *Client) Translate(ctx context.Context, text, src, dst string) (string, error) {
	if text == "" || src == dst {
		return text, nil
	}
	system := fmt.Sprintf("You are a translator. Translate the user's message from %s to %s. Reply with the translation only, no commentary.", src, dst)
	return c.Generate(ctx, system, text)
}

// SpeechToText transcribes the audio payload.
func (c *Client) SpeechToText(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	text, err := c.audio.Transcribe(ctx, audio)
	if err != nil {
		slog.Error("GenAI SpeechToText failed", "bytes", len(audio), "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// TextToSpeech synthesizes spoken audio for the text.
func (c *Client) TextToSpeech(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	audio, err := c.audio.Synthesize(ctx, text)
	if err != nil {
		slog.Error("GenAI TextToSpeech failed", "textLength", len(text), "error", err)
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	return audio, nil
}

// openaiChat adapts the OpenAI SDK to chatService.
type openaiChat struct {
	client openai.Client
}

func (s *openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// openaiAudio adapts the OpenAI SDK audio endpoints to audioService.
type openaiAudio struct {
	client openai.Client
}

func (s *openaiAudio) Transcribe(ctx context.Context, audio []byte) (string, error) {
	resp, err := s.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  bytes.NewReader(audio),
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (s *openaiAudio) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model: openai.SpeechModelTTS1,
		Input: text,
		Voice: openai.AudioSpeechNewParamsVoiceAlloy,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
