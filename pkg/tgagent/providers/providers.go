// Package providers implements the blocking AI calls tgagent runs inside
// isolated workers, plus a parent-side client that builds their requests.
//
// Every operation talks to an OpenAI-compatible endpoint through
// sashabaranov/go-openai. The API key is read from the request secrets, and
// endpoint and model travel in the arguments, so a worker needs no
// configuration of its own.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
)

// Operation names.
const (
	OpChat       = "llm.chat"
	OpVision     = "llm.vision"
	OpTranscribe = "audio.transcribe"
)

// SecretAPIKey is the request secret holding the provider API key.
const SecretAPIKey = "api_key"

// Config holds the provider settings (the "llm" config section).
type Config struct {
	// BaseURL is the OpenAI-compatible API base. Empty uses api.openai.com.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// Model is the chat model (default: gpt-4o-mini).
	Model string `yaml:"model"`

	// VisionModel is used for images. Empty uses Model.
	VisionModel string `yaml:"vision_model"`

	// TranscriptionModel is used for voice clips (default: whisper-1).
	TranscriptionModel string `yaml:"transcription_model"`

	// SystemPrompt is prepended to every chat.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps completion length. Zero leaves it to the provider.
	MaxTokens int `yaml:"max_tokens"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Model:              "gpt-4o-mini",
		TranscriptionModel: "whisper-1",
		SystemPrompt:       "You are a concise, helpful personal assistant.",
	}
}

// ChatArgs are the arguments of OpChat.
type ChatArgs struct {
	BaseURL      string `json:"base_url,omitempty"`
	Model        string `json:"model"`
	System       string `json:"system,omitempty"`
	Prompt       string `json:"prompt"`
	ReplyContext string `json:"reply_context,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// VisionArgs are the arguments of OpVision.
type VisionArgs struct {
	BaseURL   string   `json:"base_url,omitempty"`
	Model     string   `json:"model"`
	System    string   `json:"system,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	ImageURLs []string `json:"image_urls"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

// TranscribeArgs are the arguments of OpTranscribe. Exactly one of URL and
// Path is set.
type TranscribeArgs struct {
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model"`
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
	Language string `json:"language,omitempty"`
}

// TextResult is the payload of every provider operation.
type TextResult struct {
	Text             string `json:"text"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// Executor runs isolated requests; *isolator.Isolator implements it.
type Executor interface {
	Execute(ctx context.Context, req *isolator.Request) (*isolator.Result, error)
}

// ErrNoAPIKey is returned when no provider key is configured.
var ErrNoAPIKey = errors.New("llm api key not configured")

// Client builds provider requests and runs them through an Executor.
type Client struct {
	cfg  Config
	exec Executor
}

// NewClient creates a client.
func NewClient(cfg Config, exec Executor) *Client {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = def.TranscriptionModel
	}
	return &Client{cfg: cfg, exec: exec}
}

// Chat answers prompt. replyContext, when set, summarizes the message the
// user is replying to.
func (c *Client) Chat(ctx context.Context, prompt, replyContext string) (string, error) {
	return c.run(ctx, OpChat, ChatArgs{
		BaseURL:      c.cfg.BaseURL,
		Model:        c.cfg.Model,
		System:       c.cfg.SystemPrompt,
		Prompt:       prompt,
		ReplyContext: replyContext,
		MaxTokens:    c.cfg.MaxTokens,
	})
}

// Describe answers prompt about one or more images.
func (c *Client) Describe(ctx context.Context, prompt string, imageURLs []string) (string, error) {
	if len(imageURLs) == 0 {
		return "", errors.New("describe: no images")
	}
	return c.run(ctx, OpVision, VisionArgs{
		BaseURL:   c.cfg.BaseURL,
		Model:     c.cfg.VisionModel,
		System:    c.cfg.SystemPrompt,
		Prompt:    prompt,
		ImageURLs: imageURLs,
		MaxTokens: c.cfg.MaxTokens,
	})
}

// Transcribe converts the audio at url to text.
func (c *Client) Transcribe(ctx context.Context, url, filename string) (string, error) {
	return c.run(ctx, OpTranscribe, TranscribeArgs{
		BaseURL:  c.cfg.BaseURL,
		Model:    c.cfg.TranscriptionModel,
		URL:      url,
		Filename: filename,
	})
}

func (c *Client) run(ctx context.Context, op string, args any) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}
	req, err := isolator.NewRequest(op, args)
	if err != nil {
		return "", err
	}
	req.Secrets = map[string]string{SecretAPIKey: c.cfg.APIKey}

	res, err := c.exec.Execute(ctx, req)
	if err != nil {
		return "", err
	}
	var out TextResult
	if err := res.Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decoding result: %w", op, err)
	}
	return strings.TrimSpace(out.Text), nil
}
