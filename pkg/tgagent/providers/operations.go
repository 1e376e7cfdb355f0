package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
)

// maxAudioBytes bounds downloaded voice clips (the Whisper API limit).
const maxAudioBytes = 25 << 20

// Register adds the provider operations to reg.
func Register(reg *isolator.Registry) {
	reg.Register(OpChat, opChat)
	reg.Register(OpVision, opVision)
	reg.Register(OpTranscribe, opTranscribe)
}

func newOpenAIClient(call *isolator.Call, baseURL string) (*openai.Client, error) {
	key, err := call.Secret(SecretAPIKey)
	if err != nil {
		return nil, err
	}
	cfg := openai.DefaultConfig(key)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg), nil
}

func opChat(ctx context.Context, call *isolator.Call) (any, error) {
	var args ChatArgs
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return nil, errors.New("chat: empty prompt")
	}
	client, err := newOpenAIClient(call, args.BaseURL)
	if err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessage, 0, 3)
	if args.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: args.System,
		})
	}
	if args.ReplyContext != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "The user is replying to this earlier message:\n" + args.ReplyContext,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: args.Prompt,
	})

	return complete(ctx, client, openai.ChatCompletionRequest{
		Model:     args.Model,
		Messages:  messages,
		MaxTokens: args.MaxTokens,
	})
}

func opVision(ctx context.Context, call *isolator.Call) (any, error) {
	var args VisionArgs
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	if len(args.ImageURLs) == 0 {
		return nil, errors.New("vision: no images")
	}
	client, err := newOpenAIClient(call, args.BaseURL)
	if err != nil {
		return nil, err
	}

	prompt := args.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = "Describe this image."
	}
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	for _, u := range args.ImageURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: u, Detail: openai.ImageURLDetailAuto},
		})
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if args.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: args.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	})

	return complete(ctx, client, openai.ChatCompletionRequest{
		Model:     args.Model,
		Messages:  messages,
		MaxTokens: args.MaxTokens,
	})
}

func complete(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (*TextResult, error) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion: no choices returned")
	}
	return &TextResult{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func opTranscribe(ctx context.Context, call *isolator.Call) (any, error) {
	var args TranscribeArgs
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	if (args.URL == "") == (args.Path == "") {
		return nil, errors.New("transcribe: exactly one of url and path is required")
	}
	client, err := newOpenAIClient(call, args.BaseURL)
	if err != nil {
		return nil, err
	}

	audio, name, err := openAudio(ctx, args)
	if err != nil {
		return nil, err
	}
	defer audio.Close()

	model := args.Model
	if model == "" {
		model = openai.Whisper1
	}
	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		Reader:   audio,
		FilePath: name,
		Language: args.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}
	return &TextResult{Text: resp.Text, Model: model}, nil
}

// openAudio opens the clip referenced by args and returns it with the
// filename the API should see.
func openAudio(ctx context.Context, args TranscribeArgs) (io.ReadCloser, string, error) {
	name := args.Filename
	if args.Path != "" {
		f, err := os.Open(args.Path)
		if err != nil {
			return nil, "", fmt.Errorf("transcribe: %w", err)
		}
		if name == "" {
			name = path.Base(args.Path)
		}
		return f, name, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// The URL may embed a bot token; keep it out of the error.
		return nil, "", errors.New("transcribe: downloading audio failed")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("transcribe: downloading audio: status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxAudioBytes {
		resp.Body.Close()
		return nil, "", fmt.Errorf("transcribe: audio exceeds %d bytes", maxAudioBytes)
	}
	if name == "" {
		name = path.Base(req.URL.Path)
	}
	if name == "" || name == "/" || name == "." {
		name = "voice.ogg"
	}
	return readCloser{io.LimitReader(resp.Body, maxAudioBytes), resp.Body}, name, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
