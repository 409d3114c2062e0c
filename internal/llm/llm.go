package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"go.uber.org/zap"
)

const (
	DefaultModel              = "gpt-5-nano-2025-08-07"
	DefaultVisionModel        = "gpt-4o"
	DefaultTranscriptionModel = "whisper-1"
	DefaultLanguage           = "ru"
	DefaultMaxTokens          = 16384
	DefaultTemperature        = 0.7
	DefaultTimeout            = 180 * time.Second
)

var ErrEmptyResponse = errors.New("service returned empty content")

// TranscriptionError wraps a failed speech-to-text call.
type TranscriptionError struct{ Err error }

func (e *TranscriptionError) Error() string { return "transcription failed: " + e.Err.Error() }
func (e *TranscriptionError) Unwrap() error { return e.Err }

// AnalysisError wraps a failed image description call.
type AnalysisError struct{ Err error }

func (e *AnalysisError) Error() string { return "image analysis failed: " + e.Err.Error() }
func (e *AnalysisError) Unwrap() error { return e.Err }

// GenerationError wraps a failed prompt generation call.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("prompt generation with %s failed: %v", e.Model, e.Err)
}
func (e *GenerationError) Unwrap() error { return e.Err }

// Options configures the OpenAI-compatible client.
type Options struct {
	APIKey              string
	BaseURL             string
	Timeout             time.Duration
	MaxTokens           int
	Temperature         float64
	NoTemperatureModels []string
	VisionModel         string
	TranscriptionModel  string
	Language            string
	MaxRetries          int
	HTTPClient          *http.Client
	Logger              *zap.Logger
}

// Client performs transcription, image description and prompt generation.
type Client struct {
	api    openai.Client
	opts   Options
	logger *zap.Logger
}

// New builds a client with defaults applied.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if strings.TrimSpace(opts.VisionModel) == "" {
		opts.VisionModel = DefaultVisionModel
	}
	if strings.TrimSpace(opts.TranscriptionModel) == "" {
		opts.TranscriptionModel = DefaultTranscriptionModel
	}
	if strings.TrimSpace(opts.Language) == "" {
		opts.Language = DefaultLanguage
	}
	if opts.NoTemperatureModels == nil {
		opts.NoTemperatureModels = []string{"gpt-5-nano"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	requestOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithRequestTimeout(opts.Timeout),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if strings.TrimSpace(opts.BaseURL) != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		requestOpts = append(requestOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	return &Client{
		api:    openai.NewClient(requestOpts...),
		opts:   opts,
		logger: logger.With(zap.String("component", "llm")),
	}
}

// Transcribe converts audio to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", &TranscriptionError{Err: errors.New("audio is empty")}
	}
	if strings.TrimSpace(filename) == "" {
		filename = "voice.ogg"
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := c.api.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(audio), filename, audioContentType(filename)),
		Model:    openai.AudioModel(c.opts.TranscriptionModel),
		Language: param.NewOpt(c.opts.Language),
	})
	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", &TranscriptionError{Err: ErrEmptyResponse}
	}
	c.logger.Debug("transcribed audio", zap.Int("bytes", len(audio)), zap.Int("chars", len(text)))
	return text, nil
}

// VisionModelFor picks the model used to describe images for a user whose
// chosen chat model is userModel.
func (c *Client) VisionModelFor(userModel string) string {
	if strings.Contains(userModel, "gpt-4") {
		return userModel
	}
	return c.opts.VisionModel
}

// DescribeImage asks a vision model to describe image following instruction.
func (c *Client) DescribeImage(ctx context.Context, image []byte, instruction, userModel string) (string, error) {
	if len(image) == 0 {
		return "", &AnalysisError{Err: errors.New("image is empty")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	dataURL := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	model := c.VisionModelFor(userModel)
	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
							openai.TextContentPart(instruction),
							openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
						},
					},
				},
			},
		},
		MaxCompletionTokens: param.NewOpt(int64(c.opts.MaxTokens)),
	}

	text, err := c.complete(ctx, params)
	if err != nil {
		return "", &AnalysisError{Err: err}
	}
	c.logger.Debug("described image", zap.String("model", model), zap.Int("chars", len(text)))
	return text, nil
}

// GenerateText runs one system+user chat turn on model.
func (c *Client) GenerateText(ctx context.Context, systemPrompt, userText, model string) (string, error) {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if strings.TrimSpace(userText) == "" {
		return "", &GenerationError{Model: model, Err: errors.New("user text is empty")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userText),
		},
		MaxCompletionTokens: param.NewOpt(int64(c.opts.MaxTokens)),
	}
	if c.SupportsTemperature(model) {
		params.Temperature = param.NewOpt(c.opts.Temperature)
	}

	text, err := c.complete(ctx, params)
	if err != nil {
		return "", &GenerationError{Model: model, Err: err}
	}
	c.logger.Debug("generated text", zap.String("model", model), zap.Int("chars", len(text)))
	return text, nil
}

// SupportsTemperature reports whether model accepts a temperature override.
func (c *Client) SupportsTemperature(model string) bool {
	for _, prefix := range c.opts.NoTemperatureModels {
		if prefix != "" && strings.Contains(model, prefix) {
			return false
		}
	}
	return true
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func audioContentType(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(lower, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(lower, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(lower, ".webm"):
		return "audio/webm"
	default:
		return "audio/ogg"
	}
}
