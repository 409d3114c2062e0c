// Package prompt turns user requests into image prompts.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrEmptyRequest = errors.New("request is empty")
	ErrUnknownKind  = errors.New("unknown request kind")
)

// Kind is the medium a request arrived in.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindImage Kind = "image"
)

// LLM is the subset of the language service the composer needs.
type LLM interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
	DescribeImage(ctx context.Context, image []byte, instruction, userModel string) (string, error)
	GenerateText(ctx context.Context, systemPrompt, userText, model string) (string, error)
}

// Request is one user request.
type Request struct {
	Kind      Kind
	Text      string
	Audio     []byte
	AudioName string
	Image     []byte
	Model     string
}

// Draft is a composed prompt together with the text it was derived from.
// Source is the typed text, the transcript, or the image description.
type Draft struct {
	Kind   Kind
	Source string
	Prompt string
}

// Composer builds prompts through an LLM.
type Composer struct {
	LLM          LLM
	System       string
	ImageSystem  string
	Instruction  string
	TriggerWord  string
	DefaultModel string
	Logger       *zap.Logger
}

// Compose converts req into a Draft.
func (c *Composer) Compose(ctx context.Context, req Request) (Draft, error) {
	draft := Draft{Kind: req.Kind}
	if draft.Kind == "" {
		draft.Kind = KindText
	}

	switch draft.Kind {
	case KindText:
		draft.Source = strings.TrimSpace(req.Text)
		if draft.Source == "" {
			return Draft{}, ErrEmptyRequest
		}
	case KindVoice:
		if len(req.Audio) == 0 {
			return Draft{}, ErrEmptyRequest
		}
		text, err := c.LLM.Transcribe(ctx, req.Audio, req.AudioName)
		if err != nil {
			return Draft{}, err
		}
		draft.Source = strings.TrimSpace(text)
	case KindImage:
		if len(req.Image) == 0 {
			return Draft{}, ErrEmptyRequest
		}
		instruction := c.Instruction
		if strings.TrimSpace(instruction) == "" {
			instruction = DefaultDescribeInstruction
		}
		description, err := c.LLM.DescribeImage(ctx, req.Image, instruction, c.model(req.Model))
		if err != nil {
			return Draft{}, err
		}
		draft.Source = strings.TrimSpace(description)
	default:
		return Draft{}, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}

	prompt, err := c.Regenerate(ctx, draft, req.Model)
	if err != nil {
		return Draft{}, err
	}
	draft.Prompt = prompt
	return draft, nil
}

// Regenerate produces a fresh prompt from draft.Source.
func (c *Composer) Regenerate(ctx context.Context, draft Draft, model string) (string, error) {
	system := c.System
	fallback := DefaultSystemTemplate
	if draft.Kind == KindImage {
		system = c.ImageSystem
		fallback = DefaultImageSystemTemplate
	}
	if strings.TrimSpace(system) == "" {
		system = fallback
	}
	system = RenderTemplate(system, map[string]string{"trigger_word": c.triggerWord()})

	model = c.model(model)
	text, err := c.LLM.GenerateText(ctx, system, draft.Source, model)
	if err != nil {
		return "", err
	}

	prompt := WithTriggerWord(text, c.triggerWord())
	c.logger().Debug("composed prompt",
		zap.String("kind", string(draft.Kind)),
		zap.String("model", model),
		zap.Int("chars", len(prompt)),
	)
	return prompt, nil
}

func (c *Composer) model(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.DefaultModel
}

func (c *Composer) triggerWord() string {
	if strings.TrimSpace(c.TriggerWord) == "" {
		return DefaultTriggerWord
	}
	return c.TriggerWord
}

func (c *Composer) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
