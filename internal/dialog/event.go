// Package dialog models one conversation per user as a state machine driven
// by typed events.
package dialog

import (
	"errors"
	"fmt"
)

var ErrUnknownEvent = errors.New("unknown event type")

// State is where a conversation currently stands.
type State string

const (
	Idle                 State = "idle"
	AwaitingConfirmation State = "awaiting_confirmation"
	AwaitingSweepPrompt  State = "awaiting_sweep_prompt"
	Sweeping             State = "sweeping"
)

// Event is something the user did. The concrete types below are the only
// implementations.
type Event interface {
	Name() string
}

type TextReceived struct {
	Text string
}

type VoiceReceived struct {
	Audio    []byte
	Filename string
}

type PhotoReceived struct {
	Image []byte
}

type PromptConfirmed struct{}

type PromptRetried struct{}

type PromptCancelled struct{}

type SettingChanged struct {
	Key   string
	Value string
}

type SettingsReset struct{}

// SweepRequested starts a sweep. A blank Prompt asks for one first; a zero
// Count runs the whole grid.
type SweepRequested struct {
	Prompt string
	Count  int
}

type SweepCancelled struct{}

func (TextReceived) Name() string    { return "text" }
func (VoiceReceived) Name() string   { return "voice" }
func (PhotoReceived) Name() string   { return "photo" }
func (PromptConfirmed) Name() string { return "confirm" }
func (PromptRetried) Name() string   { return "retry" }
func (PromptCancelled) Name() string { return "cancel" }
func (SettingChanged) Name() string  { return "setting" }
func (SettingsReset) Name() string   { return "reset_settings" }
func (SweepRequested) Name() string  { return "sweep" }
func (SweepCancelled) Name() string  { return "stop_sweep" }

// Envelope is the JSON form of an event. Type is the event Name; byte
// fields are base64 encoded.
type Envelope struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Audio    []byte `json:"audio,omitempty"`
	Filename string `json:"filename,omitempty"`
	Image    []byte `json:"image,omitempty"`
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// Event converts the envelope to its typed event.
func (e Envelope) Event() (Event, error) {
	switch e.Type {
	case "text":
		return TextReceived{Text: e.Text}, nil
	case "voice":
		return VoiceReceived{Audio: e.Audio, Filename: e.Filename}, nil
	case "photo":
		return PhotoReceived{Image: e.Image}, nil
	case "confirm":
		return PromptConfirmed{}, nil
	case "retry":
		return PromptRetried{}, nil
	case "cancel":
		return PromptCancelled{}, nil
	case "setting":
		return SettingChanged{Key: e.Key, Value: e.Value}, nil
	case "reset_settings":
		return SettingsReset{}, nil
	case "sweep":
		return SweepRequested{Prompt: e.Prompt, Count: e.Count}, nil
	case "stop_sweep":
		return SweepCancelled{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
}
