package bfl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goosewin/fluxsweep/internal/backend"
	"github.com/goosewin/fluxsweep/internal/params"
)

const (
	DefaultBaseURL = "https://api.bfl.ai"
	DefaultModel   = "flux-dev"
)

// Backend talks to the Black Forest Labs FLUX API.
// Submission returns a polling URL that must be used for status checks.
type Backend struct {
	opts backend.Options
}

var _ backend.ImageBackend = (*Backend)(nil)

func init() {
	_ = backend.Register("bfl", func(opts backend.Options) backend.ImageBackend {
		return New(opts)
	})
}

// New returns a FLUX backend with defaults applied.
func New(opts backend.Options) *Backend {
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	return &Backend{opts: opts}
}

func (b *Backend) Name() string {
	return "bfl"
}

func (b *Backend) CheckConfigured() error {
	if strings.TrimSpace(b.opts.Token) == "" {
		return fmt.Errorf("%w: BFL API key is not set", backend.ErrNotConfigured)
	}
	return nil
}

type fluxRequest struct {
	Prompt         string  `json:"prompt"`
	AspectRatio    string  `json:"aspect_ratio,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	PromptStrength float64 `json:"image_prompt_strength,omitempty"`
	OutputFormat   string  `json:"output_format,omitempty"`
}

type fluxResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PollingURL string `json:"polling_url,omitempty"`
	Result     struct {
		Sample json.RawMessage `json:"sample"`
	} `json:"result"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (b *Backend) Submit(ctx context.Context, prompt string, p params.Generation) (backend.Handle, error) {
	if strings.TrimSpace(prompt) == "" {
		return backend.Handle{}, backend.ErrEmptyPrompt
	}
	if err := b.opts.Wait(ctx); err != nil {
		return backend.Handle{}, err
	}

	body := fluxRequest{
		Prompt:         prompt,
		AspectRatio:    p.AspectRatio,
		Width:          roundTo32(p.Width),
		Height:         roundTo32(p.Height),
		Steps:          p.InferenceSteps,
		Guidance:       p.GuidanceScale,
		PromptStrength: p.PromptStrength,
		OutputFormat:   outputFormat(p.OutputFormat),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("marshal flux request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/%s", strings.TrimRight(b.opts.BaseURL, "/"), url.PathEscape(b.opts.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return backend.Handle{}, &backend.SubmissionError{Op: "submit", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	b.setHeaders(req)

	resp, err := b.do(req, "submit")
	if err != nil {
		return backend.Handle{}, err
	}
	if resp.ID == "" {
		return backend.Handle{}, &backend.SubmissionError{Op: "submit", Message: "response missing task id"}
	}

	pollingURL := resp.PollingURL
	if pollingURL == "" {
		pollingURL = fmt.Sprintf("%s/v1/get_result?id=%s", strings.TrimRight(b.opts.BaseURL, "/"), url.QueryEscape(resp.ID))
	}
	return backend.Handle{ID: resp.ID, URL: pollingURL}, nil
}

func (b *Backend) Poll(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	if err := b.opts.Wait(ctx); err != nil {
		return backend.Status{}, err
	}
	if handle.URL == "" {
		return backend.Status{}, &backend.SubmissionError{Op: "poll", Message: "handle has no polling URL"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.URL, nil)
	if err != nil {
		return backend.Status{}, &backend.SubmissionError{Op: "poll", Err: err}
	}
	b.setHeaders(req)

	resp, err := b.do(req, "poll")
	if err != nil {
		return backend.Status{}, err
	}

	switch resp.Status {
	case "Ready":
		artifacts, err := backend.NormalizeOutput(resp.Result.Sample)
		if err != nil {
			return backend.Status{State: backend.StateFailed, Reason: err.Error(), Raw: resp.Status}, nil
		}
		return backend.Status{State: backend.StateSucceeded, Artifacts: artifacts, Raw: resp.Status}, nil
	case "Error", "Failed", "Content Moderated", "Request Moderated":
		reason := resp.Status
		if len(resp.Details) > 0 && string(resp.Details) != "null" {
			reason = fmt.Sprintf("%s: %s", resp.Status, string(resp.Details))
		}
		return backend.Status{State: backend.StateFailed, Reason: reason, Raw: resp.Status}, nil
	default:
		return backend.Status{State: backend.StatePending, Raw: resp.Status}, nil
	}
}

func (b *Backend) setHeaders(req *http.Request) {
	req.Header.Set("x-key", b.opts.Token)
	req.Header.Set("accept", "application/json")
}

func (b *Backend) do(req *http.Request, op string) (fluxResponse, error) {
	resp, err := b.opts.Client().Do(req)
	if err != nil {
		return fluxResponse{}, &backend.SubmissionError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fluxResponse{}, &backend.SubmissionError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fluxResponse{}, &backend.SubmissionError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var decoded fluxResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fluxResponse{}, &backend.SubmissionError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return decoded, nil
}

// FLUX requires dimensions in multiples of 32.
func roundTo32(value int) int {
	if value <= 0 {
		return 0
	}
	rounded := (value + 16) / 32 * 32
	if rounded < 256 {
		return 256
	}
	return rounded
}

func outputFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "png":
		return "png"
	case "", "jpg", "jpeg":
		return "jpeg"
	default:
		return "jpeg"
	}
}
