package replicate

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
	DefaultBaseURL = "https://api.replicate.com"
	DefaultVersion = "b33842d0896aad6018790f120e7c455abb0bcad55c75b5b3bfebf2f7deeb8d3f"
)

// Backend talks to the Replicate predictions API.
type Backend struct {
	opts backend.Options
}

var _ backend.ImageBackend = (*Backend)(nil)

func init() {
	_ = backend.Register("replicate", func(opts backend.Options) backend.ImageBackend {
		return New(opts)
	})
}

// New returns a Replicate backend with defaults applied.
func New(opts backend.Options) *Backend {
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(opts.Version) == "" {
		opts.Version = DefaultVersion
	}
	return &Backend{opts: opts}
}

func (b *Backend) Name() string {
	return "replicate"
}

func (b *Backend) CheckConfigured() error {
	if strings.TrimSpace(b.opts.Token) == "" {
		return fmt.Errorf("%w: replicate API token is not set", backend.ErrNotConfigured)
	}
	return nil
}

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func (b *Backend) Submit(ctx context.Context, prompt string, p params.Generation) (backend.Handle, error) {
	if strings.TrimSpace(prompt) == "" {
		return backend.Handle{}, backend.ErrEmptyPrompt
	}
	if err := b.opts.Wait(ctx); err != nil {
		return backend.Handle{}, err
	}

	payload, err := json.Marshal(predictionRequest{
		Version: b.opts.Version,
		Input:   p.WithPrompt(prompt).Input(),
	})
	if err != nil {
		return backend.Handle{}, fmt.Errorf("marshal prediction: %w", err)
	}

	endpoint := strings.TrimRight(b.opts.BaseURL, "/") + "/v1/predictions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return backend.Handle{}, &backend.SubmissionError{Op: "submit", Err: err}
	}
	b.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	pred, err := b.do(req, "submit")
	if err != nil {
		return backend.Handle{}, err
	}
	if strings.TrimSpace(pred.ID) == "" {
		return backend.Handle{}, &backend.SubmissionError{Op: "submit", Message: "response missing prediction id"}
	}
	return backend.Handle{ID: pred.ID, URL: pred.URLs.Get}, nil
}

func (b *Backend) Poll(ctx context.Context, handle backend.Handle) (backend.Status, error) {
	if err := b.opts.Wait(ctx); err != nil {
		return backend.Status{}, err
	}

	endpoint := strings.TrimRight(b.opts.BaseURL, "/") + "/v1/predictions/" + url.PathEscape(handle.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backend.Status{}, &backend.SubmissionError{Op: "poll", Err: err}
	}
	b.setHeaders(req)

	pred, err := b.do(req, "poll")
	if err != nil {
		return backend.Status{}, err
	}

	switch pred.Status {
	case "succeeded":
		artifacts, err := backend.NormalizeOutput(pred.Output)
		if err != nil {
			return backend.Status{State: backend.StateFailed, Reason: err.Error(), Raw: pred.Status}, nil
		}
		return backend.Status{State: backend.StateSucceeded, Artifacts: artifacts, Raw: pred.Status}, nil
	case "failed", "canceled":
		return backend.Status{State: backend.StateFailed, Reason: errorText(pred.Error, pred.Status), Raw: pred.Status}, nil
	default:
		return backend.Status{State: backend.StatePending, Raw: pred.Status}, nil
	}
}

func (b *Backend) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+b.opts.Token)
	req.Header.Set("Accept", "application/json")
}

func (b *Backend) do(req *http.Request, op string) (prediction, error) {
	resp, err := b.opts.Client().Do(req)
	if err != nil {
		return prediction{}, &backend.SubmissionError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return prediction{}, &backend.SubmissionError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return prediction{}, &backend.SubmissionError{Op: op, StatusCode: resp.StatusCode, Message: apiMessage(body)}
	}

	var pred prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return prediction{}, &backend.SubmissionError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return pred, nil
}

const maxMessageRunes = 200

func apiMessage(body []byte) string {
	var detail struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &detail); err == nil {
		if detail.Detail != "" {
			return detail.Detail
		}
		if detail.Title != "" {
			return detail.Title
		}
	}
	text := []rune(strings.TrimSpace(string(body)))
	if len(text) > maxMessageRunes {
		text = text[:maxMessageRunes]
	}
	return string(text)
}

func errorText(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && strings.TrimSpace(text) != "" {
		return text
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err == nil {
		if msg, ok := object["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return string(raw)
}
