package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/goosewin/fluxsweep/internal/params"
)

var (
	ErrEmptyPrompt   = errors.New("prompt is required")
	ErrEmptyOutput   = errors.New("service returned no artifacts")
	ErrSubmission    = errors.New("submission failed")
	ErrRemoteFailure = errors.New("service reported failure")
	ErrNotConfigured = errors.New("backend is not configured")
)

// Handle identifies a submitted prediction for polling.
type Handle struct {
	ID  string
	URL string
}

// State is the coarse status of a prediction.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status is the result of a single poll call.
type Status struct {
	State     State
	Artifacts []string
	Reason    string
	Raw       string
}

// ImageBackend submits and polls asynchronous image generations.
type ImageBackend interface {
	Name() string
	CheckConfigured() error
	Submit(ctx context.Context, prompt string, p params.Generation) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Status, error)
}

// Options configures a backend instance.
type Options struct {
	Token      string
	BaseURL    string
	Version    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Limiter    *rate.Limiter
}

// Client returns the configured HTTP client or one bounded by Timeout.
func (o Options) Client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Wait blocks on the shared limiter, if any.
func (o Options) Wait(ctx context.Context) error {
	if o.Limiter == nil {
		return nil
	}
	if err := o.Limiter.Wait(ctx); err != nil {
		return &SubmissionError{Op: "throttle", Err: err}
	}
	return nil
}

// SubmissionError is a transport-level failure talking to the image service:
// network errors, non-2xx responses and malformed bodies.
type SubmissionError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	op := e.Op
	if op == "" {
		op = "submit"
	}
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d", op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", op, defaultString(e.Message, "request failed"))
	}
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// RemoteFailure is a terminal failure reported by the service itself.
type RemoteFailure struct {
	ID     string
	Reason string
}

func (e *RemoteFailure) Error() string {
	return fmt.Sprintf("generation %s failed: %s", defaultString(e.ID, "job"), defaultString(e.Reason, "unknown reason"))
}

func (e *RemoteFailure) Is(target error) bool { return target == ErrRemoteFailure }

// IsTransport reports whether err is a retryable transport-level failure.
func IsTransport(err error) bool {
	var submission *SubmissionError
	return errors.As(err, &submission)
}

// NormalizeOutput turns a single reference or a list of references into a
// non-empty ordered list.
func NormalizeOutput(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, ErrEmptyOutput
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, ErrEmptyOutput
		}
		return []string{single}, nil
	}

	var list []interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	refs := make([]string, 0, len(list))
	for _, item := range list {
		value, ok := item.(string)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		refs = append(refs, value)
	}
	if len(refs) == 0 {
		return nil, ErrEmptyOutput
	}
	return refs, nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
