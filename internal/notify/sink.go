// Package notify delivers progress text and generated artifacts to users.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink receives progress messages and results. Implementations must be safe
// for use by one sweep at a time.
type Sink interface {
	ReportProgress(ctx context.Context, text string) error
	ReportResult(ctx context.Context, artifacts []string, caption string) error
}

// Console writes to an io.Writer.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) ReportProgress(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, text)
	return err
}

func (c *Console) ReportResult(_ context.Context, artifacts []string, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caption != "" {
		if _, err := fmt.Fprintln(c.w, caption); err != nil {
			return err
		}
	}
	for _, artifact := range artifacts {
		if _, err := fmt.Fprintf(c.w, "  %s\n", artifact); err != nil {
			return err
		}
	}
	return nil
}

// Log records messages on a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) ReportProgress(_ context.Context, text string) error {
	if l.Logger != nil {
		l.Logger.Info("progress", zap.String("message", text))
	}
	return nil
}

func (l Log) ReportResult(_ context.Context, artifacts []string, caption string) error {
	if l.Logger != nil {
		l.Logger.Info("result", zap.String("caption", caption), zap.Strings("artifacts", artifacts))
	}
	return nil
}

// Webhook posts results as generic JSON events. Progress is posted only when
// Progress is set.
type Webhook struct {
	URL      string
	Timeout  time.Duration
	Progress bool
}

func (w *Webhook) ReportProgress(ctx context.Context, text string) error {
	if !w.Progress {
		return nil
	}
	return w.post(ctx, map[string]interface{}{
		"event":     "progress",
		"message":   text,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (w *Webhook) ReportResult(ctx context.Context, artifacts []string, caption string) error {
	switch DetectWebhookType(w.URL) {
	case WebhookDiscord:
		return w.post(ctx, map[string]interface{}{
			"content": caption + "\n" + strings.Join(artifacts, "\n"),
		})
	case WebhookSlack:
		return w.post(ctx, map[string]interface{}{
			"text": caption + "\n" + strings.Join(artifacts, "\n"),
		})
	default:
		return w.post(ctx, map[string]interface{}{
			"event":     "result",
			"caption":   caption,
			"artifacts": artifacts,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

func (w *Webhook) post(ctx context.Context, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return SendWebhook(ctx, w.URL, data, w.Timeout)
}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) ReportProgress(ctx context.Context, text string) error {
	var errs []error
	for _, sink := range m {
		if err := sink.ReportProgress(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) ReportResult(ctx context.Context, artifacts []string, caption string) error {
	var errs []error
	for _, sink := range m {
		if err := sink.ReportResult(ctx, artifacts, caption); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type message struct {
	progress  bool
	text      string
	artifacts []string
}

// Async forwards to an inner sink from a background goroutine. Reports never
// block; when the buffer is full the message is dropped and counted.
type Async struct {
	inner   Sink
	logger  *zap.Logger
	queue   chan message
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	// Timeout bounds each delivery to the inner sink.
	timeout time.Duration
}

// NewAsync starts the delivery goroutine. Call Close to flush and stop it.
func NewAsync(inner Sink, buffer int, timeout time.Duration, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		inner:   inner,
		logger:  logger.With(zap.String("component", "notify")),
		queue:   make(chan message, buffer),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go a.run()
	return a
}

func (a *Async) ReportProgress(_ context.Context, text string) error {
	a.enqueue(message{progress: true, text: text})
	return nil
}

func (a *Async) ReportResult(_ context.Context, artifacts []string, caption string) error {
	a.enqueue(message{text: caption, artifacts: append([]string(nil), artifacts...)})
	return nil
}

// Dropped reports how many messages were discarded because the buffer was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) enqueue(msg message) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- msg:
	default:
		a.dropped.Add(1)
		a.logger.Warn("notification dropped", zap.Bool("progress", msg.progress))
	}
}

func (a *Async) run() {
	defer close(a.done)
	for msg := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		var err error
		if msg.progress {
			err = a.inner.ReportProgress(ctx, msg.text)
		} else {
			err = a.inner.ReportResult(ctx, msg.artifacts, msg.text)
		}
		cancel()
		if err != nil {
			a.logger.Warn("notification delivery failed", zap.Error(err))
		}
	}
}
