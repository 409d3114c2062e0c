package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type WebhookType string

const (
	WebhookDiscord WebhookType = "discord"
	WebhookSlack   WebhookType = "slack"
	WebhookGeneric WebhookType = "generic"
)

// SweepSummary describes a finished or stopped sweep.
type SweepSummary struct {
	SweepID   string
	Prompt    string
	Backend   string
	Total     int
	Attempted int
	Succeeded int
	Failed    int
	Duration  time.Duration
	Aborted   bool
}

func DetectWebhookType(url string) WebhookType {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "discord.com/api/webhooks") || strings.Contains(lower, "discordapp.com/api/webhooks") {
		return WebhookDiscord
	}
	if strings.Contains(lower, "hooks.slack.com") {
		return WebhookSlack
	}
	return WebhookGeneric
}

// NotifySweep posts summary to url in the format the URL's host expects.
func NotifySweep(ctx context.Context, url string, summary SweepSummary, timeout time.Duration) error {
	if strings.TrimSpace(summary.SweepID) == "" {
		return errors.New("sweep id is required")
	}
	if strings.TrimSpace(url) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildSweepPayload(url, summary, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, url, payload, timeout)
}

func SendWebhook(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("webhook URL is required")
	}
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

type sweepStyle struct {
	title        string
	discordColor int
	slackColor   string
	event        string
	status       string
}

func styleFor(summary SweepSummary) sweepStyle {
	if summary.Aborted {
		return sweepStyle{
			title:        "⏹ Sweep Stopped",
			discordColor: 15548997,
			slackColor:   "#ED4245",
			event:        "aborted",
			status:       "incomplete",
		}
	}
	return sweepStyle{
		title:        "✅ Sweep Complete",
		discordColor: 5763719,
		slackColor:   "#57F287",
		event:        "complete",
		status:       "success",
	}
}

func buildSweepPayload(url string, summary SweepSummary, now time.Time) ([]byte, error) {
	style := styleFor(summary)
	prompt := defaultString(summary.Prompt, "unknown")
	if len([]rune(prompt)) > 200 {
		prompt = string([]rune(prompt)[:200]) + "..."
	}
	backendName := defaultString(summary.Backend, "unknown")
	progress := fmt.Sprintf("%s/%s", countString(summary.Attempted), numberString(summary.Total))
	results := fmt.Sprintf("%d ok / %d failed", summary.Succeeded, summary.Failed)
	duration := formatDuration(summary.Duration)
	timestamp := now.Format(time.RFC3339)

	switch DetectWebhookType(url) {
	case WebhookDiscord:
		payload := map[string]interface{}{
			"embeds": []map[string]interface{}{
				{
					"title":       style.title,
					"description": sweepDescription(summary, false),
					"color":       style.discordColor,
					"fields": []map[string]interface{}{
						{"name": "Prompt", "value": fmt.Sprintf("`%s`", prompt), "inline": false},
						{"name": "Combinations", "value": progress, "inline": true},
						{"name": "Results", "value": results, "inline": true},
						{"name": "Duration", "value": duration, "inline": true},
					},
					"footer":    map[string]interface{}{"text": "fluxsweep • " + backendName},
					"timestamp": timestamp,
				},
			},
		}
		return json.Marshal(payload)
	case WebhookSlack:
		payload := map[string]interface{}{
			"attachments": []map[string]interface{}{
				{
					"color": style.slackColor,
					"blocks": []map[string]interface{}{
						{
							"type": "header",
							"text": map[string]interface{}{"type": "plain_text", "text": style.title, "emoji": true},
						},
						{
							"type": "section",
							"text": map[string]interface{}{"type": "mrkdwn", "text": sweepDescription(summary, true)},
						},
						{
							"type": "section",
							"fields": []map[string]interface{}{
								{"type": "mrkdwn", "text": fmt.Sprintf("*Prompt:*\n`%s`", prompt)},
								{"type": "mrkdwn", "text": fmt.Sprintf("*Combinations:*\n%s", progress)},
								{"type": "mrkdwn", "text": fmt.Sprintf("*Results:*\n%s", results)},
								{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:*\n%s", duration)},
							},
						},
						{
							"type": "context",
							"elements": []map[string]interface{}{
								{"type": "mrkdwn", "text": fmt.Sprintf("fluxsweep • %s • %s", backendName, timestamp)},
							},
						},
					},
				},
			},
		}
		return json.Marshal(payload)
	default:
		payload := map[string]interface{}{
			"event":     style.event,
			"status":    style.status,
			"sweep":     summary.SweepID,
			"prompt":    prompt,
			"backend":   backendName,
			"total":     summary.Total,
			"attempted": summary.Attempted,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"duration":  duration,
			"timestamp": timestamp,
			"message":   sweepMessage(summary, duration),
		}
		return json.Marshal(payload)
	}
}

func sweepDescription(summary SweepSummary, slack bool) string {
	mark := "**"
	if slack {
		mark = "*"
	}
	label := mark + summary.SweepID + mark
	if summary.Aborted {
		return fmt.Sprintf("Sweep %s was stopped after %d of %d combinations.", label, summary.Attempted, summary.Total)
	}
	return fmt.Sprintf("Sweep %s finished all %d combinations.", label, summary.Attempted)
}

func sweepMessage(summary SweepSummary, duration string) string {
	if summary.Aborted {
		return fmt.Sprintf("Sweep '%s' stopped after %d/%d combinations (%d succeeded, %d failed, %s)",
			summary.SweepID, summary.Attempted, summary.Total, summary.Succeeded, summary.Failed, duration)
	}
	return fmt.Sprintf("Sweep '%s' completed %d combinations (%d succeeded, %d failed, %s)",
		summary.SweepID, summary.Attempted, summary.Succeeded, summary.Failed, duration)
}

func formatDuration(duration time.Duration) string {
	if duration <= 0 {
		return "unknown"
	}
	total := int(duration.Seconds())
	if total <= 0 {
		return "unknown"
	}
	hours := total / 3600
	mins := (total % 3600) / 60
	secs := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

func numberString(value int) string {
	if value <= 0 {
		return "unknown"
	}
	return strconv.Itoa(value)
}

func countString(value int) string {
	if value < 0 {
		return "0"
	}
	return strconv.Itoa(value)
}

func defaultString(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
