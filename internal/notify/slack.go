package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gputracker/internal/domain"
)

// SlackConfig is the "config" block of a slack channel.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Slack posts Block Kit messages to an incoming webhook.
type Slack struct {
	meta
	cfg    SlackConfig
	client *http.Client
}

func NewSlack(ch domain.NotificationChannel, opts Options) (*Slack, error) {
	s := &Slack{meta: newMeta(ch, "slack"), client: opts.httpClient()}
	if err := decodeConfig(ch, &s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Slack) ValidateConfig() error {
	if strings.TrimSpace(s.cfg.WebhookURL) == "" {
		return missing(s.name, "webhook_url")
	}
	return nil
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackElem `json:"elements,omitempty"`
}

type slackElem struct {
	Type string `json:"type"`
	Text any    `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks,omitempty"`
}

func slackBlocks(message string, p domain.Payload) []slackBlock {
	return []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "GPU Tracker Alert", Emoji: true}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*" + message + "*"}},
		{Type: "section", Fields: []slackText{
			{Type: "mrkdwn", Text: "*GPU:*\n" + p.Title},
			{Type: "mrkdwn", Text: "*Price:*\n" + p.Price},
			{Type: "mrkdwn", Text: "*Stock Status:*\n" + p.StockStatus},
			{Type: "mrkdwn", Text: "*Retailer:*\n" + p.Retailer},
		}},
		{Type: "actions", Elements: []slackElem{{
			Type: "button",
			Text: slackText{Type: "plain_text", Text: "View Product", Emoji: true},
			URL:  p.URL,
		}}},
		{Type: "context", Elements: []slackElem{{
			Type: "mrkdwn",
			Text: "Notification sent at: " + p.Timestamp.Format("2006-01-02 15:04:05 MST"),
		}}},
	}
}

func (s *Slack) Send(ctx context.Context, message string, p domain.Payload) error {
	return s.post(ctx, slackMessage{Text: message, Blocks: slackBlocks(message, p)})
}

func (s *Slack) SendText(ctx context.Context, text string) error {
	return s.post(ctx, slackMessage{Text: text})
}

// post expects the webhook's literal "ok" reply.
func (s *Slack) post(ctx context.Context, msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	reply := strings.TrimSpace(string(b))
	if resp.StatusCode != http.StatusOK || reply != "ok" {
		return fmt.Errorf("slack webhook returned: %d - %s", resp.StatusCode, reply)
	}
	return nil
}
