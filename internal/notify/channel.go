package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"gputracker/internal/domain"
	logx "gputracker/pkg/logx"
)

var (
	ErrMissingField       = errors.New("missing required field")
	ErrUnknownChannelType = errors.New("unknown channel type")
	ErrChannelNotFound    = errors.New("channel not found")
)

// MissingFieldError names the absent configuration field.
type MissingFieldError struct {
	Channel string
	Field   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s is required", e.Channel, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

func missing(channel, field string) error {
	return &MissingFieldError{Channel: channel, Field: field}
}

// Channel is one configured delivery target.
type Channel interface {
	ID() int64
	Name() string
	Type() string
	// ValidateConfig reports the first missing required field.
	ValidateConfig() error
	Send(ctx context.Context, message string, p domain.Payload) error
}

// Texter is implemented by channels that can carry a bare line of text
// (used for forwarding operational logs).
type Texter interface {
	SendText(ctx context.Context, text string) error
}

// Options carries the shared clients channels are built with.
type Options struct {
	HTTPClient *http.Client
	Mailer     Mailer
	// TelegramURL overrides the Bot API endpoint.
	TelegramURL string
	Log         logx.Logger
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// Constructor builds a channel from its stored record.
type Constructor func(ch domain.NotificationChannel, opts Options) (Channel, error)

var (
	typesMu sync.RWMutex
	types   = map[string]Constructor{}
)

// Register adds or replaces a channel type.
func Register(typ string, c Constructor) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" || c == nil {
		panic("notify: invalid registration")
	}
	typesMu.Lock()
	types[typ] = c
	typesMu.Unlock()
}

// Types lists registered channel types, sorted.
func Types() []string {
	typesMu.RLock()
	out := make([]string, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	typesMu.RUnlock()
	sort.Strings(out)
	return out
}

// Build constructs and validates the channel described by ch.
func Build(ch domain.NotificationChannel, opts Options) (Channel, error) {
	typ := strings.ToLower(strings.TrimSpace(ch.Type))
	typesMu.RLock()
	ctor, ok := types[typ]
	typesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannelType, ch.Type)
	}
	c, err := ctor(ch, opts)
	if err != nil {
		return nil, err
	}
	if err := c.ValidateConfig(); err != nil {
		return nil, err
	}
	return c, nil
}

func init() {
	Register("slack", func(ch domain.NotificationChannel, o Options) (Channel, error) { return NewSlack(ch, o) })
	Register("email", func(ch domain.NotificationChannel, o Options) (Channel, error) { return NewEmail(ch, o) })
	Register("telegram", func(ch domain.NotificationChannel, o Options) (Channel, error) { return NewTelegram(ch, o) })
}

// meta carries the identity every channel shares.
type meta struct {
	id   int64
	name string
	typ  string
}

func newMeta(ch domain.NotificationChannel, typ string) meta {
	name := ch.Name
	if name == "" {
		name = typ
	}
	return meta{id: ch.ID, name: name, typ: typ}
}

func (m meta) ID() int64    { return m.id }
func (m meta) Name() string { return m.name }
func (m meta) Type() string { return m.typ }

func decodeConfig(ch domain.NotificationChannel, v any) error {
	if len(ch.Config) == 0 || string(ch.Config) == "null" {
		return nil
	}
	if err := json.Unmarshal(ch.Config, v); err != nil {
		return fmt.Errorf("%s: decode config: %w", ch.Name, err)
	}
	return nil
}

// TestPayload is sent by Dispatcher.Test.
func TestPayload(now time.Time) domain.Payload {
	return domain.Payload{
		Title:       "Test GPU",
		Price:       domain.FormatPrice(domain.Float(599.99)),
		StockStatus: "In Stock (Test)",
		Retailer:    "Test Retailer",
		URL:         "https://example.com/test-gpu",
		Timestamp:   now,
	}
}
