package browser

import (
	"context"
	"errors"

	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrSessionLost is returned when a page is requested from a session that
	// has disconnected or been replaced.
	ErrSessionLost = errors.New("browser session lost")
	// ErrNotNavigated is returned by Document before a successful Navigate.
	ErrNotNavigated = errors.New("page has not been navigated")
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/90.0.4430.212 Safari/537.36"
	DefaultWidth     = 1366
	DefaultHeight    = 768
)

// DefaultBlocked lists the resource types that never affect price or stock.
var DefaultBlocked = []string{"image", "font", "media"}

// PageOptions are applied to every new page.
type PageOptions struct {
	UserAgent string
	Width     int
	Height    int
	// Block lists resource types to refuse ("image", "font", "media", ...).
	Block []string
}

// DefaultPageOptions returns the desktop profile used unless configured otherwise.
func DefaultPageOptions() PageOptions {
	return PageOptions{
		UserAgent: DefaultUserAgent,
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		Block:     append([]string(nil), DefaultBlocked...),
	}
}

func (o PageOptions) withDefaults() PageOptions {
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Block == nil {
		o.Block = append([]string(nil), DefaultBlocked...)
	}
	return o
}

// Page is one tab. Close must be safe to call more than once.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Document(ctx context.Context) (*goquery.Document, error)
	Close() error
}

// Browser is a launched browsing process or client.
type Browser interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	// Done is closed when the browser goes away for any reason.
	Done() <-chan struct{}
	Close() error
}

// Launcher starts a Browser. The browser must outlive ctx; ctx only bounds startup.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Browser, error)

func (f LauncherFunc) Launch(ctx context.Context) (Browser, error) { return f(ctx) }
