package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// maxBody caps how much of a product page we read.
const maxBody = 8 << 20

// HTTPLauncher fetches pages without a browser. Nothing but the document is
// requested, so images, fonts and media are never loaded.
type HTTPLauncher struct {
	// Transport is optional; tests point it at httptest servers.
	Transport http.RoundTripper
	Timeout   time.Duration
}

func (l *HTTPLauncher) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpBrowser{
		client: &http.Client{Jar: jar, Timeout: timeout, Transport: l.Transport},
		done:   make(chan struct{}),
	}, nil
}

type httpBrowser struct {
	client *http.Client
	done   chan struct{}
	once   sync.Once
}

func (b *httpBrowser) Done() <-chan struct{} { return b.done }

func (b *httpBrowser) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.client.CloseIdleConnections()
	})
	return nil
}

func (b *httpBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	select {
	case <-b.done:
		return nil, ErrSessionLost
	default:
	}
	return &httpPage{browser: b, opts: opts.withDefaults()}, nil
}

type httpPage struct {
	browser *httpBrowser
	opts    PageOptions

	mu  sync.Mutex
	doc *goquery.Document
}

func (p *httpPage) Navigate(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.browser.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("status code: %d", resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	p.mu.Lock()
	p.doc = doc
	p.mu.Unlock()
	return nil
}

func (p *httpPage) Document(ctx context.Context) (*goquery.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil, ErrNotNavigated
	}
	return p.doc, nil
}

func (p *httpPage) Close() error {
	p.mu.Lock()
	p.doc = nil
	p.mu.Unlock()
	return nil
}
