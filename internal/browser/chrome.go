package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeOptions configures the headless Chrome launcher.
type ChromeOptions struct {
	ExecPath  string
	Headless  bool
	NoSandbox bool
}

// ChromeLauncher starts Chrome through chromedp.
type ChromeLauncher struct {
	opts ChromeOptions
	page PageOptions
}

func NewChromeLauncher(opts ChromeOptions, page PageOptions) *ChromeLauncher {
	return &ChromeLauncher{opts: opts, page: page.withDefaults()}
}

func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(l.page.Width, l.page.Height),
		chromedp.UserAgent(l.page.UserAgent),
	)
	if l.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}

	// The browser lives until Close; ctx only bounds startup.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(browserCtx) }()
	select {
	case err := <-errCh:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, ctx.Err()
	}
	return &chromeBrowser{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

func (b *chromeBrowser) Done() <-chan struct{} { return b.ctx.Done() }

func (b *chromeBrowser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = chromedp.Cancel(b.ctx)
		b.cancel()
		b.allocCancel()
	})
	return err
}

func (b *chromeBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	// First Run opens the tab.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	patterns := blockPatterns(opts.Block)
	if len(patterns) > 0 {
		chromedp.ListenTarget(tabCtx, func(ev any) {
			if e, ok := ev.(*fetch.EventRequestPaused); ok {
				go func() {
					_ = chromedp.Run(tabCtx, fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient))
				}()
			}
		})
	}

	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		emulation.SetUserAgentOverride(opts.UserAgent),
	}
	if len(patterns) > 0 {
		actions = append(actions, fetch.Enable().WithPatterns(patterns))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		cancel()
		return nil, fmt.Errorf("configure tab: %w", err)
	}
	return &chromePage{ctx: tabCtx, cancel: cancel}, nil
}

// blockPatterns maps "image", "font", "media" to CDP request patterns.
func blockPatterns(kinds []string) []*fetch.RequestPattern {
	out := make([]*fetch.RequestPattern, 0, len(kinds))
	seen := map[string]bool{}
	for _, k := range kinds {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: network.ResourceType(strings.ToUpper(k[:1]) + k[1:]),
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return out
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// bounded derives a run context from the tab that also honors the caller's
// deadline and cancellation.
func (p *chromePage) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		prev := cancel
		cancel = func() { cancelDL(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() { stop(); cancel() }
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := p.bounded(ctx)
	defer cancel()
	return chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *chromePage) Document(ctx context.Context) (*goquery.Document, error) {
	runCtx, cancel := p.bounded(ctx)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func (p *chromePage) Close() error {
	p.once.Do(p.cancel)
	return nil
}
