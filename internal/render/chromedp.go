package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const (
	bindingPrefix   = "__reelforge_"
	networkIdleWait = 30 * time.Second
)

// ChromeOptions configures the headless Chrome launcher.
type ChromeOptions struct {
	// ExecPath overrides Chrome discovery.
	ExecPath string
	Headless bool
	// NoSandbox disables the Chrome process sandbox, needed in most containers.
	NoSandbox bool
	Width     int
	Height    int
	Logger    *slog.Logger
}

// ChromeLauncher starts one headless Chrome per job through chromedp.
type ChromeLauncher struct {
	opts ChromeOptions
}

// NewChromeLauncher creates a launcher.
func NewChromeLauncher(opts ChromeOptions) *ChromeLauncher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ChromeLauncher{opts: opts}
}

// Launch starts the browser process.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.Flag("mute-audio", false),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("disable-web-security", false),
	)
	if l.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if l.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.opts.ExecPath))
	}
	if l.opts.Width > 0 && l.opts.Height > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(l.opts.Width, l.opts.Height))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}

	l.opts.Logger.Debug("chrome started")
	return &chromeBrowser{
		ctx:    browserCtx,
		cancel: func() { cancelBrowser(); cancelAlloc() },
		logger: l.opts.Logger,
	}, nil
}

type chromeBrowser struct {
	ctx       context.Context
	cancel    func()
	logger    *slog.Logger
	closeOnce sync.Once
}

// NewContext opens a tab in a fresh browser context with the request filter
// installed.
func (b *chromeBrowser) NewContext(_ context.Context, filter RequestFilter) (ExecutionContext, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	p := &chromePage{
		ctx:       tabCtx,
		cancel:    cancel,
		filter:    filter,
		callbacks: make(map[string]Callback),
		idle:      make(chan struct{}, 1),
		logger:    b.logger,
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	err := chromedp.Run(tabCtx,
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
		cdpruntime.Enable(),
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("preparing page: %w", err)
	}
	return p, nil
}

func (b *chromeBrowser) Close() error {
	b.closeOnce.Do(func() {
		if err := chromedp.Cancel(b.ctx); err != nil {
			b.logger.Debug("closing chrome", slog.String("error", err.Error()))
		}
		b.cancel()
	})
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	filter RequestFilter
	logger *slog.Logger

	mu         sync.Mutex
	callbacks  map[string]Callback
	diagnostic func(line string, isError bool)

	idle chan struct{}
}

func (p *chromePage) Expose(name string, fn Callback) error {
	binding := bindingPrefix + name
	p.mu.Lock()
	p.callbacks[binding] = fn
	p.mu.Unlock()

	script := fmt.Sprintf(
		"window[%q] = (...args) => window[%q](JSON.stringify(args));",
		name, binding,
	)
	return chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := cdpruntime.AddBinding(binding).Do(ctx); err != nil {
			return err
		}
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

func (p *chromePage) OnDiagnostic(fn func(line string, isError bool)) {
	p.mu.Lock()
	p.diagnostic = fn
	p.mu.Unlock()
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	select {
	case <-p.idle:
	default:
	}

	if err := chromedp.Run(p.ctx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("navigating: %w", err)
	}

	select {
	case <-p.idle:
	case <-time.After(networkIdleWait):
		p.logger.Debug("network idle not reached", slog.String("url", url))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *chromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	return err
}

func (p *chromePage) emit(line string, isError bool) {
	p.mu.Lock()
	fn := p.diagnostic
	p.mu.Unlock()
	if fn != nil {
		fn(line, isError)
	}
}

func (p *chromePage) onEvent(ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		go p.filterRequest(ev)
	case *cdpruntime.EventBindingCalled:
		p.mu.Lock()
		fn := p.callbacks[ev.Name]
		p.mu.Unlock()
		if fn == nil {
			return
		}
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(ev.Payload), &args); err != nil {
			p.emit("invalid callback payload: "+err.Error(), true)
			return
		}
		go fn(args)
	case *cdpruntime.EventConsoleAPICalled:
		parts := make([]string, 0, len(ev.Args))
		for _, arg := range ev.Args {
			if arg.Description != "" {
				parts = append(parts, arg.Description)
			} else {
				parts = append(parts, strings.Trim(string(arg.Value), `"`))
			}
		}
		line := fmt.Sprintf("console.%s: %s", ev.Type, strings.Join(parts, " "))
		p.emit(line, ev.Type == cdpruntime.APITypeError)
	case *cdpruntime.EventExceptionThrown:
		line := "page error: " + ev.ExceptionDetails.Text
		if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
			line = "page error: " + ev.ExceptionDetails.Exception.Description
		}
		p.emit(line, true)
	case *network.EventLoadingFailed:
		p.emit("request failed: "+ev.ErrorText, true)
	case *page.EventLifecycleEvent:
		if ev.Name == "networkIdle" {
			select {
			case p.idle <- struct{}{}:
			default:
			}
		}
	}
}

func (p *chromePage) filterRequest(ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(p.ctx, c.Target)

	var err error
	if p.filter == nil || p.filter(ev.Request.URL) {
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	} else {
		p.emit("blocked request: "+ev.Request.URL, false)
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	}
	if err != nil && p.ctx.Err() == nil {
		p.logger.Debug("request interception", slog.String("error", err.Error()))
	}
}
