package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// Chrome drives a local headless Chrome through the DevTools protocol.
type Chrome struct {
	allocCtx    context.Context
	cancel      context.CancelFunc
	PageTimeout time.Duration
}

func NewChrome(ctx context.Context, pageTimeout time.Duration) *Chrome {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	if pageTimeout <= 0 {
		pageTimeout = 30 * time.Second
	}
	return &Chrome{allocCtx: allocCtx, cancel: cancel, PageTimeout: pageTimeout}
}

// Close shuts the browser process down.
func (c *Chrome) Close() {
	c.cancel()
}

func (c *Chrome) Open(ctx context.Context, url string) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(c.allocCtx)
	p := &chromePage{ctx: tabCtx, cancel: cancel}
	chromedp.ListenTarget(tabCtx, p.listen)
	// The first Run binds the tab to tabCtx; later timeouts must not close it.
	if err := chromedp.Run(tabCtx, network.Enable(), runtime.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("start tab: %w", err)
	}
	loadCtx, loadCancel := context.WithTimeout(ctx, c.PageTimeout)
	defer loadCancel()
	if err := p.run(loadCtx, chromedp.Navigate(url)); err != nil {
		cancel()
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	return p, nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	console []string
	network []string
}

func (p *chromePage) listen(ev any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e := ev.(type) {
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			p.console = append(p.console, e.ExceptionDetails.Text)
		}
	case *runtime.EventConsoleAPICalled:
		if e.Type != runtime.APITypeError {
			return
		}
		var parts []string
		for _, arg := range e.Args {
			if arg.Description != "" {
				parts = append(parts, arg.Description)
			} else if len(arg.Value) > 0 {
				parts = append(parts, strings.Trim(string(arg.Value), `"`))
			}
		}
		p.console = append(p.console, strings.Join(parts, " "))
	case *network.EventLoadingFailed:
		p.network = append(p.network, e.ErrorText)
	case *network.EventResponseReceived:
		if e.Response != nil && e.Response.Status >= 400 {
			p.network = append(p.network, fmt.Sprintf("%d %s", e.Response.Status, e.Response.URL))
		}
	}
}

// run executes actions on the tab bounded by ctx.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		defer cancelDL()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Act(ctx context.Context, selector, action, value string) error {
	switch action {
	case "", ActionNone:
		return nil
	case ActionClick:
		return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
	case ActionType:
		return p.run(ctx, chromedp.SendKeys(selector, value, chromedp.ByQuery))
	case ActionHover:
		sel, _ := json.Marshal(selector)
		js := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.dispatchEvent(new MouseEvent('mouseover', {bubbles: true})); el.dispatchEvent(new MouseEvent('mouseenter')); return true; })()`, sel)
		var ok bool
		if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery), chromedp.Evaluate(js, &ok)); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("hover target %s not found", selector)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) WaitHidden(ctx context.Context, selector string) error {
	sel, _ := json.Marshal(selector)
	js := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return true; const s = getComputedStyle(el); return s.display === 'none' || s.visibility === 'hidden' || el.getClientRects().length === 0; })()`, sel)
	var ok bool
	return p.run(ctx, chromedp.Poll(js, &ok, chromedp.WithPollingInterval(100*time.Millisecond)))
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var s string
	err := p.run(ctx, chromedp.Text(selector, &s, chromedp.ByQuery))
	return s, err
}

func (p *chromePage) BodyText(ctx context.Context) (string, error) {
	var s string
	err := p.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ''`, &s))
	return s, err
}

func (p *chromePage) ConsoleErrors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.console...)
}

func (p *chromePage) NetworkErrors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.network...)
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}
