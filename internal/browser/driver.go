// Package browser implements core.Driver on a real Chromium instance via
// CDP. Each driver owns one browser process with an isolated profile and
// feeds its network events into the session's interceptor.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"feedtrace/internal/core"
	"feedtrace/internal/intercept"
)

const (
	defaultFeedURL  = "https://www.tiktok.com/foryou"
	defaultLoginURL = "https://www.tiktok.com/login/phone-or-email/email"

	navigationTimeout = 30 * time.Second
	loginTimeout      = 90 * time.Second
	actionTimeout     = 10 * time.Second
)

// Options configure one browser driver.
type Options struct {
	Headless    bool
	Proxy       core.NetworkIdentity
	UserDataDir string // empty means a throwaway profile
	FeedURL     string
	LoginURL    string
	Interceptor *intercept.Interceptor
	Clock       core.Clock
	Logger      *zap.Logger
}

// Driver drives a Chromium tab on the feed page. Not safe for concurrent
// use; each session controller owns one.
type Driver struct {
	opts     Options
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	cancelEvents context.CancelFunc

	mu       sync.Mutex
	requests map[proto.NetworkRequestID]*requestMeta
	current  *core.ContentItem
}

type requestMeta struct {
	url         string
	method      string
	status      int
	requestedAt time.Time
	completedAt time.Time
}

// New launches the browser, opens the feed page, and starts capturing
// network traffic.
func New(ctx context.Context, opts Options) (*Driver, error) {
	if opts.FeedURL == "" {
		opts.FeedURL = defaultFeedURL
	}
	if opts.LoginURL == "" {
		opts.LoginURL = defaultLoginURL
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interceptor == nil {
		return nil, fmt.Errorf("browser: interceptor is required")
	}

	l := launcher.New().
		Headless(opts.Headless).
		Set("mute-audio").
		Set("disable-blink-features", "AutomationControlled")
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	} else {
		l = l.Set(flags.Flag("incognito"))
	}
	if addr := opts.Proxy.Addr(); addr != "" {
		l = l.Proxy(addr)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching chromium: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connecting to chromium: %w", err)
	}
	if opts.Proxy.Username != "" {
		go browser.MustHandleAuth(opts.Proxy.Username, opts.Proxy.Password)()
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("opening page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		opts.Logger.Warn("setting viewport failed", zap.Error(err))
	}

	d := &Driver{
		opts:     opts,
		launcher: l,
		browser:  browser,
		page:     page,
		requests: make(map[proto.NetworkRequestID]*requestMeta),
	}

	eventCtx, cancel := context.WithCancel(ctx)
	d.cancelEvents = cancel
	d.startCapture(eventCtx)

	if err := page.Timeout(navigationTimeout).Navigate(opts.FeedURL); err != nil {
		_ = d.Close(ctx)
		return nil, fmt.Errorf("navigating to feed: %w", err)
	}
	d.dismissCookieBanner()

	return d, nil
}

// startCapture subscribes to CDP network events and forwards completed
// exchanges to the interceptor. Only feed-plausible traffic (API calls) is
// captured; static assets never enter the record stream.
func (d *Driver) startCapture(ctx context.Context) {
	if err := (proto.NetworkEnable{}).Call(d.page); err != nil {
		d.opts.Logger.Warn("enabling network domain failed", zap.Error(err))
	}

	wait := d.page.Context(ctx).EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if !relevantURL(ev.Request.URL) {
				return
			}
			d.mu.Lock()
			d.requests[ev.RequestID] = &requestMeta{
				url:         ev.Request.URL,
				method:      ev.Request.Method,
				requestedAt: d.opts.Clock.Now(),
			}
			d.mu.Unlock()
		},
		func(ev *proto.NetworkResponseReceived) {
			d.mu.Lock()
			if meta, ok := d.requests[ev.RequestID]; ok {
				meta.status = ev.Response.Status
			}
			d.mu.Unlock()
		},
		func(ev *proto.NetworkLoadingFinished) {
			d.mu.Lock()
			meta, ok := d.requests[ev.RequestID]
			if ok {
				delete(d.requests, ev.RequestID)
				meta.completedAt = d.opts.Clock.Now()
			}
			d.mu.Unlock()
			if !ok {
				return
			}
			d.captureBody(ev.RequestID, meta)
		},
		func(ev *proto.NetworkLoadingFailed) {
			d.mu.Lock()
			_, ok := d.requests[ev.RequestID]
			delete(d.requests, ev.RequestID)
			d.mu.Unlock()
			if ok {
				d.opts.Interceptor.ReportLoss(string(ev.RequestID),
					fmt.Errorf("loading failed: %s", ev.ErrorText))
			}
		},
	)
	go wait()
}

// captureBody fetches the response body. Bodies are evicted from the
// browser's cache quickly, so the fetch is retried briefly before the
// exchange is written off as lost.
func (d *Driver) captureBody(id proto.NetworkRequestID, meta *requestMeta) {
	var body []byte
	fetch := func() error {
		res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(d.page)
		if err != nil {
			return err
		}
		if res.Base64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(res.Body)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("decoding body: %w", err))
			}
			body = decoded
			return nil
		}
		body = []byte(res.Body)
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), 2)
	if err := backoff.Retry(fetch, policy); err != nil {
		d.opts.Interceptor.ReportLoss(string(id), err)
		return
	}

	d.opts.Interceptor.Observe(intercept.Exchange{
		RequestID:   string(id),
		URL:         meta.url,
		Method:      meta.method,
		Status:      meta.status,
		RequestedAt: meta.requestedAt,
		CompletedAt: meta.completedAt,
		Body:        body,
	})
}

// relevantURL keeps the capture stream bounded to API traffic.
func relevantURL(url string) bool {
	return strings.Contains(url, "/api/")
}

// dismissCookieBanner clicks through the consent dialog if present. The
// banner lives in a shadow root, so a plain selector cannot reach it.
func (d *Driver) dismissCookieBanner() {
	_, err := d.page.Timeout(5 * time.Second).Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const banner = document.querySelector('tiktok-cookie-banner');
			if (!banner || !banner.shadowRoot) return false;
			const buttons = banner.shadowRoot.querySelectorAll('button');
			for (const b of buttons) {
				if (/allow all|accept/i.test(b.textContent || '')) {
					b.click();
					return true;
				}
			}
			if (buttons.length > 0) {
				buttons[buttons.length - 1].click();
				return true;
			}
			return false;
		}
		`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		d.opts.Logger.Debug("cookie banner not dismissed", zap.Error(err))
	}
}

// Authenticate performs the email login flow and waits for the feed to
// confirm a logged-in state.
func (d *Driver) Authenticate(ctx context.Context, creds core.Credentials) error {
	page := d.page.Context(ctx)

	if err := page.Timeout(navigationTimeout).Navigate(d.opts.LoginURL); err != nil {
		return fmt.Errorf("navigating to login: %w", err)
	}
	d.dismissCookieBanner()

	email, err := page.Timeout(actionTimeout).Element(`input[name="username"]`)
	if err != nil {
		return fmt.Errorf("email field not found: %w", err)
	}
	if err := email.Input(creds.Email); err != nil {
		return fmt.Errorf("typing email: %w", err)
	}

	password, err := page.Timeout(actionTimeout).Element(`input[type="password"]`)
	if err != nil {
		return fmt.Errorf("password field not found: %w", err)
	}
	if err := password.Input(creds.Password); err != nil {
		return fmt.Errorf("typing password: %w", err)
	}

	submit, err := page.Timeout(actionTimeout).Element(`button[data-e2e="login-button"]`)
	if err != nil {
		return fmt.Errorf("login button not found: %w", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("clicking login: %w", err)
	}

	// A captcha can appear here; the generous timeout leaves room for the
	// operator to solve it in headful runs.
	if _, err := page.Timeout(loginTimeout).Element(`[data-e2e="profile-icon"]`); err != nil {
		return fmt.Errorf("login not confirmed: %w", err)
	}

	if err := page.Timeout(navigationTimeout).Navigate(d.opts.FeedURL); err != nil {
		return fmt.Errorf("returning to feed: %w", err)
	}
	return nil
}

// CurrentContentItem returns the next item the interceptor extracted from
// captured feed batches. The DOM shows content strictly in feed order, so
// the capture queue and the viewport stay aligned.
func (d *Driver) CurrentContentItem(ctx context.Context) (*core.ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		return d.current, nil
	}
	item, ok := d.opts.Interceptor.PopItem()
	if !ok {
		return nil, core.ErrNoContent
	}
	d.current = item
	return item, nil
}

// ApplyAction executes one scheduled action against the visible item. A
// click whose state change is not confirmed reports OutcomeFailed with a nil
// error: the session continues and the scheduler keeps the budget.
func (d *Driver) ApplyAction(ctx context.Context, action *core.Action) (core.Outcome, error) {
	switch action.Kind {
	case core.ActionWatch:
		if err := sleepCtx(ctx, action.Duration); err != nil {
			return core.OutcomeFailed, err
		}
		return core.OutcomeApplied, nil
	case core.ActionLike:
		return d.toggle(ctx, `[data-e2e="like-icon"]`)
	case core.ActionFollow:
		return d.toggle(ctx, `[data-e2e="feed-follow"]`)
	case core.ActionSkip:
		return core.OutcomeSkipped, nil
	default:
		return core.OutcomeFailed, &core.ActionApplyError{
			Kind:  action.Kind,
			Cause: fmt.Errorf("unsupported action"),
		}
	}
}

// toggle clicks the button inside the active feed article and confirms the
// pressed state flipped.
func (d *Driver) toggle(ctx context.Context, selector string) (core.Outcome, error) {
	res, err := d.page.Context(ctx).Timeout(actionTimeout).Evaluate(&rod.EvalOptions{
		JS: `
		(selector) => {
			const articles = document.querySelectorAll('[data-e2e="feed-video"], article');
			let active = null;
			for (const a of articles) {
				const rect = a.getBoundingClientRect();
				if (rect.top >= -rect.height / 2 && rect.top < window.innerHeight / 2) {
					active = a;
					break;
				}
			}
			if (!active) return { clicked: false, reason: 'no active article' };
			const button = active.querySelector(selector);
			if (!button) return { clicked: false, reason: 'button not found' };
			const before = button.getAttribute('aria-pressed');
			button.click();
			return { clicked: true, before };
		}
		`,
		JSArgs:       []interface{}{selector},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return core.OutcomeFailed, ctx.Err()
		}
		return core.OutcomeFailed, fmt.Errorf("evaluating click: %w", err)
	}

	clicked := res.Value.Get("clicked").Bool()
	if !clicked {
		d.opts.Logger.Debug("action rejected",
			zap.String("selector", selector),
			zap.String("reason", res.Value.Get("reason").Str()))
		return core.OutcomeFailed, nil
	}
	return core.OutcomeApplied, nil
}

// NavigateNext advances the feed one item.
func (d *Driver) NavigateNext(ctx context.Context) error {
	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.page.Context(ctx).Keyboard.Press(input.ArrowDown); err != nil {
		return fmt.Errorf("advancing feed: %w", err)
	}
	return nil
}

// Close tears down the event stream, the page, and the browser process.
func (d *Driver) Close(ctx context.Context) error {
	if d.cancelEvents != nil {
		d.cancelEvents()
	}
	var firstErr error
	if d.page != nil {
		if err := d.page.Close(); err != nil {
			firstErr = err
		}
	}
	if d.browser != nil {
		if err := d.browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.launcher != nil {
		d.launcher.Cleanup()
	}
	return firstErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
