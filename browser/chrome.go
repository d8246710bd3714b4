package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/linkpellow/chimera/captcha"
	"github.com/linkpellow/chimera/cookies"
	"github.com/linkpellow/chimera/guard"
	"github.com/linkpellow/chimera/stealth"
	"github.com/linkpellow/chimera/telemetry"
)

type (
	// Chrome is the chromedp-backed Session.
	Chrome struct {
		ctx         context.Context
		cancel      context.CancelFunc
		cancelAlloc context.CancelFunc
		logger      telemetry.Logger

		mu     sync.Mutex
		motion stealth.MotionConfig
		typing stealth.TypingConfig
		cursor stealth.Point
		status int
	}

	// Options configures a Chrome session.
	Options struct {
		// ProxyURL routes all traffic when set.
		ProxyURL string
		// UserAgent overrides the browser UA. Required for fingerprint
		// consistency with the init script.
		UserAgent string
		// InitScript is injected before any site code on every new
		// document.
		InitScript string
		// ViewportWidth and ViewportHeight size the page. Default
		// 1920x1080.
		ViewportWidth  int
		ViewportHeight int
		// Headless defaults to true; set ShowBrowser to watch a session.
		ShowBrowser bool
		// Cookies are installed before the first navigation, typically a
		// shared authenticated jar.
		Cookies []cookies.Cookie
		// Typing tunes keystroke pacing.
		Typing stealth.TypingConfig
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// challengeProbe finds common CAPTCHA challenge frames and widgets.
const challengeProbe = `(() => {
	const sels = [
		'iframe[src*="recaptcha"][src*="bframe"]',
		'iframe[src*="hcaptcha"][src*="challenge"]',
		'iframe[title*="challenge"]',
		'div.g-recaptcha', '#captcha', '.captcha-container',
	];
	for (const s of sels) {
		const el = document.querySelector(s);
		if (!el) continue;
		const r = el.getBoundingClientRect();
		if (r.width > 0 && r.height > 0)
			return {x: r.x, y: r.y, width: r.width, height: r.height};
	}
	return null;
})()`

// NewChrome launches a browser and opens one page. The caller must Close.
func NewChrome(ctx context.Context, opts Options) (*Chrome, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	width := opts.ViewportWidth
	if width <= 0 {
		width = 1920
	}
	height := opts.ViewportHeight
	if height <= 0 {
		height = 1080
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, arg := range stealth.LaunchArgs() {
		name, value := splitArg(arg)
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", !opts.ShowBrowser),
		chromedp.WindowSize(width, height),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyURL))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	c := &Chrome{
		ctx:         browserCtx,
		cancel:      cancel,
		cancelAlloc: cancelAlloc,
		logger:      logger,
		typing:      opts.Typing,
		motion:      stealth.MotionConfig{},
	}

	chromedp.ListenTarget(browserCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			c.mu.Lock()
			c.status = int(resp.Response.Status)
			c.mu.Unlock()
		}
	})

	actions := []chromedp.Action{network.Enable()}
	for _, ck := range opts.Cookies {
		set := network.SetCookie(ck.Name, ck.Value).
			WithDomain(ck.Domain).
			WithPath(ck.Path).
			WithHTTPOnly(ck.HTTPOnly).
			WithSecure(ck.Secure)
		actions = append(actions, set)
	}
	if opts.InitScript != "" {
		script := opts.InitScript
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		cancel()
		cancelAlloc()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return c, nil
}

// SetMotion updates the pacing profile for subsequent inputs.
func (c *Chrome) SetMotion(cfg stealth.MotionConfig) {
	c.mu.Lock()
	c.motion = cfg
	c.mu.Unlock()
}

// Navigate loads a URL and returns the main-document HTTP status.
func (c *Chrome) Navigate(ctx context.Context, url string) (int, error) {
	err := chromedp.Run(c.run(ctx),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return 0, fmt.Errorf("navigate %s: %w", url, err)
	}
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	return status, nil
}

// InspectSelector resolves a selector's box and description in the DOM.
func (c *Chrome) InspectSelector(ctx context.Context, selector string) (*guard.Element, error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return null;
		const r = el.getBoundingClientRect();
		const visible = r.width > 0 && r.height > 0 && getComputedStyle(el).display !== 'none';
		const desc = (el.innerText || el.getAttribute('aria-label') ||
			el.getAttribute('placeholder') || el.tagName).trim().slice(0, 80);
		return {x: r.x, y: r.y, width: r.width, height: r.height, visible: visible, description: desc};
	})()`, strconv.Quote(selector))

	var raw json.RawMessage
	if err := c.Evaluate(ctx, js, &raw); err != nil {
		return nil, fmt.Errorf("inspect %q: %w", selector, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var dom struct {
		X           float64 `json:"x"`
		Y           float64 `json:"y"`
		Width       float64 `json:"width"`
		Height      float64 `json:"height"`
		Visible     bool    `json:"visible"`
		Description string  `json:"description"`
	}
	if err := json.Unmarshal(raw, &dom); err != nil {
		return nil, fmt.Errorf("decode element %q: %w", selector, err)
	}
	el := &guard.Element{Description: dom.Description}
	if dom.Visible {
		el.Box = &guard.Rect{X: dom.X, Y: dom.Y, Width: dom.Width, Height: dom.Height}
	}
	return el, nil
}

// Screenshot captures the viewport as PNG.
func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(c.run(ctx), chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// ChallengePresent probes for a visible CAPTCHA challenge.
func (c *Chrome) ChallengePresent(ctx context.Context) (bool, *captcha.Rect, error) {
	var raw json.RawMessage
	if err := c.Evaluate(ctx, challengeProbe, &raw); err != nil {
		return false, nil, fmt.Errorf("probe challenge: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil, nil
	}
	var box captcha.Rect
	if err := json.Unmarshal(raw, &box); err != nil {
		return false, nil, fmt.Errorf("decode challenge box: %w", err)
	}
	return true, &box, nil
}

// ClickAt moves along a biological path to (x, y), presses and releases with
// a human delay.
func (c *Chrome) ClickAt(ctx context.Context, x, y float64) error {
	c.mu.Lock()
	from := c.cursor
	motion := c.motion
	c.mu.Unlock()

	path := stealth.MousePath(from, stealth.Point{X: x, Y: y}, motion)
	for _, step := range path {
		if err := chromedp.Run(c.run(ctx), chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, step.X, step.Y).Do(ctx)
		})); err != nil {
			return fmt.Errorf("move mouse: %w", err)
		}
		if err := sleep(ctx, step.Delay); err != nil {
			return err
		}
	}

	press := func(t input.MouseType) chromedp.ActionFunc {
		return func(ctx context.Context) error {
			return input.DispatchMouseEvent(t, x, y).
				WithButton(input.Left).
				WithClickCount(1).
				Do(ctx)
		}
	}
	if err := chromedp.Run(c.run(ctx), press(input.MousePressed)); err != nil {
		return fmt.Errorf("press: %w", err)
	}
	if err := sleep(ctx, stealth.ClickDelay(motion.Rand)); err != nil {
		return err
	}
	if err := chromedp.Run(c.run(ctx), press(input.MouseReleased)); err != nil {
		return fmt.Errorf("release: %w", err)
	}

	c.mu.Lock()
	c.cursor = stealth.Point{X: x, Y: y}
	c.mu.Unlock()
	return nil
}

// TypeText focuses a field and types with human pacing. Typos are typed and
// corrected like a person would.
func (c *Chrome) TypeText(ctx context.Context, selector, text string, pressEnter bool) error {
	if err := chromedp.Run(c.run(ctx),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("focus %q: %w", selector, err)
	}

	c.mu.Lock()
	typing := c.typing
	c.mu.Unlock()
	for _, ev := range stealth.TypeSequence(text, typing) {
		if err := sleep(ctx, ev.Delay); err != nil {
			return err
		}
		key := string(ev.Rune)
		if ev.Rune == 0 {
			key = kb.Backspace
		}
		if err := chromedp.Run(c.run(ctx), chromedp.KeyEvent(key)); err != nil {
			return fmt.Errorf("type into %q: %w", selector, err)
		}
	}
	if pressEnter {
		if err := chromedp.Run(c.run(ctx), chromedp.KeyEvent(kb.Enter)); err != nil {
			return fmt.Errorf("press enter: %w", err)
		}
	}
	return nil
}

// Scroll moves the page by distance pixels in 50-150 px chunks with
// occasional reading pauses.
func (c *Chrome) Scroll(ctx context.Context, distance float64) error {
	c.mu.Lock()
	cursor := c.cursor
	motion := c.motion
	c.mu.Unlock()

	for _, chunk := range stealth.ScrollSequence(distance, motion.Rand) {
		delta := chunk.DeltaY
		if err := chromedp.Run(c.run(ctx), chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseWheel, cursor.X, cursor.Y).
				WithDeltaX(0).
				WithDeltaY(delta).
				Do(ctx)
		})); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		if err := sleep(ctx, chunk.Delay); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs JavaScript on the page.
func (c *Chrome) Evaluate(ctx context.Context, js string, out any) error {
	if err := chromedp.Run(c.run(ctx), chromedp.Evaluate(js, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// ExtractText returns the trimmed text content of a selector.
func (c *Chrome) ExtractText(ctx context.Context, selector string) (string, error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? el.textContent.trim() : "";
	})()`, strconv.Quote(selector))
	var text string
	if err := c.Evaluate(ctx, js, &text); err != nil {
		return "", err
	}
	return text, nil
}

// Close tears the browser down.
func (c *Chrome) Close() error {
	c.cancel()
	c.cancelAlloc()
	return nil
}

// run scopes a chromedp call to both the browser context and the caller's
// deadline.
func (c *Chrome) run(ctx context.Context) context.Context {
	merged, cancel := context.WithCancel(c.ctx)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// splitArg converts a "--name=value" launch flag into chromedp's Flag form.
func splitArg(arg string) (string, any) {
	arg = strings.TrimPrefix(arg, "--")
	if name, value, found := strings.Cut(arg, "="); found {
		return name, value
	}
	return arg, true
}
