// Package browser owns the headless-browser session a worker drives. The
// Session interface is what the worker and the captcha resolver program
// against; Chrome is the chromedp implementation. Every input goes through
// the stealth layer so the page sees human motion and typing.
package browser

import (
	"context"

	"github.com/linkpellow/chimera/captcha"
	"github.com/linkpellow/chimera/guard"
	"github.com/linkpellow/chimera/stealth"
)

// Session is one browser page under automation.
type Session interface {
	// Navigate loads a URL and returns the main-document HTTP status.
	Navigate(ctx context.Context, url string) (int, error)
	// InspectSelector resolves a selector and returns its box and a human
	// description, or nil when it does not exist.
	InspectSelector(ctx context.Context, selector string) (*guard.Element, error)
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// ChallengePresent reports whether a CAPTCHA challenge is on the page
	// and returns its frame box when one is.
	ChallengePresent(ctx context.Context) (bool, *captcha.Rect, error)
	// ClickAt moves the cursor along a biological path to (x, y) and
	// clicks with a human press duration.
	ClickAt(ctx context.Context, x, y float64) error
	// TypeText fills a field with human keystroke pacing, optionally
	// pressing Enter afterwards.
	TypeText(ctx context.Context, selector, text string, pressEnter bool) error
	// Scroll moves the page by distance pixels in humanlike chunks.
	Scroll(ctx context.Context, distance float64) error
	// Evaluate runs JavaScript and decodes the result into out.
	Evaluate(ctx context.Context, js string, out any) error
	// ExtractText returns the trimmed text content of a selector, or ""
	// when absent.
	ExtractText(ctx context.Context, selector string) (string, error)
	// SetMotion updates the pacing profile for subsequent inputs.
	SetMotion(cfg stealth.MotionConfig)
	// Close releases the browser context. Safe to call more than once.
	Close() error
}
