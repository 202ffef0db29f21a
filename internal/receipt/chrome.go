package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeRenderer renders pages in headless Chrome. Every call starts its own
// browser process and tears it down when the call returns.
type ChromeRenderer struct {
	execPath string
	settle   time.Duration
}

// ChromeOption configures ChromeRenderer.
type ChromeOption func(*ChromeRenderer)

// WithExecPath sets the Chrome binary. Empty uses chromedp's lookup.
func WithExecPath(path string) ChromeOption {
	return func(r *ChromeRenderer) {
		r.execPath = path
	}
}

// WithSettleDelay waits after the body is ready so client-side rendering can finish.
func WithSettleDelay(d time.Duration) ChromeOption {
	return func(r *ChromeRenderer) {
		r.settle = d
	}
}

// NewChromeRenderer creates a ChromeRenderer.
func NewChromeRenderer(opts ...ChromeOption) *ChromeRenderer {
	r := &ChromeRenderer{settle: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render navigates to pageURL and returns the text of the document body.
// Non-2xx responses are errors.
func (r *ChromeRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("incognito", true),
	)
	if r.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(r.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	resp, err := chromedp.RunResponse(browserCtx, chromedp.Navigate(pageURL))
	if err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if resp != nil && (resp.Status < 200 || resp.Status > 299) {
		return "", fmt.Errorf("receipt page returned status %d", resp.Status)
	}

	var text string
	err = chromedp.Run(browserCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.settle),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("read page text: %w", err)
	}
	return text, nil
}
