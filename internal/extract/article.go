package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
)

const articleRenderTimeout = 45 * time.Second

// readableTextJS prefers the page's article/main landmark and falls back
// to the whole body, with navigation chrome removed first.
const readableTextJS = `(() => {
	for (const sel of ['nav', 'header', 'footer', 'aside', 'script', 'style', 'noscript']) {
		document.querySelectorAll(sel).forEach(el => el.remove());
	}
	const root = document.querySelector('article')
		|| document.querySelector('main')
		|| document.querySelector('[role="main"]')
		|| document.body;
	return root ? root.innerText : '';
})()`

// ChromeFetcher renders a page in headless Chrome and pulls its readable
// article text out of the DOM. Rendering handles the script-heavy pages a
// plain GET cannot read.
type ChromeFetcher struct {
	logger *slog.Logger
}

func NewChromeFetcher(logger *slog.Logger) *ChromeFetcher {
	return &ChromeFetcher{logger: logger}
}

// Fetch navigates to the URL and evaluates the reader script. Each call
// gets its own browser context so concurrent fetches stay independent.
func (f *ChromeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, articleRenderTimeout)
	defer timeoutCancel()

	var text string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(readableTextJS, &text),
	)
	if err != nil {
		return "", fmt.Errorf("render page %s: %w", url, err)
	}

	f.logger.Debug("article fetched", "url", url, "chars", len(text))
	return text, nil
}
