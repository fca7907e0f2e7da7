package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// BrowserRenderer loads pages in a shared headless Chrome so that pages built
// by scripts can still be read. The browser starts on first use.
type BrowserRenderer struct {
	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	Timeout       time.Duration
}

func NewBrowserRenderer() *BrowserRenderer {
	return &BrowserRenderer{Timeout: 45 * time.Second}
}

func (b *BrowserRenderer) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *BrowserRenderer) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts the browser down.
func (b *BrowserRenderer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

// Render navigates a fresh tab to pageURL and returns the document HTML.
func (b *BrowserRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	if err := b.initBrowser(); err != nil {
		return "", fmt.Errorf("failed to initialize browser: %v", err)
	}

	b.mu.Lock()
	parent := b.browserCtx
	b.mu.Unlock()

	tabCtx, closeTab := chromedp.NewContext(parent)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, b.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", fmt.Errorf("browser render failed: %w", err)
	}
	return html, nil
}
