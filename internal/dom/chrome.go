package dom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/awi-cli/internal/config"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	interactionTimeout       = 30 * time.Second
)

// Chrome runs actions in one headless Chrome tab.
type Chrome struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewChrome starts a browser. The browser lives until Close.
func NewChrome(cfg config.BrowserConfig, logger *zap.Logger) (*Chrome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// The first Run launches the browser process.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return &Chrome{
		cfg:         cfg,
		logger:      logger.Named("dom"),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}, nil
}

// Do runs a and returns the resulting page.
func (c *Chrome) Do(ctx context.Context, a Action) (Page, error) {
	if err := a.Validate(); err != nil {
		return Page{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tabCtx == nil {
		return Page{}, ErrClosed
	}

	timeout := interactionTimeout
	if a.Kind == Navigate {
		timeout = c.cfg.NavigationTimeout
		if timeout <= 0 {
			timeout = defaultNavigationTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(c.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	c.logger.Debug("Running dom action", zap.String("kind", string(a.Kind)), zap.String("selector", a.Selector), zap.String("url", a.URL))

	var page Page
	tasks := append(actionTasks(a), snapshot(&page)...)
	if err := chromedp.Run(runCtx, tasks...); err != nil {
		if ctx.Err() != nil {
			return Page{}, fmt.Errorf("%s canceled: %w", a.Kind, ctx.Err())
		}
		return Page{}, fmt.Errorf("%s failed: %w", a.Kind, err)
	}
	return page, nil
}

// actionTasks translates a into chromedp actions.
func actionTasks(a Action) chromedp.Tasks {
	switch a.Kind {
	case Navigate:
		return chromedp.Tasks{
			chromedp.Navigate(a.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}
	case Click:
		return chromedp.Tasks{
			chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery),
			chromedp.WaitVisible(a.Selector, chromedp.ByQuery),
			chromedp.Click(a.Selector, chromedp.ByQuery),
		}
	case Type:
		return chromedp.Tasks{
			chromedp.WaitVisible(a.Selector, chromedp.ByQuery),
			chromedp.SendKeys(a.Selector, a.Text, chromedp.ByQuery),
		}
	case Submit:
		return chromedp.Tasks{
			chromedp.Submit(a.Selector, chromedp.ByQuery),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}
	}
	return chromedp.Tasks{}
}

func snapshot(p *Page) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.Location(&p.URL),
		chromedp.Title(&p.Title),
		chromedp.Text("body", &p.Text, chromedp.ByQuery),
	}
}

// Close shuts the browser down.
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tabCancel != nil {
		c.tabCancel()
		c.allocCancel()
		c.tabCtx, c.tabCancel, c.allocCancel = nil, nil, nil
	}
	return nil
}
