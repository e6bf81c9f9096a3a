// Package browser drives a headless Chromium via rod for the browser tool.
// The browser process launches lazily on first use and is shared by all
// operations until Close.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Service is the contract the browser tool programs against.
type Service interface {
	// Navigate loads the URL and waits for the load event. Returns the
	// page title.
	Navigate(ctx context.Context, url string) (string, error)

	// Screenshot captures the current page as PNG.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// Eval runs a JavaScript function expression, e.g. "() => document.title",
	// on the current page and returns the JSON-encoded result.
	Eval(ctx context.Context, js string) (string, error)

	// Close shuts the browser down. The next operation relaunches it.
	Close(ctx context.Context) error
}

// Rod is the rod-backed Service.
type Rod struct {
	headless bool

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

func NewRod(headless bool) *Rod {
	return &Rod{headless: headless}
}

// ensurePage launches the browser on first use. Callers hold r.mu.
func (r *Rod) ensurePage() (*rod.Page, error) {
	if r.page != nil {
		return r.page, nil
	}

	l := launcher.New().Headless(r.headless).Leakless(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		b.Close()
		l.Cleanup()
		return nil, fmt.Errorf("open page: %w", err)
	}

	slog.Info("browser launched", "headless", r.headless)
	r.launcher, r.browser, r.page = l, b, page
	return page, nil
}

func (r *Rod) Navigate(ctx context.Context, url string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page, err := r.ensurePage()
	if err != nil {
		return "", err
	}
	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load %s: %w", url, err)
	}
	info, err := p.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.Title, nil
}

func (r *Rod) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page, err := r.ensurePage()
	if err != nil {
		return nil, err
	}
	data, err := page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return data, nil
}

func (r *Rod) Eval(ctx context.Context, js string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page, err := r.ensurePage()
	if err != nil {
		return "", err
	}
	obj, err := page.Context(ctx).Eval(js)
	if err != nil {
		return "", fmt.Errorf("eval: %w", err)
	}
	return obj.Value.String(), nil
}

func (r *Rod) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	if r.launcher != nil {
		r.launcher.Cleanup()
	}
	r.launcher, r.browser, r.page = nil, nil, nil
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	slog.Info("browser closed")
	return nil
}
