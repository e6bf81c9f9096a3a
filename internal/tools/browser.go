package tools

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/undoablehq/undoable/internal/browser"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// BrowserTool drives the shared headless browser: navigate, screenshot,
// evaluate JavaScript, extract text.
type BrowserTool struct {
	svc      browser.Service
	shotsDir string
}

// NewBrowserTool wires the browser service; screenshots are written under
// shotsDir.
func NewBrowserTool(svc browser.Service, shotsDir string) *BrowserTool {
	return &BrowserTool{svc: svc, shotsDir: shotsDir}
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Control a headless browser: navigate to a URL, take a screenshot, run JavaScript, or extract page text"
}
func (t *BrowserTool) Category() string { return protocol.CategoryNetwork }
func (t *BrowserTool) Undoable() bool   { return false }
func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"navigate", "screenshot", "eval", "text", "close"},
				"description": "Browser operation to perform",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open (navigate)",
			},
			"js": map[string]interface{}{
				"type":        "string",
				"description": "JavaScript function expression to run, e.g. () => document.title (eval)",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full scroll height instead of the viewport (screenshot)",
			},
		},
		"required": []string{"action"},
	}
}

type browserArgs struct {
	Action   string `json:"action"`
	URL      string `json:"url"`
	JS       string `json:"js"`
	FullPage bool   `json:"full_page"`
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var a browserArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}

	switch a.Action {
	case "navigate":
		if a.URL == "" {
			return ErrorResult("url is required")
		}
		parsed, err := url.Parse(a.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return ErrorResult("only http and https URLs are supported")
		}
		if err := checkSSRF(a.URL); err != nil {
			return ErrorResult(err.Error())
		}
		title, err := t.svc.Navigate(ctx, a.URL)
		if err != nil {
			return ErrorResult(fmt.Sprintf("navigate failed: %v", err)).WithError(err)
		}
		return NewResult(fmt.Sprintf("Loaded %s (title: %s)", a.URL, title))

	case "screenshot":
		data, err := t.svc.Screenshot(ctx, a.FullPage)
		if err != nil {
			return ErrorResult(fmt.Sprintf("screenshot failed: %v", err)).WithError(err)
		}
		if err := os.MkdirAll(t.shotsDir, 0o755); err != nil {
			return ErrorResult(fmt.Sprintf("screenshot failed: %v", err)).WithError(err)
		}
		name := fmt.Sprintf("shot-%s-%s.png", time.Now().Format("20060102-150405"), uuid.NewString()[:8])
		path := filepath.Join(t.shotsDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ErrorResult(fmt.Sprintf("screenshot failed: %v", err)).WithError(err)
		}
		return NewResult(fmt.Sprintf("MEDIA: %s", path))

	case "eval":
		if a.JS == "" {
			return ErrorResult("js is required")
		}
		out, err := t.svc.Eval(ctx, a.JS)
		if err != nil {
			return ErrorResult(fmt.Sprintf("eval failed: %v", err)).WithError(err)
		}
		return SilentResult(truncateStr(out, 50_000))

	case "text":
		out, err := t.svc.Eval(ctx, "() => document.body ? document.body.innerText : ''")
		if err != nil {
			return ErrorResult(fmt.Sprintf("text extraction failed: %v", err)).WithError(err)
		}
		return SilentResult(wrapExternalContent(truncateStr(out, 50_000), "browser", true))

	case "close":
		if err := t.svc.Close(ctx); err != nil {
			return ErrorResult(fmt.Sprintf("close failed: %v", err)).WithError(err)
		}
		return SilentResult("Browser closed")

	default:
		return ErrorResult(fmt.Sprintf("unknown action %q", a.Action))
	}
}
