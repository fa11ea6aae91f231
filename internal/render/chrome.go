package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"paperhub/internal/errs"
)

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { font-family: Georgia, serif; margin: 0; }
  pre { white-space: pre-wrap; word-wrap: break-word; font-family: inherit; font-size: 11pt; line-height: 1.5; }
</style>
</head>
<body><pre>{{.Text}}</pre></body>
</html>
`))

// RenderHTML wraps plain document text in a printable page.
func RenderHTML(title, text string) (string, error) {
	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, struct {
		Title string
		Text  string
	}{Title: title, Text: text})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// percentEncodeForDataURL encodes a string for use in a data URL.
// Spaces must be %20, not +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				fmt.Fprintf(&result, "%%%02X", b)
			}
		}
	}
	return result.String()
}

// ChromeConverter prints the document text to PDF with headless Chrome.
type ChromeConverter struct {
	Timeout time.Duration
}

func (c ChromeConverter) Convert(ctx context.Context, in, out string) error {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return &errs.ToolchainError{Tool: "chromium", Diagnostic: "not installed", Err: fallbackErr}
		}
	}

	text, err := os.ReadFile(in)
	if err != nil {
		return errs.Wrap(errs.ErrFilesystem, err, "read %s", in)
	}
	html, err := RenderHTML(filepath.Base(in), string(text))
	if err != nil {
		return &errs.ToolchainError{Tool: "chromium", Diagnostic: "render html", Err: err}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(html)

	var pdfData []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5).
				WithPaperHeight(11.0).
				WithMarginTop(0.75).
				WithMarginBottom(0.75).
				WithMarginLeft(0.75).
				WithMarginRight(0.75).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return &errs.ToolchainError{Tool: "chromium", Diagnostic: err.Error(), Err: err}
	}

	if err := os.WriteFile(out, pdfData, 0o644); err != nil {
		return errs.Wrap(errs.ErrFilesystem, err, "write %s", out)
	}
	return nil
}
