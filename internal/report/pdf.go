package report

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// PDFOptions tunes the Chromium print. Zero values fall back to A4 with the
// default margins and a 30s budget.
type PDFOptions struct {
	ChromePath string
	Timeout    time.Duration
	// Title is printed in the page footer next to the page counter.
	Title string
}

// ChromiumPDFRenderer prints report pages through a headless Chromium.
type ChromiumPDFRenderer struct {
	chromePath string
	timeout    time.Duration
	title      string
}

func NewChromiumPDFRenderer(opts PDFOptions) *ChromiumPDFRenderer {
	r := &ChromiumPDFRenderer{chromePath: opts.ChromePath, timeout: opts.Timeout, title: opts.Title}
	if r.chromePath == "" {
		r.chromePath = detectChromePath()
	}
	if r.timeout <= 0 {
		r.timeout = 30 * time.Second
	}
	if r.title == "" {
		r.title = "Rapport stratégique"
	}
	return r
}

// A4 in inches, margins in inches.
const (
	a4Width      = 8.27
	a4Height     = 11.69
	marginTop    = 0.5
	marginBottom = 0.75
	marginSide   = 0.45
)

func (r *ChromiumPDFRenderer) printParams() *page.PrintToPDFParams {
	return page.PrintToPDF().
		WithPrintBackground(true).
		WithPreferCSSPageSize(false).
		WithDisplayHeaderFooter(true).
		WithHeaderTemplate(`<div></div>`).
		WithFooterTemplate(footerTemplate(r.title)).
		WithPaperWidth(a4Width).
		WithPaperHeight(a4Height).
		WithMarginTop(marginTop).
		WithMarginBottom(marginBottom).
		WithMarginLeft(marginSide).
		WithMarginRight(marginSide)
}

func footerTemplate(title string) string {
	return `<div style="width:100%;display:flex;justify-content:space-between;font-size:8px;color:#555;padding:0 0.45in;">` +
		`<span>` + html.EscapeString(title) + `</span>` +
		`<span>Page <span class="pageNumber"></span> sur <span class="totalPages"></span></span></div>`
}

// Render loads htmlDoc into a blank tab and prints it.
func (r *ChromiumPDFRenderer) Render(ctx context.Context, htmlDoc string) ([]byte, error) {
	if htmlDoc == "" {
		return nil, errors.New("pdf: empty document")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.chromePath != "" {
		flags = append(flags, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, flags...)
	defer allocCancel()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	var pdf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, htmlDoc).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			out, _, err := r.printParams().Do(ctx)
			pdf = out
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pdf: chromium print: %w", err)
	}
	return pdf, nil
}

func detectChromePath() string {
	for _, p := range []string{
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/usr/bin/google-chrome",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
