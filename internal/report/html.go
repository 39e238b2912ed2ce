package report

import (
	_ "embed"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/BigOD2307/africa-strategy-platform/internal/aggregate"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed style.css
var styleCSS string

var (
	reMethodology  = regexp.MustCompile(`<h2([^>]*)>\s*` + methodologyHeading + `\s*</h2>`)
	reStageHeading = regexp.MustCompile(`<h2([^>]*)>\s*(Bloc\s+[0-9]+\s*:[^<]*)\s*</h2>`)
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts the markdown report into a standalone printable page.
func RenderHTML(in Input, md string) (string, error) {
	var content strings.Builder
	if err := markdown.Convert([]byte(md), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	body := applyPrintLayoutHooks(content.String())

	return "<!doctype html><html lang='fr'><head><meta charset='utf-8'><title>Rapport stratégique</title>" +
		"<style>" + styleCSS + "</style></head><body>" +
		"<div class='report-wrap'><section class='report-viewer'><div class='report-header'>" +
		"<div class='report-meta'>" + metaHTML(in) + "</div>" +
		"<div class='report-badges'>" + badgeHTML(in.Aggregate) + "</div>" +
		"</div><div class='report-html'>" + body + "</div></section></div>" +
		"</body></html>", nil
}

// applyPrintLayoutHooks starts the methodology on a new page and marks stage
// headings for print styling.
func applyPrintLayoutHooks(contentHTML string) string {
	out := reMethodology.ReplaceAllString(contentHTML, `<h2$1 data-page-break-before="true">`+methodologyHeading+`</h2>`)
	return reStageHeading.ReplaceAllString(out, `<h2$1 data-stage-heading="true">$2</h2>`)
}

func metaHTML(in Input) string {
	var out strings.Builder
	if in.SessionID != "" {
		out.WriteString("<div><strong>Session :</strong> " + html.EscapeString(in.SessionID) + "</div>")
	}
	if !in.GeneratedAt.IsZero() {
		out.WriteString("<div><strong>Date :</strong> " + html.EscapeString(in.GeneratedAt.UTC().Format("02/01/2006 15:04 UTC")) + "</div>")
	}
	return out.String()
}

func badgeHTML(agg aggregate.Aggregate) string {
	var out strings.Builder
	if agg.RiskCategory != "" {
		out.WriteString("<span class='report-badge' data-level='" + string(agg.RiskCategory) + "'>Risque " +
			html.EscapeString(riskLabels[agg.RiskCategory]) + "</span>")
	}
	if agg.Maturity != "" {
		out.WriteString("<span class='report-badge'>Maturité : " + html.EscapeString(maturityLabels[agg.Maturity]) + "</span>")
	}
	if !agg.Complete {
		out.WriteString("<span class='report-badge'>Analyse partielle</span>")
	}
	return out.String()
}
