package integrations

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// defaultCSS carries the table layout the whole conversion depends on: fixed
// 50/50 columns, top-aligned cells, a divider between the languages.
const defaultCSS = `html, body, p, div, span, h1, h2, h3, h4, h5, h6, li, a, strong, em, blockquote, pre {
    font-family: Arial, Helvetica, sans-serif;
    line-height: 1.6;
    word-wrap: break-word;
}

p { margin: 0 0 1em 0; }

h1, h2, h3, h4, h5, h6 {
    margin: 1em 0 0.5em 0;
    line-height: 1.2;
}

img {
    max-width: 100%;
    height: auto;
    display: block;
    margin: 0 auto;
    padding: 5px 0;
}

.bilingual-table {
    width: 100%;
    border-collapse: collapse;
    border-spacing: 0;
    margin: 1em 0;
    table-layout: fixed;
}

.bilingual-table td {
    width: 50%;
    padding: 0.5em;
    vertical-align: top;
    overflow-wrap: break-word;
    word-break: break-word;
    box-sizing: border-box;
    text-align: left;
    border-right: 1px solid #ccc;
}

.bilingual-table td:last-child { border-right: none; }

.missing-resource {
    color: #999;
    font-style: italic;
}

.text-center { text-align: center; }
`

var cssURLRe = regexp.MustCompile(`(?i)(url\(\s*['"]?)([^'")]+)(['"]?\s*\))`)
var cssImageExtRe = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|svg|webp)(\?.*)?$`)
var cssFontExtRe = regexp.MustCompile(`(?i)\.(ttf|otf|woff2?|eot)(\?.*)?$`)

// HarvestStylesheet builds the book stylesheet from the built-in table CSS
// plus the first page's own styles, with url() references to images and
// fonts downloaded and rewritten to embedded resources. Called once, for the
// first fetched page; later calls are no-ops.
func (b *EPubBuilder) HarvestStylesheet(ctx context.Context, doc *goquery.Document, pageURL string) error {
	if b.cssPath != "" {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return b.addStylesheet(defaultCSS)
	}

	var css strings.Builder
	css.WriteString(defaultCSS)

	doc.Find("style").Each(func(_ int, style *goquery.Selection) {
		css.WriteString("\n")
		css.WriteString(b.rewriteCSSURLs(ctx, style.Text(), base))
	})

	doc.Find(`link[rel="stylesheet"]`).Each(func(_ int, link *goquery.Selection) {
		href := resolveResourceURL(base, link.AttrOr("href", ""))
		if href == "" {
			return
		}
		body, err := b.fetcher.Fetch(ctx, href)
		if err != nil {
			b.logger.Warn("could not fetch stylesheet", zap.String("url", href), zap.Error(err))
			return
		}
		cssBase, err := url.Parse(href)
		if err != nil {
			cssBase = base
		}
		css.WriteString("\n")
		css.WriteString(b.rewriteCSSURLs(ctx, string(body), cssBase))
	})

	return b.addStylesheet(css.String())
}

// rewriteCSSURLs rewrites url() references: images and fonts are interned
// and pointed at their embedded paths; anything else (and any failed
// download) keeps its original reference.
func (b *EPubBuilder) rewriteCSSURLs(ctx context.Context, css string, base *url.URL) string {
	return cssURLRe.ReplaceAllStringFunc(css, func(match string) string {
		parts := cssURLRe.FindStringSubmatch(match)
		ref := strings.TrimSpace(parts[2])

		var isFont bool
		switch {
		case cssImageExtRe.MatchString(ref):
		case cssFontExtRe.MatchString(ref):
			isFont = true
		default:
			return match
		}

		abs := resolveResourceURL(base, ref)
		if abs == "" {
			return match
		}
		res, err := b.cache.Intern(ctx, abs)
		if err != nil {
			b.logger.Warn("could not download CSS resource", zap.String("url", abs), zap.Error(err))
			b.missing = append(b.missing, abs)
			return match
		}

		var internal string
		if isFont {
			internal, err = b.internFont(res)
		} else {
			internal, err = b.internImage(res)
		}
		if err != nil {
			b.logger.Warn("could not embed CSS resource", zap.String("url", abs), zap.Error(err))
			return match
		}
		return parts[1] + internal + parts[3]
	})
}
