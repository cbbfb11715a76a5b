package extract

import (
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// ErrContentNotFound means no locate rule matched a usable content region on
// the page. The caller skips the page and keeps crawling.
var ErrContentNotFound = errors.New("content region not found")

// locateRule is one predicate+extractor pair. Rules are tried in priority
// order and the first non-empty match wins; there is no scoring blend.
type locateRule struct {
	name  string
	apply func(doc *goquery.Document) *goquery.Selection
}

// ContentLocator isolates the bilingual content region of a page from its
// chrome (navbar, breadcrumbs, footer pagination).
type ContentLocator struct {
	logger *zap.Logger
	rules  []locateRule
}

func NewContentLocator(logger *zap.Logger) *ContentLocator {
	return &ContentLocator{
		logger: logger,
		rules: []locateRule{
			{name: "bilinguis-rows", apply: locateBilinguisRows},
			{name: "parallel-columns", apply: locateParallelColumns},
			{name: "text-density", apply: locateTextDensity},
		},
	}
}

// Locate returns the subtree(s) holding the bilingual content, or
// ErrContentNotFound. Pure function of the document.
func (l *ContentLocator) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	for _, r := range l.rules {
		if sel := r.apply(doc); sel != nil && sel.Length() > 0 {
			l.logger.Debug("content region located",
				zap.String("rule", r.name),
				zap.Int("nodes", sel.Length()))
			return sel, nil
		}
	}
	return nil, ErrContentNotFound
}

// locateBilinguisRows is the site-specific rule: collect div.row elements in
// document order, stopping at the third-from-last .text-center block (the
// footer pagination area on bilinguis pages) and dropping rows that belong to
// the navigation chrome.
func locateBilinguisRows(doc *goquery.Document) *goquery.Selection {
	rows := doc.Find("div.row")
	if rows.Length() == 0 {
		return nil
	}

	var marker *html.Node
	centers := doc.Find("div.text-center")
	if centers.Length() >= 3 {
		marker = centers.Get(centers.Length() - 3)
	}

	stopped := false
	kept := rows.FilterFunction(func(_ int, row *goquery.Selection) bool {
		if stopped {
			return false
		}
		node := row.Get(0)
		if marker != nil && (node == marker || nodeContains(node, marker)) {
			stopped = true
			return false
		}
		if row.Find(".breadcrumb").Length() > 0 || row.Find("nav.navbar").Length() > 0 {
			return false
		}
		return strings.TrimSpace(row.Text()) != "" || row.Find("img").Length() > 0
	})

	if kept.Length() == 0 {
		return nil
	}
	return kept
}

// locateParallelColumns is the structural fallback: the container whose direct
// children include the most two-column rows.
func locateParallelColumns(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestCount := 0
	doc.Find("body, main, article, section, div, td").Each(func(_ int, s *goquery.Selection) {
		count := 0
		s.Children().Each(func(_ int, ch *goquery.Selection) {
			if isPairRow(ch) {
				count++
			}
		})
		if count > bestCount {
			best = s
			bestCount = count
		}
	})
	if best == nil {
		return nil
	}
	return best
}

// locateTextDensity is the last resort: the densest text-bearing div on the
// page. It only fires on pages with a substantial amount of prose.
const minDensityTextLen = 200

func locateTextDensity(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestLen := minDensityTextLen
	doc.Find("body div").Each(func(_ int, s *goquery.Selection) {
		if s.Find(".breadcrumb, nav.navbar").Length() > 0 {
			return
		}
		// >= so that an equally dense child beats its wrapper.
		if n := len(strings.TrimSpace(s.Text())); n >= bestLen {
			best = s
			bestLen = n
		}
	})
	return best
}

func nodeContains(parent, target *html.Node) bool {
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c == target || nodeContains(c, target) {
			return true
		}
	}
	return false
}
