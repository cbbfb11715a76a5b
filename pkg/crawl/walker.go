package crawl

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/willnjohnson/bilinguis-epub/pkg/fetch"
)

// Page is one fetched and parsed page together with the pre-extracted
// "next" link, so a later content failure never loses the crawl position.
type Page struct {
	URL      string
	Document *goquery.Document
	NextURL  string
}

// Walker produces a lazy, finite sequence of pages by following the site's
// pagination links from a seed URL. It is not restartable across runs.
//
//	w := crawl.NewWalker(fetcher, seed, maxPages, logger)
//	for w.Next(ctx) {
//	    page := w.Page()
//	    ...
//	}
//	if err := w.Err(); err != nil { /* crawl aborted mid-way */ }
type Walker struct {
	fetcher  fetch.Fetcher
	logger   *zap.Logger
	maxPages int // 0 means unbounded
	rules    []nextRule

	nextURL string
	visited map[string]bool
	page    *Page
	count   int
	err     error
	failed  string
	done    bool
}

// nextRule is one predicate+extractor for the "next page" link, tried in
// priority order.
type nextRule struct {
	name  string
	apply func(doc *goquery.Document, current *url.URL) string
}

func NewWalker(fetcher fetch.Fetcher, seedURL string, maxPages int, logger *zap.Logger) *Walker {
	return &Walker{
		fetcher:  fetcher,
		logger:   logger,
		maxPages: maxPages,
		nextURL:  seedURL,
		visited:  make(map[string]bool),
		rules: []nextRule{
			{name: "pagination-marker", apply: nextByMarker},
			{name: "chapter-increment", apply: nextByIncrement},
		},
	}
}

// Next advances to the next page. It returns false when the sequence ends:
// no further link, the page ceiling reached (clean termination, not an
// error), a repeated URL, or a fetch failure (reported by Err).
func (w *Walker) Next(ctx context.Context) bool {
	if w.done {
		return false
	}
	if w.maxPages > 0 && w.count >= w.maxPages {
		w.logger.Debug("page ceiling reached", zap.Int("pages", w.count))
		w.done = true
		return false
	}
	if w.nextURL == "" || w.visited[w.nextURL] {
		w.done = true
		return false
	}
	w.visited[w.nextURL] = true

	body, err := w.fetcher.Fetch(ctx, w.nextURL)
	if err != nil {
		w.err = err
		w.failed = w.nextURL
		w.done = true
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		w.err = err
		w.failed = w.nextURL
		w.done = true
		return false
	}

	page := &Page{URL: w.nextURL, Document: doc}
	page.NextURL = w.findNext(doc, w.nextURL)
	w.page = page
	w.nextURL = page.NextURL
	w.count++
	return true
}

// Page returns the page produced by the last successful Next call.
func (w *Walker) Page() *Page { return w.page }

// Err reports a fetch or parse failure that aborted the crawl. Chapters
// gathered before the failure remain valid.
func (w *Walker) Err() error { return w.err }

// FailedURL is the page that could not be fetched when Err is non-nil.
func (w *Walker) FailedURL() string { return w.failed }

// PagesVisited is the number of pages successfully produced so far.
func (w *Walker) PagesVisited() int { return w.count }

func (w *Walker) findNext(doc *goquery.Document, currentURL string) string {
	current, err := url.Parse(currentURL)
	if err != nil {
		return ""
	}
	for _, r := range w.rules {
		if next := r.apply(doc, current); next != "" {
			w.logger.Debug("next page link found",
				zap.String("rule", r.name),
				zap.String("url", next))
			return next
		}
	}
	return ""
}

var nextTextRe = regexp.MustCompile(`(?i)next|suivante?`)
var prevTextRe = regexp.MustCompile(`(?i)previous|précédente?`)

// nextByMarker looks for the pagination chrome link: a "»" or "next" label,
// or rel=next, anchored inside the page's pagination containers.
func nextByMarker(doc *goquery.Document, current *url.URL) string {
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		text := strings.TrimSpace(link.Text())
		rel := link.AttrOr("rel", "")
		marker := (strings.Contains(text, "»") && !strings.Contains(text, "«")) ||
			nextTextRe.MatchString(text) ||
			strings.Contains(rel, "next")
		if !marker {
			return true
		}

		next := resolveLink(current, link.AttrOr("href", ""))
		if next == nil || next.Host != current.Host {
			return true
		}
		if next.Path == current.Path && next.RawQuery == current.RawQuery {
			// same-page anchor or self link
			return true
		}

		inChrome := link.ParentsFiltered("div.text-center").Length() > 0 ||
			link.ParentsFiltered("div.prev-next-links").Length() > 0
		clearText := nextTextRe.MatchString(text) && !prevTextRe.MatchString(text)
		clearRel := strings.Contains(rel, "next")
		if inChrome || clearText || clearRel {
			found = next.String()
			return false
		}
		return true
	})
	return found
}

var chapterPathRe = regexp.MustCompile(`/(?:c|chapter|chapitre|part|partie)-?(\d+)`)

// nextByIncrement falls back to URL-shape inference: a sibling link whose
// chapter number is exactly one higher than the current page's.
func nextByIncrement(doc *goquery.Document, current *url.URL) string {
	m := chapterPathRe.FindStringSubmatch(strings.ToLower(current.Path))
	if m == nil {
		return ""
	}
	currentNum, _ := strconv.Atoi(m[1])
	prefix := strings.SplitN(strings.ToLower(current.Path), m[0], 2)[0]

	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		next := resolveLink(current, link.AttrOr("href", ""))
		if next == nil || next.Host != current.Host {
			return true
		}
		path := strings.ToLower(next.Path)
		cm := chapterPathRe.FindStringSubmatch(path)
		if cm == nil {
			return true
		}
		num, _ := strconv.Atoi(cm[1])
		if num == currentNum+1 && strings.SplitN(path, cm[0], 2)[0] == prefix {
			found = next.String()
			return false
		}
		return true
	})
	return found
}

func resolveLink(current *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "data:") || strings.HasPrefix(href, "#") {
		return nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	return current.ResolveReference(ref)
}
