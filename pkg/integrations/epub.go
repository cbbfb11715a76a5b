package integrations

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-epub"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/willnjohnson/bilinguis-epub/pkg/data"
	"github.com/willnjohnson/bilinguis-epub/pkg/fetch"
	"github.com/willnjohnson/bilinguis-epub/pkg/resources"
)

const missingResourcePlaceholder = `<span class="missing-resource">[image unavailable]</span>`

// maxResourceFetches bounds concurrent resource downloads within one page.
const maxResourceFetches = 4

// EPubBuilder renders each chapter as a two-column table document and
// assembles the final EPUB: manifest, spine in chapter order, one TOC entry
// per chapter, embedded images, fonts and stylesheet.
type EPubBuilder struct {
	epub    *epub.Epub
	fetcher fetch.Fetcher
	cache   *resources.Cache
	logger  *zap.Logger

	cssPath      string            // internal stylesheet path, set once
	images       map[string]string // resource filename -> internal image path
	fonts        map[string]string // resource filename -> internal font path
	chapterFiles map[string]string // normalized page path -> chapter xhtml filename
	missing      []string
}

func NewEPubBuilder(title, author string, fetcher fetch.Fetcher, cache *resources.Cache, logger *zap.Logger) (*EPubBuilder, error) {
	e, err := epub.NewEpub(title)
	if err != nil {
		return nil, fmt.Errorf("failed to create EPub: %w", err)
	}
	e.SetAuthor(author)
	e.SetLang("en")
	e.SetIdentifier("urn:uuid:" + uuid.NewString())

	return &EPubBuilder{
		epub:         e,
		fetcher:      fetcher,
		cache:        cache,
		logger:       logger,
		images:       make(map[string]string),
		fonts:        make(map[string]string),
		chapterFiles: make(map[string]string),
	}, nil
}

// AddChapter renders the chapter's units into a table document and appends it
// to the book. All of the chapter's embedded resources are fetched (possibly
// concurrently) before rendering starts; unit and chapter order are never
// affected by fetch completion order.
func (b *EPubBuilder) AddChapter(ctx context.Context, ch *data.Chapter) error {
	if b.cssPath == "" {
		if err := b.addStylesheet(defaultCSS); err != nil {
			return err
		}
	}

	base, err := url.Parse(ch.URL)
	if err != nil {
		return fmt.Errorf("chapter %d has an invalid URL %q: %w", ch.Index, ch.URL, err)
	}

	filename := fmt.Sprintf("chap_%03d.xhtml", ch.Index+1)
	b.chapterFiles[normalizePath(base)] = filename

	b.prefetchResources(ctx, ch, base)

	body, err := b.renderChapter(ctx, ch, base)
	if err != nil {
		return err
	}
	if _, err := b.epub.AddSection(body, ch.Title, filename, b.cssPath); err != nil {
		return fmt.Errorf("failed to add chapter %q: %w", ch.Title, err)
	}
	return nil
}

// prefetchResources downloads every image referenced by the chapter's cells.
// Failures are left for the render pass, which substitutes placeholders; the
// cache remembers them, so nothing is downloaded twice.
func (b *EPubBuilder) prefetchResources(ctx context.Context, ch *data.Chapter, base *url.URL) {
	urls := make(map[string]struct{})
	for _, u := range ch.Units {
		collectImageURLs(u.SourceHTML, base, urls)
		collectImageURLs(u.TargetHTML, base, urls)
	}
	if len(urls) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxResourceFetches)
	for u := range urls {
		u := u
		g.Go(func() error {
			if _, err := b.cache.Intern(gctx, u); err != nil {
				b.logger.Warn("resource prefetch failed", zap.String("url", u), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}

func collectImageURLs(markup string, base *url.URL, into map[string]struct{}) {
	if markup == "" {
		return
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return
	}
	doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		if abs := resolveResourceURL(base, img.AttrOr("src", "")); abs != "" {
			into[abs] = struct{}{}
		}
	})
}

// renderChapter emits the chapter document body: a heading plus one table
// with a row per unit and two cells per row. Anchored units become row ids,
// deduplicated within the chapter.
func (b *EPubBuilder) renderChapter(ctx context.Context, ch *data.Chapter, base *url.URL) (string, error) {
	var doc strings.Builder
	doc.WriteString(fmt.Sprintf("<h1>%s</h1>\n", ch.Title))
	doc.WriteString(`<table class="bilingual-table">` + "\n")

	seenAnchors := make(map[string]int)
	for _, u := range ch.Units {
		doc.WriteString("<tr")
		if u.AnchorID != "" {
			id := u.AnchorID
			if n := seenAnchors[id]; n > 0 {
				id = fmt.Sprintf("%s-%d", id, n+1)
			}
			seenAnchors[u.AnchorID]++
			doc.WriteString(fmt.Sprintf(" id=%q", id))
		}
		doc.WriteString(">")

		source, err := b.renderCell(ctx, u.SourceHTML, u.SourceLang, base)
		if err != nil {
			return "", err
		}
		target, err := b.renderCell(ctx, u.TargetHTML, u.TargetLang, base)
		if err != nil {
			return "", err
		}
		doc.WriteString(source)
		doc.WriteString(target)
		doc.WriteString("</tr>\n")
	}
	doc.WriteString("</table>\n")
	return doc.String(), nil
}

// renderCell rewrites a cell's embedded references and wraps it in a <td>.
// Image references become embedded resource paths; failed resources become a
// visible placeholder rather than silently vanishing.
func (b *EPubBuilder) renderCell(ctx context.Context, markup, lang string, base *url.URL) (string, error) {
	var td strings.Builder
	td.WriteString("<td")
	if lang != "" {
		td.WriteString(fmt.Sprintf(" lang=%q xml:lang=%q", lang, lang))
	}
	td.WriteString(">")
	if markup == "" {
		td.WriteString("</td>")
		return td.String(), nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("failed to parse cell markup: %w", err)
	}

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		abs := resolveResourceURL(base, img.AttrOr("src", ""))
		if abs == "" {
			return // data URI or unparsable, keep as-is
		}
		res, err := b.cache.Intern(ctx, abs)
		if err != nil {
			b.missing = append(b.missing, abs)
			img.ReplaceWithHtml(missingResourcePlaceholder)
			return
		}
		internal, err := b.internImage(res)
		if err != nil {
			b.missing = append(b.missing, abs)
			img.ReplaceWithHtml(missingResourcePlaceholder)
			return
		}
		img.SetAttr("src", internal)
		img.RemoveAttr("srcset")
	})

	b.fixLinks(doc, base)

	inner, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("failed to render cell markup: %w", err)
	}
	td.WriteString(inner)
	td.WriteString("</td>")
	return td.String(), nil
}

// fixLinks rewrites links pointing at already-crawled pages to their chapter
// documents and unwraps other same-site links so the EPUB has no dead
// navigation. External links are left alone.
func (b *EPubBuilder) fixLinks(doc *goquery.Document, base *url.URL) {
	doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href := link.AttrOr("href", "")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "data:") ||
			strings.HasPrefix(href, "mailto:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Host != base.Host {
			return
		}
		if file, ok := b.chapterFiles[normalizePath(abs)]; ok {
			link.SetAttr("href", file)
			return
		}
		if inner, err := link.Html(); err == nil && strings.TrimSpace(inner) != "" {
			link.ReplaceWithHtml(inner)
		} else {
			link.Remove()
		}
	})
}

// internImage registers the cached resource with the EPUB once and returns
// its internal path for use in chapter documents.
func (b *EPubBuilder) internImage(res *data.Resource) (string, error) {
	if p, ok := b.images[res.Filename]; ok {
		return p, nil
	}
	p, err := b.epub.AddImage(res.LocalPath, res.Filename)
	if err != nil {
		return "", err
	}
	b.images[res.Filename] = p
	return p, nil
}

func (b *EPubBuilder) internFont(res *data.Resource) (string, error) {
	if p, ok := b.fonts[res.Filename]; ok {
		return p, nil
	}
	p, err := b.epub.AddFont(res.LocalPath, res.Filename)
	if err != nil {
		return "", err
	}
	b.fonts[res.Filename] = p
	return p, nil
}

// addStylesheet registers the chapter stylesheet. Content is written through
// the cache directory because go-epub ingests files, not strings.
func (b *EPubBuilder) addStylesheet(css string) error {
	path := filepath.Join(b.cache.Dir(), "stylesheet.css")
	if err := os.WriteFile(path, []byte(css), 0644); err != nil {
		return fmt.Errorf("failed to write stylesheet: %w", err)
	}
	internal, err := b.epub.AddCSS(path, "stylesheet.css")
	if err != nil {
		return fmt.Errorf("failed to add stylesheet: %w", err)
	}
	b.cssPath = internal
	return nil
}

// MissingResources lists resource URLs that had to be replaced by
// placeholders, for the run summary.
func (b *EPubBuilder) MissingResources() []string { return b.missing }

// Finalize serializes the archive. The file is written to a temporary path
// next to the destination and renamed into place only on full success, so a
// failed run never leaves a partial archive behind.
func (b *EPubBuilder) Finalize(outputPath string) error {
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	tmp := outputPath + ".partial"
	if err := b.epub.Write(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write EPub: %w", err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize EPub: %w", err)
	}
	return nil
}

func resolveResourceURL(base *url.URL, src string) string {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "data:") {
		return ""
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func normalizePath(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Path), "/")
}

// SanitizeFilename removes characters that are invalid in filenames.
func SanitizeFilename(name string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := name
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	result = strings.TrimSpace(result)
	result = strings.Trim(result, ".")
	return result
}
