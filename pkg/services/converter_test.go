package services

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/willnjohnson/bilinguis-epub/pkg/resources"
)

type siteFetcher struct {
	mu    sync.Mutex
	pages map[string][]byte
	fail  map[string]bool
	hits  map[string]int
}

func newSite() *siteFetcher {
	return &siteFetcher{
		pages: make(map[string][]byte),
		fail:  make(map[string]bool),
		hits:  make(map[string]int),
	}
}

func (f *siteFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[url]++
	if f.fail[url] {
		return nil, fmt.Errorf("connection reset")
	}
	body, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return body, nil
}

func testPNG() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	buf.Write([]byte{
		0x00, 0x00, 0x00, 0x0D,
		0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x01,
		0x08, 0x00, 0x00, 0x00, 0x00,
		0x3A, 0x7E, 0x9B, 0x55,
	})
	buf.Write([]byte{
		0x00, 0x00, 0x00, 0x0A,
		0x49, 0x44, 0x41, 0x54,
		0x08, 0xD7, 0x63, 0x60, 0x00, 0x00, 0x00, 0x02, 0x00, 0x01,
		0xE2, 0x21, 0xBC, 0x33,
	})
	buf.Write([]byte{
		0x00, 0x00, 0x00, 0x00,
		0x49, 0x45, 0x4E, 0x44,
		0xAE, 0x42, 0x60, 0x82,
	})
	return buf.Bytes()
}

// bilinguisPage renders a typical two-column page with optional next link.
func bilinguisPage(rows [][2]string, nextHref string) []byte {
	var b strings.Builder
	b.WriteString(`<html><body><div class="row"><nav class="navbar">menu</nav></div>`)
	for _, row := range rows {
		fmt.Fprintf(&b, `<div class="row"><div class="col-xs-6" lang="fr">%s</div><div class="col-xs-6" lang="en">%s</div></div>`,
			row[0], row[1])
	}
	b.WriteString(`<div class="text-center">`)
	if nextHref != "" {
		fmt.Fprintf(&b, `<a href="%s">»</a>`, nextHref)
	}
	b.WriteString(`</div><div class="text-center">share</div><div class="text-center">footer</div></body></html>`)
	return []byte(b.String())
}

func runConversion(t *testing.T, f *siteFetcher, constrained bool) (string, error) {
	t.Helper()
	logger := zap.NewNop()
	cache := resources.NewCache(t.TempDir(), f, logger)
	conv := NewConverter(f, cache, logger)
	out := filepath.Join(t.TempDir(), "book.epub")
	report, err := conv.Run(context.Background(), Options{
		SeedURL:     "http://site.test/book/c1/",
		Author:      "Lewis Carroll",
		Title:       "Alice Bilingual",
		OutputPath:  out,
		Constrained: constrained,
	})
	require.NotNil(t, report)
	return out, err
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	names := make([]string, len(zr.File))
	for i, zf := range zr.File {
		names[i] = zf.Name
	}
	return names
}

func zipEntry(t *testing.T, path, suffix string) string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	for _, zf := range zr.File {
		if strings.HasSuffix(zf.Name, suffix) {
			r, err := zf.Open()
			require.NoError(t, err)
			defer r.Close()
			body, err := io.ReadAll(r)
			require.NoError(t, err)
			return string(body)
		}
	}
	t.Fatalf("entry %q not found", suffix)
	return ""
}

func TestConverter_EndToEnd(t *testing.T) {
	f := newSite()
	f.pages["http://site.test/img/tea.png"] = testPNG()
	f.pages["http://site.test/book/c1/"] = bilinguisPage([][2]string{
		{"<p>Première ligne</p>", "<p>First line</p>"},
		{`<p><img src="/img/tea.png"/> Thé</p>`, `<p><img src="/img/tea.png"/> Tea</p>`},
	}, "/book/c2/")
	f.pages["http://site.test/book/c2/"] = bilinguisPage([][2]string{
		{"<p>Deuxième page</p>", "<p>Second page</p>"},
	}, "")

	out, err := runConversion(t, f, false)
	require.NoError(t, err)

	var chapters, images int
	for _, name := range zipNames(t, out) {
		if strings.Contains(name, "chap_") {
			chapters++
		}
		if strings.Contains(name, "images/") {
			images++
		}
	}
	assert.Equal(t, 2, chapters)
	assert.Equal(t, 1, images, "image referenced twice embeds once")
	assert.Equal(t, 1, f.hits["http://site.test/img/tea.png"])

	first := zipEntry(t, out, "chap_001.xhtml")
	assert.Contains(t, first, "Première ligne")
	assert.Equal(t, 2, strings.Count(first, "<tr"))
	assert.Equal(t, 2, strings.Count(first, "../images/"), "both cells of row 2 point at the shared image")

	second := zipEntry(t, out, "chap_002.xhtml")
	assert.Contains(t, second, "Deuxième page")
}

func TestConverter_ChapterOrderFollowsDiscovery(t *testing.T) {
	f := newSite()
	for i := 1; i <= 4; i++ {
		next := ""
		if i < 4 {
			next = fmt.Sprintf("/book/c%d/", i+1)
		}
		f.pages[fmt.Sprintf("http://site.test/book/c%d/", i)] = bilinguisPage([][2]string{
			{fmt.Sprintf("<p>page fr %d</p>", i), fmt.Sprintf("<p>page en %d</p>", i)},
		}, next)
	}

	out, err := runConversion(t, f, false)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		chapter := zipEntry(t, out, fmt.Sprintf("chap_%03d.xhtml", i))
		assert.Contains(t, chapter, fmt.Sprintf("page fr %d", i))
	}
}

func TestConverter_ConstrainedModeCeiling(t *testing.T) {
	f := newSite()
	for i := 1; i <= 10; i++ {
		next := ""
		if i < 10 {
			next = fmt.Sprintf("/book/c%d/", i+1)
		}
		f.pages[fmt.Sprintf("http://site.test/book/c%d/", i)] = bilinguisPage([][2]string{
			{fmt.Sprintf("<p>fr %d</p>", i), fmt.Sprintf("<p>en %d</p>", i)},
		}, next)
	}

	out, err := runConversion(t, f, true)
	require.NoError(t, err)

	var chapters int
	for _, name := range zipNames(t, out) {
		if strings.Contains(name, "chap_") {
			chapters++
		}
	}
	assert.Equal(t, 3, chapters, "constrained mode stops after 3 pages")
}

func TestConverter_SkipsUnlocatablePages(t *testing.T) {
	f := newSite()
	f.pages["http://site.test/book/c1/"] = []byte(`<html><body>
<div class="text-center"><a href="/book/c2/">»</a></div></body></html>`)
	f.pages["http://site.test/book/c2/"] = bilinguisPage([][2]string{
		{"<p>contenu</p>", "<p>content</p>"},
	}, "")

	logger := zap.NewNop()
	cache := resources.NewCache(t.TempDir(), f, logger)
	conv := NewConverter(f, cache, logger)
	out := filepath.Join(t.TempDir(), "book.epub")
	report, err := conv.Run(context.Background(), Options{
		SeedURL:    "http://site.test/book/c1/",
		Author:     "A",
		Title:      "T",
		OutputPath: out,
	})
	require.NoError(t, err, "one bad page degrades the book, it does not kill the run")
	require.Len(t, report.SkippedPages, 1)
	assert.Equal(t, "http://site.test/book/c1/", report.SkippedPages[0].URL)
	assert.Equal(t, 2, report.PagesVisited)
}

func TestConverter_FetchFailureYieldsPartialBook(t *testing.T) {
	f := newSite()
	f.pages["http://site.test/book/c1/"] = bilinguisPage([][2]string{
		{"<p>un</p>", "<p>one</p>"},
	}, "/book/c2/")
	f.fail["http://site.test/book/c2/"] = true

	out, err := runConversion(t, f, false)
	require.NoError(t, err, "a mid-crawl fetch failure still assembles prior chapters")

	var chapters int
	for _, name := range zipNames(t, out) {
		if strings.Contains(name, "chap_") {
			chapters++
		}
	}
	assert.Equal(t, 1, chapters)
}

func TestConverter_NoChaptersIsFatal(t *testing.T) {
	f := newSite()
	f.pages["http://site.test/book/c1/"] = []byte(`<html><body><p>nothing here</p></body></html>`)

	out, err := runConversion(t, f, false)
	require.ErrorIs(t, err, ErrNoChapters)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "no archive file may be left on disk")
	_, statErr = os.Stat(out + ".partial")
	assert.True(t, os.IsNotExist(statErr))
}

func TestConverter_EmbedsFontsFromStylesheet(t *testing.T) {
	f := newSite()
	f.pages["http://site.test/fonts/serif.woff"] = append([]byte("wOFF\x00\x01\x00\x00"), make([]byte, 40)...)
	page := string(bilinguisPage([][2]string{{"<p>fr</p>", "<p>en</p>"}}, ""))
	page = strings.Replace(page, "<body>",
		`<body><style>@font-face { src: url('/fonts/serif.woff'); }</style>`, 1)
	f.pages["http://site.test/book/c1/"] = []byte(page)

	out, err := runConversion(t, f, false)
	require.NoError(t, err)

	var fonts int
	for _, name := range zipNames(t, out) {
		if strings.Contains(name, "fonts/") {
			fonts++
		}
	}
	assert.Equal(t, 1, fonts)
	css := zipEntry(t, out, "stylesheet.css")
	assert.Contains(t, css, "../fonts/")
}
