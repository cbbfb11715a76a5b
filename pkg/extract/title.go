package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var chapterPathRe = regexp.MustCompile(`/(?:c|chapter|chapitre|part|partie)-?(\d+)`)

// ChapterTitle picks a title for the page: the first heading inside the
// content region, then a chapter number recognized in the URL path, then a
// positional fallback.
func ChapterTitle(region *goquery.Selection, pageURL string, pageNum int) string {
	var heading string
	region.Find("h1, h2, h3").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if t := strings.TrimSpace(h.Text()); t != "" {
			heading = t
			return false
		}
		return true
	})
	if heading != "" {
		return heading
	}

	if u, err := url.Parse(pageURL); err == nil {
		path := strings.ToLower(u.Path)
		if m := chapterPathRe.FindStringSubmatch(path); m != nil {
			n, _ := strconv.Atoi(m[1])
			return fmt.Sprintf("Chapter %d", n)
		}
		if strings.Contains(path, "introduction") {
			return "Introduction"
		}
		if strings.Contains(path, "preface") {
			return "Preface"
		}
	}

	return fmt.Sprintf("Page %d", pageNum)
}
