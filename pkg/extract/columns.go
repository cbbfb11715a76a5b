package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/willnjohnson/bilinguis-epub/pkg/data"
)

// ColumnExtractor splits a located content region into ordered bilingual
// units. Columns are paired by structural position: the nth left-column
// element pairs with the nth right-column element.
type ColumnExtractor struct {
	logger *zap.Logger
}

func NewColumnExtractor(logger *zap.Logger) *ColumnExtractor {
	return &ColumnExtractor{logger: logger}
}

// Extract walks the region in document order, collects the left and right
// column cells of every two-column row, and pairs them index-wise. A column
// count mismatch pads the shorter side with empty units so no content is
// dropped; the total is always max(source_count, target_count). An empty
// region yields no units, not an error.
func (x *ColumnExtractor) Extract(region *goquery.Selection) []*data.BilingualUnit {
	var left, right []*goquery.Selection
	var anchors []string

	collect := func(row *goquery.Selection) {
		cols := columnCells(row)
		if len(cols) == 0 {
			return
		}
		left = append(left, cols[0])
		if len(cols) > 1 {
			right = append(right, cols[1])
		}
		anchors = append(anchors, rowAnchor(row, cols))
	}

	region.Each(func(_ int, s *goquery.Selection) {
		if isPairRow(s) {
			collect(s)
			return
		}
		s.Find("div").Each(func(_ int, row *goquery.Selection) {
			if isPairRow(row) {
				collect(row)
			}
		})
	})

	total := len(left)
	if len(right) > total {
		total = len(right)
	}
	if total == 0 {
		return nil
	}
	if len(left) != len(right) {
		x.logger.Warn("column count mismatch, padding shorter side",
			zap.Int("source", len(left)),
			zap.Int("target", len(right)))
	}

	units := make([]*data.BilingualUnit, 0, total)
	for i := 0; i < total; i++ {
		u := &data.BilingualUnit{Index: i}
		if i < len(left) {
			u.SourceHTML = cellMarkup(left[i])
			u.SourceLang = left[i].AttrOr("lang", "")
		}
		if i < len(right) {
			u.TargetHTML = cellMarkup(right[i])
			u.TargetLang = right[i].AttrOr("lang", "")
		}
		if i < len(anchors) {
			u.AnchorID = anchors[i]
		}
		units = append(units, u)
	}
	return units
}

// isPairRow reports whether the element is a row holding column-like direct
// children (bootstrap col-* divs on bilinguis, or any col-classed pair in
// the structural fallback).
func isPairRow(s *goquery.Selection) bool {
	if !s.Is("div") {
		return false
	}
	cols := columnCells(s)
	if len(cols) == 0 {
		return false
	}
	// At least one cell must carry actual content.
	for _, c := range cols {
		if strings.TrimSpace(c.Text()) != "" || c.Find("img").Length() > 0 {
			return true
		}
	}
	return false
}

// columnCells returns the row's direct children that look like layout
// columns, at most two (left, right).
func columnCells(row *goquery.Selection) []*goquery.Selection {
	var cols []*goquery.Selection
	row.ChildrenFiltered("div").Each(func(_ int, ch *goquery.Selection) {
		if len(cols) >= 2 {
			return
		}
		if class, ok := ch.Attr("class"); ok && strings.Contains(class, "col-") {
			cols = append(cols, ch)
		}
	})
	return cols
}

func rowAnchor(row *goquery.Selection, cols []*goquery.Selection) string {
	if id := row.AttrOr("id", ""); id != "" {
		return id
	}
	for _, c := range cols {
		if id := c.AttrOr("id", ""); id != "" {
			return id
		}
	}
	return ""
}

// cellMarkup renders a column cell's children as markup, wrapping loose text
// and inline elements in <p> so the resulting cell stays valid chapter XHTML.
// Inline formatting is preserved as-is, never flattened to plain text.
func cellMarkup(cell *goquery.Selection) string {
	node := cell.Get(0)
	var b strings.Builder
	inPara := false

	closePara := func() {
		if inPara {
			b.WriteString("</p>")
			inPara = false
		}
	}
	openPara := func() {
		if !inPara {
			b.WriteString("<p>")
			inPara = true
		}
	}

	for c := node.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if strings.TrimSpace(c.Data) == "" {
				continue
			}
			openPara()
			html.Render(&b, c)
		case html.ElementNode:
			if isBlockElement(c.Data) {
				closePara()
			} else {
				openPara()
			}
			html.Render(&b, c)
		default:
			// comments, doctypes: dropped
		}
	}
	closePara()
	return b.String()
}

func isBlockElement(name string) bool {
	switch name {
	case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "blockquote", "pre", "table", "img", "figure", "hr":
		return true
	}
	return false
}
