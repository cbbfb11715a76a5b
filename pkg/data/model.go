package data

// Book is the single unit of output for one run: metadata plus chapters in
// pagination-discovery order.
type Book struct {
	Title    string
	Author   string
	Chapters []*Chapter
}

// Chapter holds the paired units extracted from one fetched page.
type Chapter struct {
	URL   string
	Index int // zero-based discovery order, also the spine position
	Title string
	Units []*BilingualUnit
}

// BilingualUnit is one row-pair: the nth source-column fragment and the nth
// target-column fragment from the same page. Either side may be empty when the
// column counts on a page did not match.
type BilingualUnit struct {
	Index      int
	SourceHTML string
	TargetHTML string
	SourceLang string
	TargetLang string
	AnchorID   string
}

// Resource is a downloaded binary asset (image or font) owned by the resource
// cache. Filename is the name the asset keeps inside the EPUB; LocalPath is
// its backing file for the lifetime of the run.
type Resource struct {
	URL       string
	Hash      string
	Filename  string
	LocalPath string
	MediaType string
}

// PageSkip records a page that was fetched but yielded no chapter.
type PageSkip struct {
	URL    string
	Reason string
}

// Report is the run summary shown to the user after a conversion.
type Report struct {
	PagesVisited     int
	SkippedPages     []PageSkip
	MissingResources []string
	OutputPath       string
}

func NewBook(title, author string) *Book {
	return &Book{Title: title, Author: author}
}

// AppendChapter assigns the next chapter index and adds the chapter to the
// book. Indices are contiguous from 0 in append order.
func (b *Book) AppendChapter(ch *Chapter) {
	ch.Index = len(b.Chapters)
	b.Chapters = append(b.Chapters, ch)
}
