package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/willnjohnson/bilinguis-epub/pkg/crawl"
	"github.com/willnjohnson/bilinguis-epub/pkg/data"
	"github.com/willnjohnson/bilinguis-epub/pkg/extract"
	"github.com/willnjohnson/bilinguis-epub/pkg/fetch"
	"github.com/willnjohnson/bilinguis-epub/pkg/integrations"
	"github.com/willnjohnson/bilinguis-epub/pkg/resources"
)

// ErrNoChapters is fatal: not a single page yielded bilingual content, so
// there is nothing to package.
var ErrNoChapters = errors.New("no chapters could be extracted")

// constrainedPageLimit caps the crawl in constrained/debug mode.
const constrainedPageLimit = 3

// Progress reports per-page conversion progress to the caller.
type Progress struct {
	PageNum int
	URL     string
	Status  string // "fetched", "extracted", "skipped"
	Units   int
	Reason  string
}

// Options describe one conversion run.
type Options struct {
	SeedURL     string
	Author      string
	Title       string
	OutputPath  string
	Constrained bool // 3-page ceiling, cache files retained afterwards
}

// Converter drives the pipeline: walk pages, locate the bilingual region,
// extract paired units, build one chapter table document per page, and
// assemble everything into a single EPUB. Pages are processed strictly in
// pagination order; only resource downloads within a page run concurrently.
type Converter struct {
	fetcher   fetch.Fetcher
	cache     *resources.Cache
	locator   *extract.ContentLocator
	extractor *extract.ColumnExtractor
	logger    *zap.Logger

	progressChan chan Progress
}

func NewConverter(fetcher fetch.Fetcher, cache *resources.Cache, logger *zap.Logger) *Converter {
	return &Converter{
		fetcher:      fetcher,
		cache:        cache,
		locator:      extract.NewContentLocator(logger),
		extractor:    extract.NewColumnExtractor(logger),
		logger:       logger,
		progressChan: make(chan Progress, 100),
	}
}

// GetProgressChannel returns the channel for receiving progress updates.
func (c *Converter) GetProgressChannel() <-chan Progress {
	return c.progressChan
}

// Run executes one conversion. The returned report is valid even on error;
// an error return means the run was fatal and no archive was written.
func (c *Converter) Run(ctx context.Context, opts Options) (*data.Report, error) {
	defer close(c.progressChan)

	report := &data.Report{}
	book := data.NewBook(opts.Title, opts.Author)

	builder, err := integrations.NewEPubBuilder(opts.Title, opts.Author, c.fetcher, c.cache, c.logger)
	if err != nil {
		return report, err
	}

	maxPages := 0
	if opts.Constrained {
		maxPages = constrainedPageLimit
	}
	walker := crawl.NewWalker(c.fetcher, opts.SeedURL, maxPages, c.logger)

	for walker.Next(ctx) {
		page := walker.Page()
		report.PagesVisited++
		c.sendProgress(Progress{PageNum: report.PagesVisited, URL: page.URL, Status: "fetched"})

		if report.PagesVisited == 1 {
			if err := builder.HarvestStylesheet(ctx, page.Document, page.URL); err != nil {
				return report, err
			}
		}

		region, err := c.locator.Locate(page.Document)
		if err != nil {
			c.skipPage(report, page.URL, "content region not found")
			continue
		}

		units := c.extractor.Extract(region)
		if len(units) == 0 {
			c.skipPage(report, page.URL, "no bilingual units found")
			continue
		}

		ch := &data.Chapter{
			URL:   page.URL,
			Title: extract.ChapterTitle(region, page.URL, report.PagesVisited),
			Units: units,
		}
		book.AppendChapter(ch)

		if err := builder.AddChapter(ctx, ch); err != nil {
			return report, fmt.Errorf("failed to build chapter %q: %w", ch.Title, err)
		}
		c.sendProgress(Progress{
			PageNum: report.PagesVisited,
			URL:     page.URL,
			Status:  "extracted",
			Units:   len(units),
		})
	}

	// A mid-crawl fetch failure degrades to a shorter book, never a dead run.
	if werr := walker.Err(); werr != nil {
		c.logger.Warn("crawl aborted early", zap.String("url", walker.FailedURL()), zap.Error(werr))
		c.skipPage(report, walker.FailedURL(), fmt.Sprintf("crawl aborted: %v", werr))
	}

	if len(book.Chapters) == 0 {
		return report, ErrNoChapters
	}

	if err := builder.Finalize(opts.OutputPath); err != nil {
		return report, err
	}
	report.MissingResources = builder.MissingResources()
	report.OutputPath = opts.OutputPath

	c.logger.Info("conversion complete",
		zap.Int("pages", report.PagesVisited),
		zap.Int("chapters", len(book.Chapters)),
		zap.Int("skipped", len(report.SkippedPages)),
		zap.Int("resources", len(c.cache.Resources())),
		zap.String("output", report.OutputPath))
	return report, nil
}

func (c *Converter) skipPage(report *data.Report, url, reason string) {
	c.logger.Warn("page skipped", zap.String("url", url), zap.String("reason", reason))
	report.SkippedPages = append(report.SkippedPages, data.PageSkip{URL: url, Reason: reason})
	c.sendProgress(Progress{PageNum: report.PagesVisited, URL: url, Status: "skipped", Reason: reason})
}

// sendProgress sends a progress update (non-blocking).
func (c *Converter) sendProgress(p Progress) {
	select {
	case c.progressChan <- p:
	default:
		// Channel full, skip this update
	}
}
