package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/willnjohnson/bilinguis-epub/pkg/fetch"
	"github.com/willnjohnson/bilinguis-epub/pkg/integrations"
	"github.com/willnjohnson/bilinguis-epub/pkg/resources"
	"github.com/willnjohnson/bilinguis-epub/pkg/services"
)

var rootCmd = &cobra.Command{
	Use:   "bilinguis [url] [author] [title]",
	Short: "Convert a bilingual web book into an EPUB",
	Long: "Scrape a side-by-side bilingual web book (bilinguis.com layout) and package it\n" +
		"as a single offline EPUB with the two-column layout preserved as a table.",
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		seedURL, author, title := args[0], args[1], args[2]
		output, _ := cmd.Flags().GetString("output")
		debug, _ := cmd.Flags().GetBool("debug")

		if output == "" {
			output = integrations.SanitizeFilename(title) + ".epub"
		}

		logger := newLogger(debug)
		defer logger.Sync()

		cacheDir, err := os.MkdirTemp("", "bilinguis-epub-*")
		cobra.CheckErr(err)

		fetcher := fetch.NewClient(logger)
		cache := resources.NewCache(cacheDir, fetcher, logger)
		converter := services.NewConverter(fetcher, cache, logger)

		fmt.Printf("📚 Converting: %s by %s\n", title, author)
		fmt.Printf("🔗 Seed URL: %s\n", seedURL)
		if debug {
			fmt.Printf("🐛 Constrained mode: max 3 pages, cache kept in %s\n", cacheDir)
		}

		go func() {
			for p := range converter.GetProgressChannel() {
				switch p.Status {
				case "fetched":
					fmt.Printf("📄 Page %d: %s\n", p.PageNum, p.URL)
				case "extracted":
					fmt.Printf("   ✓ %d bilingual units\n", p.Units)
				case "skipped":
					fmt.Printf("   ⚠️  Skipped: %s\n", p.Reason)
				}
			}
		}()

		report, err := converter.Run(context.Background(), services.Options{
			SeedURL:     seedURL,
			Author:      author,
			Title:       title,
			OutputPath:  output,
			Constrained: debug,
		})
		if err == nil && !debug {
			// Backing files are only needed until the archive is finalized.
			cache.Cleanup()
		}

		fmt.Println()
		for _, skip := range report.SkippedPages {
			fmt.Printf("⚠️  Skipped page %s (%s)\n", skip.URL, skip.Reason)
		}
		for _, res := range report.MissingResources {
			fmt.Printf("⚠️  Missing resource %s\n", res)
		}
		cobra.CheckErr(err)

		fmt.Printf("✅ Processed %d pages\n", report.PagesVisited)
		fmt.Printf("📖 EPUB created: %s\n", report.OutputPath)
	},
}

func init() {
	rootCmd.Flags().StringP("output", "o", "", "Output EPUB path (default: sanitized title)")
	rootCmd.Flags().BoolP("debug", "d", false, "Constrained mode: first 3 pages only, verbose logs, keep cached resources")
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
