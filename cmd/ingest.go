package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/hoangsonww/lumina-core/internal/ingest"
)

func runIngest(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	rawURL := fs.String("url", "", "ingest a web page instead of a file")
	sourceID := fs.String("id", "", "source identifier (derived when empty)")
	title := fs.String("title", "", "citation title")
	sourceType := fs.String("type", "", "source type label")
	replace := fs.Bool("replace", false, "delete previously ingested chunks of this source first")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := ingest.Request{
		SourceID:        *sourceID,
		Title:           *title,
		SourceType:      *sourceType,
		URL:             *rawURL,
		ReplaceExisting: *replace,
	}

	switch {
	case *rawURL != "":
		doc, err := a.fetcher.Page(ctx, *rawURL)
		if err != nil {
			return err
		}
		req.Text = doc.Text
		if req.Title == "" {
			req.Title = doc.Title
		}
		if req.SourceType == "" {
			req.SourceType = "url"
		}
		if req.SourceID == "" {
			req.SourceID = "url-" + uuid.NewString()
		}

	case fs.NArg() == 1:
		path := fs.Arg(0)
		data, err := os.ReadFile(path) // #nosec G304 -- path is an explicit CLI argument
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		req.Text = string(data)
		if req.Title == "" {
			req.Title = filepath.Base(path)
		}
		if req.SourceType == "" {
			req.SourceType = "file"
		}
		if req.SourceID == "" {
			req.SourceID = sourceIDFromPath(path)
		}

	default:
		return fmt.Errorf("usage: lumina ingest [flags] <file> | lumina ingest -url <url>")
	}

	n, err := a.pipeline.Ingest(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("ingested %q: %d chunks\n", req.SourceID, n)
	return nil
}

// sourceIDFromPath derives a stable source identifier from a file path:
// the base name without extension, lowercased, with runs of
// non-alphanumerics collapsed to single hyphens.
func sourceIDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(base) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}
	id := strings.TrimSuffix(b.String(), "-")
	if id == "" {
		id = "doc-" + uuid.NewString()
	}
	return id
}

func runRemove(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: lumina remove <source-id>")
	}

	deleted, err := a.pipeline.DeleteSource(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("removed %q: %d chunks\n", args[0], deleted)
	return nil
}

func runStats(ctx context.Context, a *app) error {
	count, err := a.store.Count(ctx, a.cfg.Namespace)
	if err != nil {
		return err
	}

	fmt.Printf("namespace %q: %d records\n", a.cfg.Namespace, count)
	return nil
}
