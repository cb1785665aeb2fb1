// Package fetch downloads web pages and extracts their readable text for
// ingestion.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const defaultTimeout = 30 * time.Second

// Document is the readable content of a fetched page.
type Document struct {
	Title string
	Text  string
	URL   string
}

// Client fetches pages. The zero value is not usable; use NewClient.
type Client struct {
	http *http.Client
}

// NewClient creates a fetch client. A nil httpClient gets a default with
// a request timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{http: httpClient}
}

// Page downloads rawURL and extracts its main readable text, stripping
// navigation, ads, and boilerplate.
func (c *Client) Page(ctx context.Context, rawURL string) (*Document, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	if pageURL.Scheme != "http" && pageURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", pageURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %s", pageURL, resp.Status)
	}

	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return nil, fmt.Errorf("extracting readable content from %s: %w", pageURL, err)
	}

	title := article.Title
	if title == "" {
		title = pageURL.Host
	}

	return &Document{
		Title: title,
		Text:  article.TextContent,
		URL:   pageURL.String(),
	}, nil
}
