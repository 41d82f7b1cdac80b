// Package f95 fetches authoritative game versions from F95Zone, either via
// the batched checker API, the latest-updates RSS feed, or by scraping the
// title out of a thread page.
package f95

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"f95fr-notifier/backoff"
	"f95fr-notifier/extract"
)

const (
	defaultBaseURL = "https://f95zone.to"
	defaultFeedURL = "https://f95zone.to/sam/latest_alpha/latest_data.php?cmd=rss&cat=games&rows=90&ignored=hide"

	// The checker API caps requests at ~100 ids; 50 leaves a safety margin.
	chunkSize = 50
)

// Thread ids appear either as /threads/285451 or /threads/slug-name.285451/.
var reThreadID = regexp.MustCompile(`/threads/(?:[^/]+\.)?(\d+)`)

// Client fetches version data from F95Zone.
type Client struct {
	client     *http.Client
	logger     *slog.Logger
	baseURL    string
	feedURL    string
	chunkPause time.Duration
}

// New creates a new F95Zone client.
func New(client *http.Client, logger *slog.Logger) *Client {
	return &Client{
		client:     client,
		logger:     logger,
		baseURL:    defaultBaseURL,
		feedURL:    defaultFeedURL,
		chunkPause: time.Second,
	}
}

// ExtractThreadID extracts the numeric thread id from an F95Zone URL.
// Returns "" when the URL does not carry one.
func ExtractThreadID(rawURL string) string {
	m := reThreadID.FindStringSubmatch(rawURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// NormalizeThreadURL reduces an F95Zone thread URL to its canonical
// id-based form. URLs without a recognizable id fall back to the lowercased
// URL with trailing slash and fragment stripped. Idempotent.
func NormalizeThreadURL(rawURL string) string {
	if id := ExtractThreadID(rawURL); id != "" {
		return defaultBaseURL + "/threads/" + id
	}
	normalized := strings.ToLower(rawURL)
	if idx := strings.Index(normalized, "#"); idx >= 0 {
		normalized = normalized[:idx]
	}
	return strings.TrimRight(normalized, "/")
}

type checkerResponse struct {
	Status string            `json:"status"`
	Msg    map[string]string `json:"msg"`
}

// FetchVersionsBatch resolves versions for a set of thread ids via the
// checker API. Ids are requested in chunks with a short pause in between;
// a chunk that answers with a bad status or malformed body is logged and
// skipped, so the result may be a strict subset of the requested ids.
// Transport-level failures propagate and fail the whole batch.
func (c *Client) FetchVersionsBatch(ctx context.Context, ids []string) (map[string]string, error) {
	versions := make(map[string]string)
	if len(ids) == 0 {
		return versions, nil
	}

	totalChunks := (len(ids) + chunkSize - 1) / chunkSize
	c.logger.Info("Fetching F95 versions", "ids", len(ids), "chunks", totalChunks)

	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		chunk := ids[start:end]
		chunkNum := start/chunkSize + 1

		checkerURL := c.baseURL + "/sam/checker.php?threads=" + strings.Join(chunk, ",")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkerURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("create checker request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json,*/*")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("checker chunk %d/%d: %w", chunkNum, totalChunks, err)
		}

		func() {
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("Checker chunk returned non-OK status, skipping",
					"chunk", chunkNum, "total_chunks", totalChunks, "status_code", resp.StatusCode)
				return
			}

			var parsed checkerResponse
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				c.logger.Warn("Checker chunk returned malformed body, skipping",
					"chunk", chunkNum, "error", err)
				return
			}
			if parsed.Status != "ok" {
				c.logger.Warn("Checker chunk returned bad status, skipping",
					"chunk", chunkNum, "status", parsed.Status)
				return
			}

			for id, version := range parsed.Msg {
				versions[id] = version
			}
			c.logger.Info("Checker chunk merged", "chunk", chunkNum, "versions", len(parsed.Msg))
		}()

		// Deliberate pacing so the upstream API is not hammered.
		if end < len(ids) && c.chunkPause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.chunkPause):
			}
		}
	}

	c.logger.Info("F95 versions fetched", "resolved", len(versions), "requested", len(ids))
	return versions, nil
}

// ResolveVersions resolves versions for a set of thread ids: the checker
// API first, then the latest-updates feed for ids the API left
// unanswered, then a page-title scrape for whatever remains. Fallback
// failures are logged; only a checker transport failure aborts.
func (c *Client) ResolveVersions(ctx context.Context, ids []string) (map[string]string, error) {
	versions, err := c.FetchVersionsBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if versions[id] == "" {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return versions, nil
	}
	c.logger.Info("Resolving unanswered ids through fallbacks", "missing", len(missing))

	feed, err := c.FetchFeedUpdates(ctx)
	if err != nil {
		c.logger.Warn("Feed fallback failed", "error", err)
		feed = nil
	}

	var remaining []string
	for _, id := range missing {
		if v := feed[defaultBaseURL+"/threads/"+id]; v != "" {
			versions[id] = v
			continue
		}
		remaining = append(remaining, id)
	}

	for i, id := range remaining {
		if i > 0 && c.chunkPause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.chunkPause):
			}
		}
		title, err := c.FetchPageTitle(ctx, c.baseURL+"/threads/"+id)
		if err != nil || title == "" {
			continue
		}
		if v := extract.VersionFromTitle(title, extract.FirstBracket); v != "" {
			versions[id] = v
		}
	}

	return versions, nil
}

type feedDocument struct {
	Channel struct {
		Items []feedItem `xml:"item"`
	} `xml:"channel"`
}

type feedItem struct {
	Title string `xml:"title"`
	Link  string `xml:"link"`
}

// FetchFeedUpdates fetches the latest-updates RSS feed and maps each
// entry's normalized link to the version in its title (last bracket token).
// The feed is all-or-nothing: fetch and parse errors propagate.
func (c *Client) FetchFeedUpdates(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &backoff.StatusError{URL: c.feedURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}

	var doc feedDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	updates := make(map[string]string)
	for _, item := range doc.Channel.Items {
		link := strings.TrimSpace(item.Link)
		title := strings.TrimSpace(item.Title)
		if link == "" || title == "" {
			continue
		}
		version := extract.VersionFromTitle(title, extract.LastBracket)
		if version == "" {
			continue
		}
		updates[NormalizeThreadURL(link)] = version
	}

	c.logger.Info("Feed fetched", "entries", len(doc.Channel.Items), "with_version", len(updates))
	return updates, nil
}

// FetchPageTitle fetches a thread page and extracts the text of its
// h1.p-title-value heading, markup stripped. A single page failing is not
// an error: non-2xx responses and missing headings yield "" and a log line.
func (c *Client) FetchPageTitle(ctx context.Context, pageURL string) (string, error) {
	var title string

	err := backoff.Retry(ctx, c.logger, "fetch_page_title", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.8")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Warn("Failed to close response body", "error", closeErr)
			}
		}()

		if resp.StatusCode >= 300 {
			return &backoff.StatusError{URL: pageURL, Code: resp.StatusCode}
		}

		doc, err := goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return fmt.Errorf("parse page: %w", err)
		}
		title = collapseSpaces(doc.Find("h1.p-title-value").First().Text())
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to fetch page title", "url", pageURL, "error", err)
		return "", nil
	}

	if title == "" {
		c.logger.Warn("Page has no title heading", "url", pageURL)
	}
	return title, nil
}

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
