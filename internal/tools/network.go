package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/okubit/sluice/internal/security"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 10
	defaultFetchBytes    = 2 << 20
	defaultFetchTimeout  = 20 * time.Second

	userAgent = "sluice/1.0"
)

// NetConfig configures the web tools.
type NetConfig struct {
	// SearchBaseURL is the SearXNG instance queried by web_search.
	// Empty disables the search tool.
	SearchBaseURL string

	// SearchMaxResults caps how many hits feed back to the model.
	SearchMaxResults int

	// FetchMaxBytes bounds the body size fetch_page will download.
	FetchMaxBytes int64

	// FetchTimeout bounds one outbound request.
	FetchTimeout time.Duration
}

// Network provides the web_search and fetch_page tools.
//
// Search goes to an operator-configured SearXNG instance over a plain
// client; that endpoint is trusted infrastructure and commonly lives on
// a private network. Page fetches follow model-chosen URLs, so they run
// through the SSRF validator both statically and at dial time.
type Network struct {
	validator  *security.URL
	search     *http.Client
	fetch      *http.Client
	searchBase string
	maxResults int
	maxBytes   int64
	logger     *slog.Logger
}

// NewNetwork creates the web tools from config. The validator is
// required; it guards every fetch_page target.
func NewNetwork(cfg NetConfig, validator *security.URL, logger *slog.Logger) (*Network, error) {
	if validator == nil {
		return nil, errors.New("tools: url validator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxResults := cfg.SearchMaxResults
	if maxResults <= 0 || maxResults > maxSearchResults {
		maxResults = defaultSearchResults
	}
	maxBytes := cfg.FetchMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchBytes
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	return &Network{
		validator: validator,
		search:    &http.Client{Timeout: timeout},
		fetch: &http.Client{
			Transport:     validator.SafeTransport(),
			CheckRedirect: validator.ValidateRedirect,
			Timeout:       timeout,
		},
		searchBase: strings.TrimRight(cfg.SearchBaseURL, "/"),
		maxResults: maxResults,
		maxBytes:   maxBytes,
		logger:     logger,
	}, nil
}

// SearchEnabled reports whether a search backend is configured.
func (n *Network) SearchEnabled() bool {
	return n.searchBase != ""
}

// searxngResponse is the subset of the SearXNG JSON format we read.
type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// WebSearch queries the configured SearXNG instance.
func (n *Network) WebSearch(ctx context.Context, in SearchInput) (SearchOutput, error) {
	if !n.SearchEnabled() {
		return SearchOutput{}, errors.New("web search is not configured")
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return SearchOutput{}, errors.New("query must not be empty")
	}

	count := in.MaxResults
	if count <= 0 || count > n.maxResults {
		count = n.maxResults
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.searchBase+"/search?"+params.Encode(), nil)
	if err != nil {
		return SearchOutput{}, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.search.Do(req)
	if err != nil {
		return SearchOutput{}, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SearchOutput{}, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var parsed searxngResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, n.maxBytes)).Decode(&parsed); err != nil {
		return SearchOutput{}, fmt.Errorf("decode search response: %w", err)
	}

	out := SearchOutput{Query: query, Results: []SearchResult{}}
	for _, r := range parsed.Results {
		if len(out.Results) >= count {
			break
		}
		out.Results = append(out.Results, SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}

	n.logger.Debug("web search completed", "query", query, "results", len(out.Results))
	return out, nil
}

// FetchPage downloads a page and extracts its readable text. HTML goes
// through readability extraction; other text-ish content types are
// returned as-is. The body is capped at the configured byte limit.
func (n *Network) FetchPage(ctx context.Context, in FetchInput) (FetchOutput, error) {
	target := strings.TrimSpace(in.URL)
	if err := n.validator.Validate(target); err != nil {
		return FetchOutput{}, fmt.Errorf("url rejected: %w", err)
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return FetchOutput{}, fmt.Errorf("parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchOutput{}, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.fetch.Do(req)
	if err != nil {
		return FetchOutput{}, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FetchOutput{}, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	// Read one byte past the cap to learn whether the body was cut off.
	data, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBytes+1))
	if err != nil {
		return FetchOutput{}, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(data)) > n.maxBytes
	if truncated {
		data = data[:n.maxBytes]
	}

	mediaType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = mt
	}

	out := FetchOutput{URL: target, Truncated: truncated}
	switch {
	case mediaType == "text/html", mediaType == "application/xhtml+xml", mediaType == "":
		article, err := readability.FromReader(bytes.NewReader(data), parsed)
		if err != nil {
			return FetchOutput{}, fmt.Errorf("extract content: %w", err)
		}
		out.Title = strings.TrimSpace(article.Title)
		out.Content = strings.TrimSpace(article.TextContent)
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json":
		out.Content = string(data)
	default:
		return FetchOutput{}, fmt.Errorf("unsupported content type %q", mediaType)
	}

	n.logger.Debug("page fetched", "url", target, "bytes", len(data), "truncated", truncated)
	return out, nil
}
