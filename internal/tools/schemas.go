package tools

// SearchInput defines input for the web_search tool.
type SearchInput struct {
	Query      string `json:"query" jsonschema_description:"The search query string"`
	MaxResults int    `json:"max_results,omitempty" jsonschema_description:"Maximum results to return (1-10, default: 5)"`
}

// SearchResult is one web_search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchOutput defines output for the web_search tool.
type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// FetchInput defines input for the fetch_page tool.
type FetchInput struct {
	URL string `json:"url" jsonschema_description:"The public http(s) URL to fetch"`
}

// FetchOutput defines output for the fetch_page tool. Content holds the
// readable text extracted from the page, not the raw markup.
type FetchOutput struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// CurrentTimeInput defines input for the current_time tool.
type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name (e.g. 'Asia/Taipei', default: UTC)"`
}

// CurrentTimeOutput defines output for the current_time tool.
type CurrentTimeOutput struct {
	Timezone string `json:"timezone"`
	Time     string `json:"time"`
	Unix     int64  `json:"unix"`
	Weekday  string `json:"weekday"`
}
