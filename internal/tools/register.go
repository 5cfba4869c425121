package tools

import "fmt"

const (
	webSearchDescription = "Search the web for current information. " +
		"Returns a list of results with title, URL, and snippet. " +
		"Use fetch_page to read a result in full."

	fetchPageDescription = "Fetch a public web page and extract its readable text content. " +
		"Use this to read articles, documentation, or pages found via web_search."

	currentTimeDescription = "Get the current date and time, optionally in a specific IANA timezone. " +
		"Use this whenever the answer depends on today's date."
)

// RegisterBuiltins defines the built-in tools on the registry. A nil
// network registers only the tools that need no outbound access.
func RegisterBuiltins(r *Registry, network *Network) error {
	if err := Define(r, "current_time", currentTimeDescription, CurrentTime); err != nil {
		return fmt.Errorf("register current_time: %w", err)
	}

	if network == nil {
		return nil
	}
	if network.SearchEnabled() {
		if err := Define(r, "web_search", webSearchDescription, network.WebSearch); err != nil {
			return fmt.Errorf("register web_search: %w", err)
		}
	}
	if err := Define(r, "fetch_page", fetchPageDescription, network.FetchPage); err != nil {
		return fmt.Errorf("register fetch_page: %w", err)
	}
	return nil
}
