package rules

import (
	"context"
	"fmt"
	"net/http"

	"github.com/achilleshq/sentinel/internal/logging"
	"github.com/achilleshq/sentinel/internal/webclient"
)

// Fetch retrieves a definitions resource from url through the given webclient
// and parses it. Callers that want the remote copy should try Fetch first and
// fall back to Load on error; the fetched catalogue is expected to be cached
// by the caller for the process lifetime.
func Fetch(ctx context.Context, wc webclient.WebClient, url string, logger logging.Logger) (*Catalogue, error) {
	resp, err := wc.Do(ctx, &webclient.Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return nil, fmt.Errorf("fetch ruleset %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ruleset %s: status %d", url, resp.StatusCode)
	}
	return Parse(resp.Body, logger)
}
