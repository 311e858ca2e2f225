// Package scrapers holds error classification shared by the source
// implementations in its subpackages.
package scrapers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/careersift/scraperd/internal/scrape"
)

// ClassifyStatus maps an HTTP response status to the retry taxonomy. 2xx is
// nil; throttling and server errors are transient; every other client error
// is permanent because repeating the same request cannot fix it.
func ClassifyStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		return scrape.Transient(fmt.Errorf("http status %d", statusCode))
	case statusCode >= 500:
		return scrape.Transient(fmt.Errorf("http status %d", statusCode))
	default:
		return scrape.Permanent(fmt.Errorf("http status %d", statusCode))
	}
}

// ClassifyFetchError maps a transport-level error to the retry taxonomy.
// Cancellation passes through untouched so callers can tell an aborted run
// from a flaky source; a deadline firing is the per-call timeout, the
// canonical transient failure.
func ClassifyFetchError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Timeouts, connection resets and DNS hiccups are all worth retrying.
	return scrape.Transient(err)
}
