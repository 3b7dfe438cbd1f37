package search

import (
	"context"
	"fmt"
)

// commonQueries are typical questions asked of a financial news corpus.
// Embedding them ahead of time fills the provider cache.
var commonQueries = []string{
	"interest rate impact",
	"inflation outlook",
	"federal reserve decision",
	"stock market rally",
	"market sell-off",
	"earnings report",
	"oil prices",
	"bond yields",
	"recession risk",
	"jobs report",
	"tech stocks",
	"cryptocurrency",
	"mergers and acquisitions",
	"IPO",
	"currency exchange rates",
	"housing market",
	"should I buy stocks now",
	"is it a good time to invest",
}

// Warmup pre-generates embeddings for common queries. It is meant to run in
// the background with a caching provider.
func (r *Retriever) Warmup(ctx context.Context) error {
	if r.provider == nil {
		return fmt.Errorf("embedding provider not initialized")
	}

	for _, query := range commonQueries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// failures only mean a cold cache for that query
		_, _ = r.provider.Embed(ctx, query)
	}
	return nil
}

// CommonQueries returns the list of common queries used for warmup.
func CommonQueries() []string {
	result := make([]string, len(commonQueries))
	copy(result, commonQueries)
	return result
}
