package catalog

import (
	"context"
	"iter"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-pricing-history/internal/domain"
)

// PageFetcher fetches one page of a currency's catalog. *Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, currency, token string) (domain.CatalogPage, error)
}

// Entries returns the full catalog of currency as a lazy sequence, following
// continuation links until the upstream returns none.
//
// Entries are yielded in page order and, within a page, in upstream order.
// A fetch error is yielded once (with a zero entry) and ends the sequence;
// entries already yielded stay yielded. The sequence can be ranged only once:
// a second range yields ErrStreamConsumed.
func Entries(ctx context.Context, f PageFetcher, currency string, logger zerolog.Logger) iter.Seq2[domain.CatalogEntry, error] {
	var used atomic.Bool
	return func(yield func(domain.CatalogEntry, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(domain.CatalogEntry{}, ErrStreamConsumed)
			return
		}

		token := ""
		for page := 1; ; page++ {
			p, err := f.FetchPage(ctx, currency, token)
			if err != nil {
				logger.Error().Err(err).Str("currency", currency).Int("page", page).Msg("catalog stream aborted")
				yield(domain.CatalogEntry{}, err)
				return
			}
			logger.Debug().Str("currency", currency).Int("page", page).Int("items", len(p.Items)).Msg("catalog page")

			for _, e := range p.Items {
				if !yield(e, nil) {
					return
				}
			}
			if p.NextPageLink == "" {
				return
			}
			token = p.NextPageLink
		}
	}
}

// Stream returns the lazy entry sequence of currency fetched through c.
func (c *Client) Stream(ctx context.Context, currency string) iter.Seq2[domain.CatalogEntry, error] {
	return Entries(ctx, c, currency, c.logger)
}
