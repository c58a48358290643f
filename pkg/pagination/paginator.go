package pagination

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Page is one page of a listing. Next is the page number announced by the
// host, or 0 when this is the last page.
type Page[T any] struct {
	Items []T
	Next  int
}

// PageFunc fetches page number page (1-based).
type PageFunc[T any] func(ctx context.Context, page int) (Page[T], error)

// Paginator walks a plain page-numbered listing.
type Paginator[T any] struct {
	Fetch PageFunc[T]

	// Key identifies an item; items with a key already seen are dropped.
	Key func(T) int

	// Accept filters items (e.g. bot authors). Nil accepts everything.
	Accept func(T) bool

	// Partial keeps the items collected so far when a later page fails.
	// Otherwise any failed page fails the whole collection.
	Partial bool
}

// Collect returns up to limit accepted items in host order. A limit <= 0
// means no limit.
func (p Paginator[T]) Collect(ctx context.Context, limit int) ([]T, error) {
	logger := zerolog.Ctx(ctx)
	seen := make(map[int]struct{})
	var out []T

	for page := 1; ; {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		result, err := p.Fetch(ctx, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			if len(out) == 0 || !p.Partial {
				return nil, fmt.Errorf("fetch page %d: %w", page, err)
			}
			logger.Warn().
				Err(err).
				Int("page", page).
				Int("collected", len(out)).
				Msg("Listing failed mid-stream - keeping collected items")
			return out, nil
		}

		for _, item := range result.Items {
			key := p.Key(item)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if p.Accept != nil && !p.Accept(item) {
				continue
			}
			out = append(out, item)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}

		if len(result.Items) == 0 || result.Next <= page {
			return out, nil
		}
		page = result.Next
	}
}
