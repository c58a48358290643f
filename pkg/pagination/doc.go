// Package pagination drives paginated forge listings.
//
// Two strategies are provided, both generic over the item type:
//
//   - Paginator follows a server-supplied "next page" signal until a page
//     comes back empty or without a successor. GitHub listings use it.
//   - WindowPaginator additionally slides a created_before/created_after
//     window backwards in time whenever offset pagination stops producing
//     new items, which works around hosts that reject deep page offsets.
//
// Example usage:
//
//	p := pagination.WindowPaginator[forge.Record]{
//		Fetch:   listWindow,
//		Key:     func(r forge.Record) int { return r.IID },
//		Created: func(r forge.Record) time.Time { return r.CreatedAt },
//		Config:  pagination.DefaultWindowConfig(),
//	}
//	records, err := p.Collect(ctx, 200)
//
// Both paginators deduplicate by Key before appending, stop at the caller's
// limit, and prefer returning what was collected over failing: an error is
// returned only when nothing could be collected at all.
package pagination
