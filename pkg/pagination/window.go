package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Window is the cursor of a WindowPaginator. A zero CreatedBefore and
// CreatedAfter means the listing is not constrained in time.
type Window struct {
	CreatedBefore time.Time
	CreatedAfter  time.Time
	Page          int
}

// Active reports whether the cursor constrains the listing in time.
func (w Window) Active() bool {
	return !w.CreatedBefore.IsZero() || !w.CreatedAfter.IsZero()
}

// WindowFunc fetches one page of the listing restricted to w.
type WindowFunc[T any] func(ctx context.Context, w Window) (Page[T], error)

// WindowConfig tunes the window estimate.
type WindowConfig struct {
	// Target is the number of items a window should hold.
	Target int

	// Factor widens the estimate to absorb density changes.
	Factor float64

	// MinWidth is the narrowest window ever requested.
	MinWidth time.Duration

	// MaxEmptyWindows stops pagination after this many consecutive windows
	// produced no new item.
	MaxEmptyWindows int

	// MaxShifts bounds the total number of window shifts per listing.
	MaxShifts int
}

// DefaultWindowConfig returns the tuning used for GitLab listings.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		Target:          500,
		Factor:          1.2,
		MinWidth:        time.Hour,
		MaxEmptyWindows: 5,
		MaxShifts:       50,
	}
}

func (c WindowConfig) withDefaults() WindowConfig {
	d := DefaultWindowConfig()
	if c.Target <= 0 {
		c.Target = d.Target
	}
	if c.Factor <= 0 {
		c.Factor = d.Factor
	}
	if c.MinWidth <= 0 {
		c.MinWidth = d.MinWidth
	}
	if c.MaxEmptyWindows <= 0 {
		c.MaxEmptyWindows = d.MaxEmptyWindows
	}
	if c.MaxShifts <= 0 {
		c.MaxShifts = d.MaxShifts
	}
	return c
}

// EstimateWidth derives a window width from the density of count items
// created between oldest and newest: width = Factor × target / rate, never
// below MinWidth. It reports false when fewer than two items or a zero time
// span leave the density unknown.
func EstimateWidth(count int, oldest, newest time.Time, target int, cfg WindowConfig) (time.Duration, bool) {
	cfg = cfg.withDefaults()
	span := newest.Sub(oldest)
	if count < 2 || span <= 0 {
		return 0, false
	}
	if target <= 0 || target > cfg.Target {
		target = cfg.Target
	}

	perHour := float64(count) / span.Hours()
	width := time.Duration(cfg.Factor * float64(target) / perHour * float64(time.Hour))
	if width < cfg.MinWidth {
		width = cfg.MinWidth
	}
	return width, true
}

// WindowPaginator walks a newest-first listing by page number and, when a
// page fails, comes back empty or holds nothing new, slides a time window
// backwards and restarts at page 1. Each window's upper bound is the
// previous window's lower bound.
type WindowPaginator[T any] struct {
	Fetch WindowFunc[T]

	// Key identifies an item; items with a key already seen are dropped.
	Key func(T) int

	// Accept filters items (e.g. bot authors). Nil accepts everything.
	Accept func(T) bool

	// Created returns the creation time used for density and boundaries.
	Created func(T) time.Time

	Config WindowConfig
}

// Collect returns up to limit accepted items. A limit <= 0 means no limit.
// Pagination ending because no further shift is possible is not an error;
// an error is returned only when nothing was collected and a fetch failed,
// or when ctx is done (together with the items collected so far).
func (p WindowPaginator[T]) Collect(ctx context.Context, limit int) ([]T, error) {
	cfg := p.Config.withDefaults()
	logger := zerolog.Ctx(ctx)

	var (
		out          []T
		seen         = make(map[int]struct{})
		cur          = Window{Page: 1}
		oldestSeen   time.Time
		oldest       time.Time
		newest       time.Time
		emptyWindows int
		shifts       int
		lastErr      error
	)

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		page, err := p.Fetch(ctx, cur)
		if err != nil && ctx.Err() != nil {
			return out, ctx.Err()
		}

		fresh := 0
		if err != nil {
			lastErr = err
			logger.Warn().
				Err(err).
				Int("page", cur.Page).
				Bool("windowed", cur.Active()).
				Msg("Listing page failed")
		} else {
			for _, item := range page.Items {
				created := p.Created(item)
				if !created.IsZero() && (oldestSeen.IsZero() || created.Before(oldestSeen)) {
					oldestSeen = created
				}

				key := p.Key(item)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				if p.Accept != nil && !p.Accept(item) {
					continue
				}

				out = append(out, item)
				fresh++
				if !created.IsZero() {
					if oldest.IsZero() || created.Before(oldest) {
						oldest = created
					}
					if created.After(newest) {
						newest = created
					}
				}
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}

		hasNext := err == nil && page.Next > cur.Page
		if fresh > 0 {
			emptyWindows = 0
			if hasNext {
				cur.Page = page.Next
				continue
			}
		}

		// The unconstrained listing ran out on its own: the host has nothing older.
		if err == nil && !cur.Active() && !hasNext {
			return out, nil
		}

		if fresh == 0 {
			emptyWindows++
			if emptyWindows >= cfg.MaxEmptyWindows {
				logger.Warn().
					Int("empty_windows", emptyWindows).
					Int("collected", len(out)).
					Msg("Too many consecutive empty windows - stopping listing")
				return p.finish(out, lastErr)
			}
		}

		if shifts >= cfg.MaxShifts {
			logger.Warn().
				Int("shifts", shifts).
				Int("collected", len(out)).
				Msg("Window shift budget exhausted - stopping listing")
			return p.finish(out, lastErr)
		}

		target := cfg.Target
		if limit > 0 && limit-len(out) < target {
			target = limit - len(out)
		}
		width, ok := EstimateWidth(len(out), oldest, newest, target, cfg)
		if !ok {
			logger.Warn().
				Int("collected", len(out)).
				Msg("Not enough items to estimate a window - stopping listing")
			return p.finish(out, lastErr)
		}

		upper := cur.CreatedAfter
		if upper.IsZero() {
			upper = oldestSeen
		}
		if upper.IsZero() {
			return p.finish(out, lastErr)
		}

		cur = Window{
			CreatedBefore: upper,
			CreatedAfter:  upper.Add(-width),
			Page:          1,
		}
		shifts++

		logger.Info().
			Time("created_before", cur.CreatedBefore).
			Time("created_after", cur.CreatedAfter).
			Dur("width", width).
			Int("shift", shifts).
			Int("collected", len(out)).
			Msg("Shifting listing window")
	}
}

func (p WindowPaginator[T]) finish(out []T, lastErr error) ([]T, error) {
	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("listing failed before any item was collected: %w", lastErr)
	}
	return out, nil
}
