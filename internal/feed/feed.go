package feed

import (
	"context"
	"log"
	"time"

	"lootline/internal/domain"
)

// MineSource is the slice of the game API the feed needs.
type MineSource interface {
	ListLootableMines(ctx context.Context, page, limit int) ([]domain.Mine, error)
}

// Feed surfaces newly-actionable mines as a restartable, lazy sequence of
// poll batches. Already-seen mines are suppressed while their freshness
// window lasts, and mines that are stale on arrival never surface at all.
type Feed struct {
	Source   MineSource
	Window   time.Duration
	PageSize int
	Now      func() time.Time
	Logger   *log.Logger

	page int
	seen map[int64]time.Time
}

// New builds a feed with the given freshness window.
func New(source MineSource, window time.Duration, pageSize int) *Feed {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Feed{
		Source:   source,
		Window:   window,
		PageSize: pageSize,
		page:     1,
		seen:     make(map[int64]time.Time),
	}
}

func (f *Feed) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Feed) logf(format string, args ...any) {
	if f.Logger != nil {
		f.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Poll fetches the next page and returns the fresh, previously-unseen mines
// with their deadlines filled in. A failed poll resets paging, logs, and
// returns an empty batch; it never propagates the error.
func (f *Feed) Poll(ctx context.Context) []domain.Mine {
	now := f.now()
	f.prune(now)

	mines, err := f.Source.ListLootableMines(ctx, f.page, f.PageSize)
	if err != nil {
		f.logf("feed: poll page %d: %v", f.page, err)
		f.page = 1
		return nil
	}
	if len(mines) < f.PageSize {
		f.page = 1
	} else {
		f.page++
	}

	var fresh []domain.Mine
	for _, m := range mines {
		if _, dup := f.seen[m.ID]; dup {
			continue
		}
		m.Deadline = m.StartedAt.Add(f.Window)
		if m.Expired(now) {
			// Stale on arrival; remember it so later pages don't
			// resurface it either.
			f.seen[m.ID] = m.Deadline
			continue
		}
		f.seen[m.ID] = m.Deadline
		fresh = append(fresh, m)
	}
	return fresh
}

// Run polls on a fixed interval, handing each non-empty batch to fn.
func (f *Feed) Run(ctx context.Context, interval time.Duration, fn func([]domain.Mine)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if batch := f.Poll(ctx); len(batch) > 0 {
			fn(batch)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// prune drops seen entries whose freshness window has passed; their ids can
// never become actionable again, but the set must not grow unbounded.
func (f *Feed) prune(now time.Time) {
	for id, deadline := range f.seen {
		if !now.Before(deadline) {
			delete(f.seen, id)
		}
	}
}
