package extraction

import (
	"context"
	"fmt"
	"time"
)

// ItemRef identifies one article found during traversal, before its full
// content has been fetched.
type ItemRef struct {
	URL    string
	Source string
}

// PageCursor threads traversal state between Next calls. Its shape varies by
// strategy: a page number for pagination_index, a follow-up URL for
// load_more, and Exhausted set once a single_page source has been read.
type PageCursor struct {
	Page      int
	NextURL   string
	Exhausted bool
}

// Strategy walks one source's archive for a given day, yielding ItemRefs a
// page at a time until the cursor reports exhaustion.
type Strategy interface {
	Next(ctx context.Context, cfg SourceParams, cursor *PageCursor) ([]ItemRef, *PageCursor, error)
}

// SourceParams is the per-day traversal input: the URL template and the date
// being walked.
type SourceParams struct {
	Source      string
	URLTemplate string
	Date        time.Time
}

// PaginationIndexStrategy walks `?page=N` style archives until a page
// returns no items.
type PaginationIndexStrategy struct {
	Fetch func(ctx context.Context, url string) ([]ItemRef, error)
}

func (s PaginationIndexStrategy) Next(ctx context.Context, cfg SourceParams, cursor *PageCursor) ([]ItemRef, *PageCursor, error) {
	page := 1
	if cursor != nil {
		page = cursor.Page + 1
	}
	url := fmt.Sprintf(cfg.URLTemplate, cfg.Date.Format("2006-01-02"), page)
	items, err := s.Fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if len(items) == 0 {
		return nil, &PageCursor{Exhausted: true}, nil
	}
	return items, &PageCursor{Page: page}, nil
}

// LoadMoreStrategy follows a "load more" URL embedded in each page's
// response until the source stops returning one.
type LoadMoreStrategy struct {
	Fetch func(ctx context.Context, url string) ([]ItemRef, string, error) // items, next load-more URL
}

func (s LoadMoreStrategy) Next(ctx context.Context, cfg SourceParams, cursor *PageCursor) ([]ItemRef, *PageCursor, error) {
	url := fmt.Sprintf(cfg.URLTemplate, cfg.Date.Format("2006-01-02"))
	if cursor != nil {
		if cursor.NextURL == "" {
			return nil, &PageCursor{Exhausted: true}, nil
		}
		url = cursor.NextURL
	}
	items, next, err := s.Fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if next == "" {
		return items, &PageCursor{Exhausted: true}, nil
	}
	return items, &PageCursor{NextURL: next}, nil
}

// SinglePageStrategy fetches one page per day with no follow-up traversal.
type SinglePageStrategy struct {
	Fetch func(ctx context.Context, url string) ([]ItemRef, error)
}

func (s SinglePageStrategy) Next(ctx context.Context, cfg SourceParams, cursor *PageCursor) ([]ItemRef, *PageCursor, error) {
	if cursor != nil {
		return nil, &PageCursor{Exhausted: true}, nil
	}
	url := fmt.Sprintf(cfg.URLTemplate, cfg.Date.Format("2006-01-02"))
	items, err := s.Fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return items, &PageCursor{Exhausted: true}, nil
}

// StrategyFor resolves a traversal_policy name to a Strategy.
func StrategyFor(policy string, fetcher Fetcher) (Strategy, error) {
	switch policy {
	case "pagination_index":
		return PaginationIndexStrategy{Fetch: fetcher.FetchIndex}, nil
	case "load_more":
		return LoadMoreStrategy{Fetch: fetcher.FetchLoadMore}, nil
	case "single_page":
		return SinglePageStrategy{Fetch: fetcher.FetchIndex}, nil
	default:
		return nil, fmt.Errorf("extraction: unknown traversal policy %q", policy)
	}
}

// WalkDay drains a Strategy for one day, paging until exhausted.
func WalkDay(ctx context.Context, strat Strategy, params SourceParams) ([]ItemRef, error) {
	var all []ItemRef
	var cursor *PageCursor
	for {
		items, next, err := strat.Next(ctx, params, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == nil || next.Exhausted {
			break
		}
		cursor = next
	}
	return all, nil
}
