package extraction

import (
	"context"
	"testing"
	"time"
)

func TestPaginationIndexStrategy_StopsOnEmptyPage(t *testing.T) {
	calls := 0
	strat := PaginationIndexStrategy{Fetch: func(_ context.Context, url string) ([]ItemRef, error) {
		calls++
		if calls <= 2 {
			return []ItemRef{{URL: url, Source: "reuters"}}, nil
		}
		return nil, nil
	}}
	params := SourceParams{URLTemplate: "https://x/%s?page=%d", Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}
	items, err := WalkDay(context.Background(), strat, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if calls != 3 {
		t.Fatalf("expected 3 fetch calls (2 pages + empty terminator), got %d", calls)
	}
}

func TestLoadMoreStrategy_FollowsUntilNoNext(t *testing.T) {
	seen := []string{}
	strat := LoadMoreStrategy{Fetch: func(_ context.Context, url string) ([]ItemRef, string, error) {
		seen = append(seen, url)
		switch url {
		case "https://x/2024-01-05":
			return []ItemRef{{URL: "a"}}, "https://x/page2", nil
		case "https://x/page2":
			return []ItemRef{{URL: "b"}}, "", nil
		default:
			t.Fatalf("unexpected url %q", url)
			return nil, "", nil
		}
	}}
	params := SourceParams{URLTemplate: "https://x/%s", Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}
	items, err := WalkDay(context.Background(), strat, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(seen))
	}
}

func TestSinglePageStrategy_FetchesOnce(t *testing.T) {
	calls := 0
	strat := SinglePageStrategy{Fetch: func(_ context.Context, url string) ([]ItemRef, error) {
		calls++
		return []ItemRef{{URL: url}}, nil
	}}
	params := SourceParams{URLTemplate: "https://x/%s", Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}
	items, err := WalkDay(context.Background(), strat, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || calls != 1 {
		t.Fatalf("expected exactly one fetch, got %d items, %d calls", len(items), calls)
	}
}

func TestStrategyFor_UnknownPolicy(t *testing.T) {
	_, err := StrategyFor("carrier_pigeon", nil)
	if err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
