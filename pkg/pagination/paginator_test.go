package pagination

import (
	"context"
	"errors"
	"testing"
)

type listing struct {
	ids     []int
	perPage int
	failAt  int
}

func (l *listing) fetch(ctx context.Context, page int) (Page[int], error) {
	if l.failAt > 0 && page >= l.failAt {
		return Page[int]{}, errors.New("502 bad gateway")
	}
	start := (page - 1) * l.perPage
	if start >= len(l.ids) {
		return Page[int]{}, nil
	}
	end := start + l.perPage
	next := page + 1
	if end >= len(l.ids) {
		end = len(l.ids)
		next = 0
	}
	return Page[int]{Items: l.ids[start:end], Next: next}, nil
}

func sequence(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = n - i
	}
	return ids
}

func identity(v int) int { return v }

func TestPaginator_Collect(t *testing.T) {
	tests := []struct {
		name    string
		listing *listing
		accept  func(int) bool
		partial bool
		limit   int
		want    int
		wantErr bool
	}{
		{
			name:    "fewer items than limit",
			listing: &listing{ids: sequence(250), perPage: 100},
			limit:   500,
			want:    250,
		},
		{
			name:    "limit truncates",
			listing: &listing{ids: sequence(250), perPage: 100},
			limit:   200,
			want:    200,
		},
		{
			name:    "no limit",
			listing: &listing{ids: sequence(42), perPage: 10},
			want:    42,
		},
		{
			name:    "duplicates across pages dropped",
			listing: &listing{ids: []int{5, 4, 3, 3, 2, 1}, perPage: 3},
			limit:   10,
			want:    5,
		},
		{
			name:    "rejected items skipped",
			listing: &listing{ids: sequence(30), perPage: 10},
			accept:  func(v int) bool { return v%2 == 0 },
			limit:   100,
			want:    15,
		},
		{
			name:    "empty listing",
			listing: &listing{perPage: 10},
			limit:   10,
			want:    0,
		},
		{
			name:    "failure on first page",
			listing: &listing{ids: sequence(30), perPage: 10, failAt: 1},
			limit:   10,
			wantErr: true,
		},
		{
			name:    "failure mid-stream keeps collected",
			listing: &listing{ids: sequence(30), perPage: 10, failAt: 3},
			partial: true,
			limit:   100,
			want:    20,
		},
		{
			name:    "failure mid-stream fails strict collection",
			listing: &listing{ids: sequence(30), perPage: 10, failAt: 3},
			limit:   100,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Paginator[int]{Fetch: tt.listing.fetch, Key: identity, Accept: tt.accept, Partial: tt.partial}
			got, err := p.Collect(context.Background(), tt.limit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Collect() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("Collect() returned %d items, want %d", len(got), tt.want)
			}

			seen := make(map[int]bool)
			for _, v := range got {
				if seen[v] {
					t.Errorf("duplicate id %d", v)
				}
				seen[v] = true
			}
		})
	}
}

func TestPaginator_StopsOnNonAdvancingNext(t *testing.T) {
	calls := 0
	p := Paginator[int]{
		Fetch: func(ctx context.Context, page int) (Page[int], error) {
			calls++
			return Page[int]{Items: []int{page}, Next: page}, nil
		},
		Key: identity,
	}

	if _, err := p.Collect(context.Background(), 0); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPaginator_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &listing{ids: sequence(30), perPage: 10}

	p := Paginator[int]{
		Fetch: func(ctx context.Context, page int) (Page[int], error) {
			if page == 2 {
				cancel()
			}
			return l.fetch(ctx, page)
		},
		Key: identity,
	}

	got, err := p.Collect(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Collect() error = %v, want context.Canceled", err)
	}
	if len(got) != 20 {
		t.Errorf("Collect() returned %d items, want the 20 fetched before cancellation", len(got))
	}
}
