package paging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pocketbudget/budget-cli/api"
)

type entry struct {
	ID      string
	Created time.Time
}

func entryID(e entry) string { return e.ID }

func entries(prefix string, n int) []entry {
	out := make([]entry, n)
	for i := range out {
		out[i] = entry{ID: fmt.Sprintf("%s%d", prefix, i+1)}
	}
	return out
}

// scripted answers fetches from a queue of canned responses.
type scripted struct {
	mu        sync.Mutex
	responses []func(ctx context.Context) (List[entry], error)
	calls     atomic.Int32
	pages     []int
	filters   []string
}

func (s *scripted) push(fn func(ctx context.Context) (List[entry], error)) {
	s.mu.Lock()
	s.responses = append(s.responses, fn)
	s.mu.Unlock()
}

func (s *scripted) reply(items []entry, page, totalPages, total int) {
	s.push(func(context.Context) (List[entry], error) {
		return List[entry]{Data: items, Pagination: Page{Page: page, TotalPages: totalPages, Total: total}}, nil
	})
}

func (s *scripted) fetch(ctx context.Context, page int, filter string) (List[entry], error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.pages = append(s.pages, page)
	s.filters = append(s.filters, filter)
	if len(s.responses) == 0 {
		s.mu.Unlock()
		return List[entry]{}, errors.New("no scripted response")
	}
	fn := s.responses[0]
	s.responses = s.responses[1:]
	s.mu.Unlock()
	return fn(ctx)
}

func newCollection(s *scripted, opts Options[entry]) *Collection[entry, string] {
	return New(s.fetch, entryID, "", opts)
}

func TestLoad_AppendVersusReplace(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})
	ctx := context.Background()

	s.reply(entries("old", 5), 1, 3, 15)
	if err := c.Load(ctx, 1, false); err != nil {
		t.Fatal(err)
	}

	s.reply(entries("a", 3), 1, 3, 15)
	if err := c.Load(ctx, 1, false); err != nil {
		t.Fatal(err)
	}
	if got := len(c.Items()); got != 3 {
		t.Fatalf("after replace: %d items, want 3", got)
	}

	s.reply(entries("b", 5), 2, 3, 15)
	if err := c.Load(ctx, 2, true); err != nil {
		t.Fatal(err)
	}
	items := c.Items()
	if len(items) != 8 {
		t.Fatalf("after append: %d items, want 8", len(items))
	}
	want := []string{"a1", "a2", "a3", "b1", "b2", "b3", "b4", "b5"}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("items[%d] = %s, want %s", i, items[i].ID, id)
		}
	}
	if st := c.Snapshot(); st.CurrentPage != 2 || !st.HasMore {
		t.Errorf("state = page %d hasMore %v, want page 2 hasMore true", st.CurrentPage, st.HasMore)
	}
}

func TestLoad_HasMoreDerivation(t *testing.T) {
	tests := []struct {
		name       string
		items      int
		page       int
		totalPages int
		want       bool
	}{
		{name: "last page", items: 2, page: 2, totalPages: 2, want: false},
		{name: "middle page", items: 2, page: 2, totalPages: 5, want: true},
		{name: "no pages", items: 0, page: 1, totalPages: 0, want: false},
		{name: "empty page despite count", items: 0, page: 1, totalPages: 4, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scripted{}
			c := newCollection(s, Options[entry]{})
			s.reply(entries("x", tt.items), tt.page, tt.totalPages, tt.items)
			if err := c.Load(context.Background(), tt.page, false); err != nil {
				t.Fatal(err)
			}
			if got := c.Snapshot().HasMore; got != tt.want {
				t.Errorf("HasMore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoad_GuardDropsSecondCall(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})

	release := make(chan struct{})
	entered := make(chan struct{})
	s.push(func(context.Context) (List[entry], error) {
		close(entered)
		<-release
		return List[entry]{Data: entries("p", 2), Pagination: Page{Page: 1, TotalPages: 2}}, nil
	})

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), 1, false) }()
	<-entered

	before := c.Snapshot()
	if !before.IsLoading {
		t.Fatal("IsLoading should be true during fetch")
	}
	if err := c.Load(context.Background(), 2, true); !errors.Is(err, ErrLoadInProgress) {
		t.Errorf("second Load() = %v, want ErrLoadInProgress", err)
	}
	after := c.Snapshot()
	if len(after.Items) != len(before.Items) || after.CurrentPage != before.CurrentPage {
		t.Errorf("guarded Load changed state: %+v -> %+v", before, after)
	}
	if got := s.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if c.IsLoading() {
		t.Error("IsLoading should be false after fetch")
	}
}

func TestLoad_FailureKeepsLastGoodState(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})
	ctx := context.Background()

	s.reply(entries("k", 4), 1, 3, 12)
	if err := c.Load(ctx, 1, false); err != nil {
		t.Fatal(err)
	}
	s.push(func(context.Context) (List[entry], error) {
		return List[entry]{}, fmt.Errorf("%w: connection reset", api.ErrNetwork)
	})

	if err := c.Load(ctx, 2, true); !errors.Is(err, api.ErrNetwork) {
		t.Fatalf("Load() = %v, want ErrNetwork", err)
	}
	st := c.Snapshot()
	if len(st.Items) != 4 || st.CurrentPage != 1 || !st.HasMore {
		t.Errorf("state corrupted by failure: %+v", st)
	}
	if st.LastError == "" {
		t.Error("LastError should be set")
	}

	// A retry clears the error.
	s.reply(entries("m", 4), 2, 3, 12)
	if err := c.Load(ctx, 2, true); err != nil {
		t.Fatal(err)
	}
	if c.LastError() != "" {
		t.Errorf("LastError = %q after successful retry", c.LastError())
	}
}

func TestLoad_CancellationIsTransparent(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})

	s.reply(entries("k", 3), 1, 2, 6)
	if err := c.Load(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	s.push(func(ctx context.Context) (List[entry], error) {
		close(entered)
		<-ctx.Done()
		return List[entry]{}, api.ErrCancelled
	})

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), 2, true) }()
	<-entered
	c.Cancel()

	if err := <-done; err != nil {
		t.Errorf("cancelled Load() = %v, want nil", err)
	}
	st := c.Snapshot()
	if st.LastError != "" {
		t.Errorf("LastError = %q, want empty", st.LastError)
	}
	if len(st.Items) != 3 || st.IsLoading || st.CurrentPage != 1 {
		t.Errorf("state changed by cancellation: %+v", st)
	}
}

func TestLoad_CancelledLoadClearsLastError(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})

	s.push(func(context.Context) (List[entry], error) {
		return List[entry]{}, api.ErrNetwork
	})
	if err := c.Load(context.Background(), 1, false); err == nil {
		t.Fatal("failing Load() returned nil")
	}
	if c.Snapshot().LastError == "" {
		t.Fatal("LastError not set by failed load")
	}

	entered := make(chan struct{})
	s.push(func(ctx context.Context) (List[entry], error) {
		close(entered)
		<-ctx.Done()
		return List[entry]{}, api.ErrCancelled
	})
	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), 1, false) }()
	<-entered
	c.Cancel()

	if err := <-done; err != nil {
		t.Errorf("cancelled Load() = %v, want nil", err)
	}
	if st := c.Snapshot(); st.LastError != "" {
		t.Errorf("LastError = %q, want it cleared by the cancelled load", st.LastError)
	}
}

func TestSetFilter_ResetsBeforeFetch(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})
	ctx := context.Background()

	s.reply(entries("k1-", 5), 2, 4, 20)
	if err := c.Load(ctx, 2, false); err != nil {
		t.Fatal(err)
	}

	var seen State[entry, string]
	s.push(func(context.Context) (List[entry], error) {
		seen = c.Snapshot()
		return List[entry]{Data: entries("k2-", 2), Pagination: Page{Page: 1, TotalPages: 1, Total: 2}}, nil
	})

	if err := c.SetFilter(ctx, "k2"); err != nil {
		t.Fatal(err)
	}
	if len(seen.Items) != 0 || seen.CurrentPage != 1 || seen.Filter != "k2" || seen.LastError != "" {
		t.Errorf("state during first fetch after filter change = %+v", seen)
	}
	if s.filters[len(s.filters)-1] != "k2" || s.pages[len(s.pages)-1] != 1 {
		t.Errorf("fetch used filter %q page %d", s.filters[len(s.filters)-1], s.pages[len(s.pages)-1])
	}
	if got := len(c.Items()); got != 2 {
		t.Errorf("items after filter change = %d, want 2", got)
	}

	// Same key is a no-op.
	calls := s.calls.Load()
	if err := c.SetFilter(ctx, "k2"); err != nil {
		t.Fatal(err)
	}
	if s.calls.Load() != calls {
		t.Error("SetFilter with the current key should not fetch")
	}
}

func TestSetFilter_DiscardsStaleInFlightResult(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})

	entered := make(chan struct{})
	release := make(chan struct{})
	s.push(func(context.Context) (List[entry], error) {
		close(entered)
		<-release
		return List[entry]{Data: entries("stale", 4), Pagination: Page{Page: 1, TotalPages: 9}}, nil
	})
	s.reply(entries("fresh", 1), 1, 1, 1)

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), 1, false) }()
	<-entered

	if err := c.SetFilter(context.Background(), "other"); err != nil {
		t.Fatal(err)
	}
	close(release)
	<-done

	items := c.Items()
	if len(items) != 1 || items[0].ID != "fresh1" {
		t.Errorf("items = %+v, stale result leaked", items)
	}
}

func TestLoadMore_Trigger(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})
	ctx := context.Background()

	if err := c.LoadMore(ctx, "anything"); err != nil || s.calls.Load() != 0 {
		t.Fatalf("LoadMore on empty list fetched (err %v)", err)
	}

	s.reply(entries("p1-", 3), 1, 2, 5)
	if err := c.Load(ctx, 1, false); err != nil {
		t.Fatal(err)
	}

	if err := c.LoadMore(ctx, "p1-2"); err != nil {
		t.Fatal(err)
	}
	if s.calls.Load() != 1 {
		t.Error("LoadMore for a non-last item should not fetch")
	}

	s.reply(entries("p2-", 2), 2, 2, 5)
	if err := c.LoadMore(ctx, "p1-3"); err != nil {
		t.Fatal(err)
	}
	if s.pages[len(s.pages)-1] != 2 {
		t.Errorf("LoadMore requested page %d, want 2", s.pages[len(s.pages)-1])
	}
	st := c.Snapshot()
	if len(st.Items) != 5 || st.HasMore {
		t.Errorf("after last page: %d items hasMore %v", len(st.Items), st.HasMore)
	}

	calls := s.calls.Load()
	if err := c.LoadMore(ctx, "p2-2"); err != nil {
		t.Fatal(err)
	}
	if s.calls.Load() != calls {
		t.Error("LoadMore past the last page should not fetch")
	}
}

func TestLoad_SortNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(id string, day int) entry { return entry{ID: id, Created: base.AddDate(0, 0, day)} }

	s := &scripted{}
	c := newCollection(s, Options[entry]{SortKey: func(e entry) time.Time { return e.Created }})
	ctx := context.Background()

	s.reply([]entry{at("a", 1), at("b", 5), at("c", 3)}, 1, 2, 6)
	if err := c.Load(ctx, 1, false); err != nil {
		t.Fatal(err)
	}
	s.reply([]entry{at("d", 4), at("e", 0), at("f", 5)}, 2, 2, 6)
	if err := c.Load(ctx, 2, true); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, e := range c.Items() {
		got = append(got, e.ID)
	}
	want := []string{"b", "f", "d", "c", "a", "e"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v (stable, newest first)", got, want)
	}
}

func TestLoad_EmptyFirstPageFiresHandlerOnce(t *testing.T) {
	var fired atomic.Int32
	s := &scripted{}
	c := newCollection(s, Options[entry]{OnEmpty: func() { fired.Add(1) }})
	ctx := context.Background()

	s.reply(nil, 1, 0, 0)
	if err := c.Load(ctx, 1, false); err != nil {
		t.Fatalf("empty page should not error: %v", err)
	}
	if fired.Load() != 1 {
		t.Errorf("OnEmpty calls = %d, want 1", fired.Load())
	}
	if st := c.Snapshot(); st.HasMore || st.LastError != "" {
		t.Errorf("state after empty page = %+v", st)
	}

	s.reply(entries("x", 1), 1, 1, 1)
	if err := c.Load(ctx, 1, false); err != nil {
		t.Fatal(err)
	}
	if fired.Load() != 1 {
		t.Errorf("OnEmpty fired for a non-empty list")
	}
}

func TestMutateLocal(t *testing.T) {
	s := &scripted{}
	c := newCollection(s, Options[entry]{})
	ctx := context.Background()

	s.reply(entries("t", 3), 1, 1, 3)
	if err := c.Load(ctx, 1, false); err != nil {
		t.Fatal(err)
	}

	if !c.Remove("t2") {
		t.Error("Remove(t2) = false")
	}
	if c.Remove("missing") {
		t.Error("Remove(missing) = true")
	}
	if !c.Replace("t3", entry{ID: "t3", Created: time.Unix(42, 0)}) {
		t.Error("Replace(t3) = false")
	}

	items := c.Items()
	if len(items) != 2 || items[0].ID != "t1" || items[1].Created.Unix() != 42 {
		t.Errorf("items = %+v", items)
	}
	if s.calls.Load() != 1 {
		t.Error("local mutations must not fetch")
	}

	s.reply([]entry{{ID: "new"}, {ID: "t1"}, {ID: "t3"}}, 1, 1, 3)
	done := c.PrependAndReconcile(ctx, entry{ID: "new-local"})
	if got := c.Items()[0].ID; got != "new-local" && got != "new" {
		t.Errorf("head after create = %s", got)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	items = c.Items()
	if len(items) != 3 || items[0].ID != "new" {
		t.Errorf("items after reconcile = %+v", items)
	}
}

func TestInvalidate(t *testing.T) {
	s := &scripted{}
	c := New(s.fetch, entryID, "budget-1", Options[entry]{})

	s.reply(entries("t", 3), 1, 2, 6)
	if err := c.Load(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}
	c.Invalidate()

	st := c.Snapshot()
	if len(st.Items) != 0 || st.CurrentPage != 1 || !st.HasMore || st.Filter != "budget-1" {
		t.Errorf("state after Invalidate = %+v", st)
	}
}
