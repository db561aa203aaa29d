package paging

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/pocketbudget/budget-cli/api"
)

// ErrLoadInProgress is returned by Load when a fetch is already outstanding.
// The request is dropped, not queued.
var ErrLoadInProgress = errors.New("paging: load already in progress")

// Options tune a Collection. The zero value keeps server order and reports
// errors with api.UserMessage.
type Options[T any] struct {
	// SortKey orders items newest first, stably, after every load.
	SortKey func(T) time.Time
	// OnEmpty runs when the first page reports zero items in total.
	OnEmpty func()
	// Message turns a failed load into the text stored as LastError.
	Message func(error) string
}

// State is a point-in-time copy of a collection.
type State[T any, K comparable] struct {
	Items       []T
	CurrentPage int
	HasMore     bool
	IsLoading   bool
	LastError   string
	Filter      K
	Total       int
	TotalUnread *int
}

// Collection backs one infinite-scroll list. It allows a single outstanding
// fetch at a time; items are appended on "load more" and replaced wholesale
// on refresh.
type Collection[T any, K comparable] struct {
	fetch Fetcher[T, K]
	idOf  func(T) string
	opts  Options[T]

	mu          sync.Mutex
	items       []T
	currentPage int
	hasMore     bool
	loading     bool
	lastError   string
	filter      K
	total       int
	unread      *int
	cancel      context.CancelFunc

	// gen changes on every reset; a fetch that started under an older
	// generation must not write its result.
	gen uint64
}

// New returns an empty collection that lists with fetch under filter.
func New[T any, K comparable](fetch Fetcher[T, K], idOf func(T) string, filter K, opts Options[T]) *Collection[T, K] {
	if opts.Message == nil {
		opts.Message = api.UserMessage
	}
	return &Collection[T, K]{
		fetch:       fetch,
		idOf:        idOf,
		opts:        opts,
		filter:      filter,
		currentPage: 1,
		hasMore:     true,
	}
}

// Load fetches page and either appends its items or replaces the list with
// them. A cancelled fetch is not an error and leaves items and paging as
// they were; the previous load error is cleared when the fetch starts.
func (c *Collection[T, K]) Load(ctx context.Context, page int, appendItems bool) error {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrLoadInProgress
	}
	c.loading = true
	c.lastError = ""
	gen := c.gen
	filter := c.filter
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	list, err := c.fetch(ctx, page, filter)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.loading = false
	c.cancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.mu.Unlock()
			return nil
		}
		c.lastError = c.opts.Message(err)
		c.mu.Unlock()
		return err
	}

	if appendItems {
		c.items = append(c.items, list.Data...)
	} else {
		c.items = slices.Clone(list.Data)
	}
	c.sortLocked()

	meta := list.Pagination
	c.currentPage = meta.Page
	if c.currentPage == 0 {
		c.currentPage = page
	}
	c.hasMore = meta.HasMore() && len(list.Data) > 0
	c.total = meta.Total
	c.unread = meta.TotalUnread

	empty := !appendItems && page == 1 && meta.Total == 0 && len(list.Data) == 0
	c.mu.Unlock()

	if empty && c.opts.OnEmpty != nil {
		c.opts.OnEmpty()
	}
	return nil
}

// LoadMore loads the next page when triggeringID is the last item shown and
// the server reported more pages. Otherwise it does nothing.
func (c *Collection[T, K]) LoadMore(ctx context.Context, triggeringID string) error {
	c.mu.Lock()
	if !c.hasMore || len(c.items) == 0 || c.idOf(c.items[len(c.items)-1]) != triggeringID {
		c.mu.Unlock()
		return nil
	}
	next := c.currentPage + 1
	c.mu.Unlock()

	return c.Load(ctx, next, true)
}

// Reload replaces the list with a fresh first page.
func (c *Collection[T, K]) Reload(ctx context.Context) error {
	return c.Load(ctx, 1, false)
}

// SetFilter switches the list to key. A different key discards the current
// items and any in-flight fetch before the first page is requested.
func (c *Collection[T, K]) SetFilter(ctx context.Context, key K) error {
	c.mu.Lock()
	if key == c.filter {
		c.mu.Unlock()
		return nil
	}
	c.resetLocked()
	c.filter = key
	c.mu.Unlock()

	return c.Load(ctx, 1, false)
}

// Invalidate drops all items and abandons any in-flight fetch. The filter is
// kept.
func (c *Collection[T, K]) Invalidate() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
}

// Cancel abandons the in-flight fetch, if any. Items and paging are left as
// they were before that fetch started; its start already cleared the last
// load error.
func (c *Collection[T, K]) Cancel() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

func (c *Collection[T, K]) resetLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.items = nil
	c.currentPage = 1
	c.hasMore = true
	c.loading = false
	c.lastError = ""
	c.total = 0
	c.unread = nil
}

func (c *Collection[T, K]) sortLocked() {
	if c.opts.SortKey == nil {
		return
	}
	key := c.opts.SortKey
	slices.SortStableFunc(c.items, func(a, b T) int {
		return key(b).Compare(key(a))
	})
}

// MutateLocal patches items in place without contacting the server. For
// every item match accepts, transform returns its replacement and whether to
// keep it. It returns the number of matched items.
func (c *Collection[T, K]) MutateLocal(match func(T) bool, transform func(T) (T, bool)) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	kept := c.items[:0:0]
	for _, item := range c.items {
		if !match(item) {
			kept = append(kept, item)
			continue
		}
		n++
		if next, keep := transform(item); keep {
			kept = append(kept, next)
		}
	}
	c.items = kept
	return n
}

// Prepend inserts a newly created item at the head of the list.
func (c *Collection[T, K]) Prepend(item T) {
	c.mu.Lock()
	c.items = append([]T{item}, c.items...)
	c.mu.Unlock()
}

// PrependAndReconcile inserts item at the head right away, then reloads the
// first page in the background so server-assigned fields replace the local
// copy. The channel yields the reload's result.
func (c *Collection[T, K]) PrependAndReconcile(ctx context.Context, item T) <-chan error {
	c.Prepend(item)

	done := make(chan error, 1)
	go func() {
		done <- c.Reload(ctx)
		close(done)
	}()
	return done
}

// Replace swaps the item with the given id for item.
func (c *Collection[T, K]) Replace(id string, item T) bool {
	return c.MutateLocal(
		func(t T) bool { return c.idOf(t) == id },
		func(T) (T, bool) { return item, true },
	) > 0
}

// Remove deletes the item with the given id. No reload follows.
func (c *Collection[T, K]) Remove(id string) bool {
	return c.MutateLocal(
		func(t T) bool { return c.idOf(t) == id },
		func(t T) (T, bool) { return t, false },
	) > 0
}

// Snapshot returns a copy of the current state.
func (c *Collection[T, K]) Snapshot() State[T, K] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State[T, K]{
		Items:       slices.Clone(c.items),
		CurrentPage: c.currentPage,
		HasMore:     c.hasMore,
		IsLoading:   c.loading,
		LastError:   c.lastError,
		Filter:      c.filter,
		Total:       c.total,
		TotalUnread: c.unread,
	}
}

func (c *Collection[T, K]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

func (c *Collection[T, K]) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Collection[T, K]) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}
