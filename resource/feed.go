package resource

import (
	"context"

	"github.com/pocketbudget/budget-cli/paging"
	"github.com/pocketbudget/budget-cli/session"
)

// Collection is the paged list of one kind.
type Collection = paging.Collection[Item, string]

// NewCollection returns a collection of kind tracked by s, so a logout
// empties it. Items are ordered newest first by created_at. An empty
// budgets list flags the account for initial setup.
func NewCollection(s *session.Controller, kind Kind, filter string) (*Collection, func()) {
	opts := paging.Options[Item]{SortKey: Item.CreatedAt}
	if kind == Budgets {
		opts.OnEmpty = func() { s.MarkNeedsInitialSetup() }
	}
	col := paging.New(Lister(s.Pipeline(), kind), Item.ID, filter, opts)
	return col, s.Track(col)
}

// Feed pairs a collection with the calls that change its items, keeping
// the local copy in step with each successful call.
type Feed struct {
	Kind    Kind
	List    *Collection
	session *session.Controller
	untrack func()
}

// NewFeed builds a tracked feed of kind. Close untracks it.
func NewFeed(s *session.Controller, kind Kind, filter string) *Feed {
	col, untrack := NewCollection(s, kind, filter)
	return &Feed{Kind: kind, List: col, session: s, untrack: untrack}
}

func (f *Feed) Close() {
	f.List.Cancel()
	f.untrack()
}

// Create posts body and puts the new item at the head of the list. The
// returned channel yields the result of the follow-up first-page reload.
func (f *Feed) Create(ctx context.Context, body any) (Item, <-chan error, error) {
	item, err := Create(ctx, f.session.Pipeline(), f.Kind, body)
	if err != nil {
		return Item{}, nil, err
	}
	return item, f.List.PrependAndReconcile(ctx, item), nil
}

// Update patches the item and swaps the server's copy into the list. When
// the response carries no object the first page is reloaded instead.
func (f *Feed) Update(ctx context.Context, id string, patch *Patch) (Item, error) {
	item, err := Update(ctx, f.session.Pipeline(), f.Kind, id, patch)
	if err != nil {
		return Item{}, err
	}
	if item.ID() == "" {
		// no object in the response to swap in
		return item, f.List.Reload(ctx)
	}
	f.List.Replace(id, item)
	return item, nil
}

// Delete removes the item on the server, then from this list only.
func (f *Feed) Delete(ctx context.Context, id string) error {
	if err := Delete(ctx, f.session.Pipeline(), f.Kind, id); err != nil {
		return err
	}
	f.List.Remove(id)
	return nil
}
