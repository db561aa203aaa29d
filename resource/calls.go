package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pocketbudget/budget-cli/api"
	"github.com/pocketbudget/budget-cli/paging"
)

// Lister returns a page fetcher for kind. An empty filter is not sent.
func Lister(p *api.Pipeline, kind Kind) paging.Fetcher[Item, string] {
	return func(ctx context.Context, page int, filter string) (paging.List[Item], error) {
		ep := api.Get(kind.Path).WithQuery("page", strconv.Itoa(page))
		if filter != "" && kind.Filterable() {
			ep = ep.WithQuery(kind.FilterParam, filter)
		}
		return api.Do[paging.List[Item]](ctx, p, ep)
	}
}

// Create posts body to kind's collection path and returns the created item.
// A response wrapped in a data envelope is unwrapped.
func Create(ctx context.Context, p *api.Pipeline, kind Kind, body any) (Item, error) {
	return send(ctx, p, api.Post(kind.Path).WithBody(body))
}

// Update applies a partial update to the item with the given id.
func Update(ctx context.Context, p *api.Pipeline, kind Kind, id string, patch *Patch) (Item, error) {
	body, err := patch.Body()
	if err != nil {
		return Item{}, err
	}
	return send(ctx, p, api.Patch(kind.ItemPath(id)).WithBody(body))
}

func Delete(ctx context.Context, p *api.Pipeline, kind Kind, id string) error {
	return p.Execute(ctx, api.Delete(kind.ItemPath(id)), nil)
}

func send(ctx context.Context, p *api.Pipeline, ep api.Endpoint) (Item, error) {
	raw, err := api.Do[json.RawMessage](ctx, p, ep)
	if err != nil {
		return Item{}, err
	}
	if data := gjson.GetBytes(raw, "data"); data.IsObject() {
		return NewItem([]byte(data.Raw)), nil
	}
	return NewItem(raw), nil
}

// Patch builds a partial-update body holding only the fields that were set.
// Unset fields are absent, never null.
type Patch struct {
	body []byte
	err  error
}

func NewPatch() *Patch {
	return &Patch{body: []byte("{}")}
}

// Set stores value at an sjson path such as "amount" or "meta.note". The
// first error sticks and is reported by Body.
func (p *Patch) Set(path string, value any) *Patch {
	if p.err != nil {
		return p
	}
	body, err := sjson.SetBytes(p.body, path, value)
	if err != nil {
		p.err = fmt.Errorf("patch %s: %w", path, err)
		return p
	}
	p.body = body
	return p
}

// SetIf stores value only when ok is true. It suits optional form fields.
func (p *Patch) SetIf(ok bool, path string, value any) *Patch {
	if !ok {
		return p
	}
	return p.Set(path, value)
}

// Delete removes a field set earlier.
func (p *Patch) Delete(path string) *Patch {
	if p.err != nil {
		return p
	}
	body, err := sjson.DeleteBytes(p.body, path)
	if err != nil {
		p.err = fmt.Errorf("patch %s: %w", path, err)
		return p
	}
	p.body = body
	return p
}

// Empty reports whether no field is set.
func (p *Patch) Empty() bool {
	return len(gjson.ParseBytes(p.body).Map()) == 0
}

func (p *Patch) Body() (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage("{}"), nil
	}
	if p.err != nil {
		return nil, p.err
	}
	return json.RawMessage(p.body), nil
}
