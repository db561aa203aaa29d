package resource

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Item is a backend object kept as the raw JSON the server sent. The client
// only needs its id and creation time; everything else passes through.
type Item struct {
	raw json.RawMessage
}

// NewItem wraps raw. It does not validate it.
func NewItem(raw []byte) Item {
	return Item{raw: append(json.RawMessage(nil), raw...)}
}

func (i Item) ID() string { return gjson.GetBytes(i.raw, "id").String() }

// CreatedAt parses created_at as RFC 3339. A missing or malformed value is
// the zero time, which sorts last.
func (i Item) CreatedAt() time.Time {
	v := gjson.GetBytes(i.raw, "created_at")
	if !v.Exists() {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String())
	if err != nil {
		return time.Time{}
	}
	return t
}

// Get returns the field at a gjson path.
func (i Item) Get(path string) gjson.Result { return gjson.GetBytes(i.raw, path) }

// Raw returns the JSON the item was built from.
func (i Item) Raw() json.RawMessage { return i.raw }

func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.raw) == 0 {
		return []byte("null"), nil
	}
	return i.raw, nil
}

func (i *Item) UnmarshalJSON(data []byte) error {
	i.raw = append(i.raw[:0:0], data...)
	return nil
}

// Title is a short label for listings. It falls back to the id.
func (i Item) Title() string {
	for _, path := range []string{"name", "title", "message", "description"} {
		if v := i.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return i.ID()
}
