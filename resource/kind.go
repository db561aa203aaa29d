// Package resource describes the backend's list endpoints and the calls
// that create, update and delete their items.
package resource

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Kind is one listable backend resource.
type Kind struct {
	Name string
	Path string
	// FilterParam is the query parameter the list filter is sent as. Empty
	// means the list takes no filter.
	FilterParam string
}

var (
	Budgets               = Kind{Name: "budgets", Path: "/budgets"}
	Transactions          = Kind{Name: "transactions", Path: "/transactions", FilterParam: "budget_id"}
	RecurringTransactions = Kind{Name: "recurring-transactions", Path: "/recurring-transactions", FilterParam: "budget_id"}
	Notifications         = Kind{Name: "notifications", Path: "/notifications"}
	Chats                 = Kind{Name: "chats", Path: "/chats"}
	Categories            = Kind{Name: "categories", Path: "/categories"}
)

// Kinds lists every known kind in display order.
func Kinds() []Kind {
	return []Kind{Budgets, Transactions, RecurringTransactions, Notifications, Chats, Categories}
}

// KindByName looks a kind up by its name, case-insensitively.
func KindByName(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	i := slices.IndexFunc(Kinds(), func(k Kind) bool { return k.Name == name })
	if i < 0 {
		names := make([]string, 0, len(Kinds()))
		for _, k := range Kinds() {
			names = append(names, k.Name)
		}
		return Kind{}, fmt.Errorf("unknown resource %q (want one of %s)", name, strings.Join(names, ", "))
	}
	return Kinds()[i], nil
}

// Filterable reports whether lists of k accept a filter.
func (k Kind) Filterable() bool { return k.FilterParam != "" }

// ItemPath is the path of one item of k.
func (k Kind) ItemPath(id string) string {
	return k.Path + "/" + url.PathEscape(id)
}

func (k Kind) String() string { return k.Name }
