package upstream

import (
	"github.com/xenking/orderdesk-bridge/internal/fault"
)

// Family describes one upstream resource collection: its URL path segment
// and the envelope keys the API may wrap responses in.
type Family struct {
	// Name is the caller-facing identifier, e.g. "orders".
	Name string
	// Path is the URL path segment, e.g. "orders" or "inventory-items".
	Path string
	// ListKey is the envelope key for list responses ("orders").
	ListKey string
	// ItemKey is the envelope key for single-resource responses ("order").
	ItemKey string
	// Singleton marks a family with exactly one, read-only resource. The
	// URL path carries no id and mutations are rejected before any
	// upstream call.
	Singleton bool
}

// Resource families exposed by the upstream order-management API.
var (
	Orders = Family{
		Name:    "orders",
		Path:    "orders",
		ListKey: "orders",
		ItemKey: "order",
	}
	InventoryItems = Family{
		Name:    "inventory-items",
		Path:    "inventory-items",
		ListKey: "inventory_items",
		ItemKey: "inventory_item",
	}
	// Store is the store settings and folder list, a single document per
	// store rather than a collection.
	Store = Family{
		Name:      "store",
		Path:      "store",
		ItemKey:   "store",
		Singleton: true,
	}
)

var families = map[string]Family{
	Orders.Name:         Orders,
	InventoryItems.Name: InventoryItems,
	Store.Name:          Store,
}

// FamilyByName resolves a caller-supplied family name, failing with a
// field-level validation error for unknown values.
func FamilyByName(name string) (Family, error) {
	f, ok := families[name]
	if !ok {
		return Family{}, &fault.Validation{
			Message: "unknown resource family",
			Fields:  map[string]string{"family": "must be one of: orders, inventory-items, store"},
		}
	}
	return f, nil
}
