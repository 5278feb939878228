// Package commerce abstracts the local commerce store the reconciler
// writes into. Records are keyed by an externally-visible numeric id;
// the engine keeps its remote-to-local links as EntityMapping records
// in the KV store, not here.
package commerce

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a local record does not exist.
var ErrNotFound = errors.New("commerce: record not found")

// Product is the local product record the reconciler maintains.
type Product struct {
	ID          int64
	RemoteID    string
	Title       string
	Description string
	Vendor      string
	Status      string
	Price       string
	// AttributeNames is the union of option keys across all variants.
	AttributeNames []string
	AssetIDs       []int64
}

// Variant is a local sub-record of a product.
type Variant struct {
	ID        int64
	ProductID int64
	RemoteID  string
	Title     string
	SKU       string
	Price     string
	Options   map[string]string
	AssetID   int64
}

// Store is the create/update surface of the local commerce system.
type Store interface {
	CreateProduct(ctx context.Context, p *Product) (int64, error)
	UpdateProduct(ctx context.Context, p *Product) error
	CreateVariant(ctx context.Context, v *Variant) (int64, error)
	UpdateVariant(ctx context.Context, v *Variant) error
	// SaveAsset stores fetched image bytes and returns the local asset id.
	SaveAsset(ctx context.Context, sourceURL, contentType string, data []byte) (int64, error)
}
