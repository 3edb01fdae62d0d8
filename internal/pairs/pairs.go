// Package pairs expands stores and vendors into the store/vendor pairs a
// sync run executes.
package pairs

import (
	"context"
	"errors"
	"fmt"

	"github.com/livinlefevreloca/stocksync/internal/failure"
)

// ErrNoSyncPairs is returned when no store/vendor combination qualifies
var ErrNoSyncPairs = errors.New("no sync pairs found")

// Store is a storefront that inventory is synced into
type Store struct {
	ID        string
	Name      string
	Active    bool
	Connected bool
}

// Vendor is an external feed that inventory is synced from
type Vendor struct {
	ID        string
	Name      string
	Active    bool
	Connected bool
}

// SyncPair is one store/vendor combination selected for execution
type SyncPair struct {
	StoreID      string `json:"storeId"`
	VendorID     string `json:"vendorId"`
	StoreName    string `json:"storeName"`
	VendorName   string `json:"vendorName"`
	MappingCount int    `json:"mappingCount"`
}

// MappingCounter counts active product mappings between a store and a vendor
type MappingCounter interface {
	CountActive(ctx context.Context, storeID, vendorID string) (int, error)
}

// Generate returns the pairs to sync in store-major order: every vendor of the
// first store, then every vendor of the second, and so on. A pair is kept when
// it has at least one active mapping or includeUnmapped is set.
//
// An empty result is returned as a validation error wrapping ErrNoSyncPairs.
func Generate(ctx context.Context, stores []Store, vendors []Vendor, includeUnmapped bool, counter MappingCounter) ([]SyncPair, error) {
	result := make([]SyncPair, 0, len(stores)*len(vendors))

	for _, store := range stores {
		for _, vendor := range vendors {
			count, err := counter.CountActive(ctx, store.ID, vendor.ID)
			if err != nil {
				return nil, fmt.Errorf("count mappings for store %s / vendor %s: %w", store.ID, vendor.ID, err)
			}

			if count <= 0 && !includeUnmapped {
				continue
			}

			result = append(result, SyncPair{
				StoreID:      store.ID,
				VendorID:     vendor.ID,
				StoreName:    store.Name,
				VendorName:   vendor.Name,
				MappingCount: count,
			})
		}
	}

	if len(result) == 0 {
		return nil, failure.Validation(ErrNoSyncPairs)
	}

	return result, nil
}
