package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/pairs"
)

// =============================================================================
// Store and Vendor Operations
// =============================================================================

// target is the shared row shape of stores and vendors
type target struct {
	ID        string
	Name      string
	Active    bool
	Connected bool
}

// CreateStore inserts a store
func (db *DB) CreateStore(ctx context.Context, s pairs.Store) error {
	return db.createTarget(ctx, "stores", target(s))
}

// CreateVendor inserts a vendor
func (db *DB) CreateVendor(ctx context.Context, v pairs.Vendor) error {
	return db.createTarget(ctx, "vendors", target(v))
}

func (db *DB) createTarget(ctx context.Context, table string, t target) error {
	query := `INSERT INTO ` + table + ` (id, name, is_active, is_connected, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query, t.ID, t.Name, t.Active, t.Connected, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, constraintError(err))
	}
	return nil
}

// FindStores returns the stores with the given ids in the order requested, or
// every store ordered by id when ids is empty. The active and connected
// filters apply in both cases.
func (db *DB) FindStores(ctx context.Context, ids []string, activeOnly, connectedOnly bool) ([]pairs.Store, error) {
	rows, err := db.findTargets(ctx, "stores", ids, activeOnly, connectedOnly)
	if err != nil {
		return nil, err
	}

	stores := make([]pairs.Store, len(rows))
	for i, t := range rows {
		stores[i] = pairs.Store(t)
	}
	return stores, nil
}

// FindVendors is FindStores for vendors
func (db *DB) FindVendors(ctx context.Context, ids []string, activeOnly, connectedOnly bool) ([]pairs.Vendor, error) {
	rows, err := db.findTargets(ctx, "vendors", ids, activeOnly, connectedOnly)
	if err != nil {
		return nil, err
	}

	vendors := make([]pairs.Vendor, len(rows))
	for i, t := range rows {
		vendors[i] = pairs.Vendor(t)
	}
	return vendors, nil
}

func (db *DB) findTargets(ctx context.Context, table string, ids []string, activeOnly, connectedOnly bool) ([]target, error) {
	var (
		where []string
		args  []any
	)
	if len(ids) > 0 {
		where = append(where, "id IN ("+placeholders(len(ids))+")")
		for _, id := range ids {
			args = append(args, id)
		}
	}
	if activeOnly {
		where = append(where, "is_active = 1")
	}
	if connectedOnly {
		where = append(where, "is_connected = 1")
	}

	query := `SELECT id, name, is_active, is_connected FROM ` + table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var result []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.ID, &t.Name, &t.Active, &t.Connected); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		result = inRequestOrder(result, ids)
	}
	return result, nil
}

// inRequestOrder sorts found rows by the position of their id in ids
func inRequestOrder(found []target, ids []string) []target {
	byID := make(map[string]target, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}

	ordered := make([]target, 0, len(found))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
			delete(byID, id)
		}
	}
	return ordered
}

// =============================================================================
// Product Mapping Operations
// =============================================================================

// Mapping links a vendor base SKU to a store product
type Mapping struct {
	StoreID        string
	VendorID       string
	VendorBaseSku  string
	StoreProductID string
	Active         bool
}

// CreateMapping inserts a product mapping
func (db *DB) CreateMapping(ctx context.Context, m Mapping) error {
	query := `
		INSERT INTO product_mappings (store_id, vendor_id, vendor_base_sku, store_product_id, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query, m.StoreID, m.VendorID, m.VendorBaseSku, m.StoreProductID, m.Active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert mapping %s/%s/%s: %w", m.StoreID, m.VendorID, m.VendorBaseSku, constraintError(err))
	}
	return nil
}

// CountActive counts active product mappings between a store and a vendor
func (db *DB) CountActive(ctx context.Context, storeID, vendorID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM product_mappings
		WHERE store_id = ? AND vendor_id = ? AND is_active = 1
	`

	var count int
	if err := db.QueryRowContext(ctx, query, storeID, vendorID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return count, nil
}

// ActiveMappings returns store product ids keyed by uppercased vendor base SKU
func (db *DB) ActiveMappings(ctx context.Context, storeID, vendorID string) (map[string]string, error) {
	query := `
		SELECT vendor_base_sku, store_product_id FROM product_mappings
		WHERE store_id = ? AND vendor_id = ? AND is_active = 1
	`

	rows, err := db.QueryContext(ctx, query, storeID, vendorID)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var sku, productID string
		if err := rows.Scan(&sku, &productID); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		result[strings.ToUpper(sku)] = productID
	}
	return result, rows.Err()
}

var _ pairs.MappingCounter = (*DB)(nil)
