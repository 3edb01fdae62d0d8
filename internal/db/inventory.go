package db

import (
	"context"
	"fmt"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/ingest"
)

// =============================================================================
// Vendor Feed and Inventory Operations
// =============================================================================

// ReplaceVariants stages a fresh vendor feed, replacing the previous one
func (db *DB) ReplaceVariants(ctx context.Context, vendorID string, variants []ingest.Variant) error {
	now := time.Now().UTC()

	return db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vendor_variants WHERE vendor_id = ?`, vendorID); err != nil {
			return fmt.Errorf("clear variants of vendor %s: %w", vendorID, err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO vendor_variants (vendor_id, base_sku, color, size, quantity, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, v := range variants {
			if _, err := stmt.ExecContext(ctx, vendorID, v.BaseSku, v.Color, v.Size, v.Quantity, now); err != nil {
				return fmt.Errorf("stage variant %s: %w", v.BaseSku, err)
			}
		}
		return nil
	})
}

// FetchVariants returns the staged feed of a vendor in staging order
func (db *DB) FetchVariants(ctx context.Context, vendorID string) ([]ingest.Variant, error) {
	query := `
		SELECT vendor_id, base_sku, color, size, quantity FROM vendor_variants
		WHERE vendor_id = ?
		ORDER BY id
	`

	rows, err := db.QueryContext(ctx, query, vendorID)
	if err != nil {
		return nil, fmt.Errorf("query variants of vendor %s: %w", vendorID, err)
	}
	defer rows.Close()

	var result []ingest.Variant
	for rows.Next() {
		var v ingest.Variant
		if err := rows.Scan(&v.VendorID, &v.BaseSku, &v.Color, &v.Size, &v.Quantity); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// WriteInventory upserts one chunk of inventory levels atomically
func (db *DB) WriteInventory(ctx context.Context, levels []ingest.InventoryLevel) error {
	now := time.Now().UTC()

	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO store_inventory (store_id, variant_sku, vendor_id, store_product_id, quantity, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (store_id, variant_sku) DO UPDATE SET
				vendor_id = excluded.vendor_id,
				store_product_id = excluded.store_product_id,
				quantity = excluded.quantity,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, l := range levels {
			_, err := stmt.ExecContext(ctx, l.StoreID, l.VariantSku, l.VendorID, l.StoreProductID, l.Quantity, now)
			if err != nil {
				return fmt.Errorf("write inventory %s/%s: %w", l.StoreID, l.VariantSku, err)
			}
		}
		return nil
	})
}

// StoreInventory returns the inventory of a store ordered by SKU
func (db *DB) StoreInventory(ctx context.Context, storeID string) ([]ingest.InventoryLevel, error) {
	query := `
		SELECT store_id, vendor_id, store_product_id, variant_sku, quantity FROM store_inventory
		WHERE store_id = ?
		ORDER BY variant_sku
	`

	rows, err := db.QueryContext(ctx, query, storeID)
	if err != nil {
		return nil, fmt.Errorf("query inventory of store %s: %w", storeID, err)
	}
	defer rows.Close()

	var result []ingest.InventoryLevel
	for rows.Next() {
		var l ingest.InventoryLevel
		if err := rows.Scan(&l.StoreID, &l.VendorID, &l.StoreProductID, &l.VariantSku, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

var (
	_ ingest.FeedSource      = (*DB)(nil)
	_ ingest.MappingLookup   = (*DB)(nil)
	_ ingest.InventoryWriter = (*DB)(nil)
)
