package ingest

import (
	"strings"
	"unicode"
)

// SkuPrefix marks SKUs generated for vendor variants
const SkuPrefix = "NOXA_"

// GenerateVariantSku builds the variant SKU from a base SKU, color and size.
// Every part is uppercased with all whitespace removed; empty parts are left out.
//
//	GenerateVariantSku("a1241", "Navy Blue", " M ") == "NOXA_A1241-NAVYBLUE-M"
func GenerateVariantSku(base, color, size string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{base, color, size} {
		if p := normalize(part); p != "" {
			parts = append(parts, p)
		}
	}
	return SkuPrefix + strings.Join(parts, "-")
}

func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.ToUpper(s)
}
