package model

import "strings"

// Product identifiers follow the exchange convention "BASE-QUOTE",
// e.g. "BTC-USD". Stable quote assets price at exactly 1.0 and never hit
// the product book.

// BaseAsset returns the base leg of a product ID ("BTC-USD" -> "BTC").
// A bare asset name passes through unchanged.
func BaseAsset(productID string) string {
	if i := strings.IndexByte(productID, '-'); i > 0 {
		return productID[:i]
	}
	return productID
}

// StableAsset reports whether the asset is a dollar stable that prices
// at 1.0 without a book lookup.
func StableAsset(asset string) bool {
	switch strings.ToUpper(asset) {
	case "USD", "USDC":
		return true
	}
	return false
}

// BookCandidates returns the product IDs to try, in order, when fetching a
// best bid for an asset. USD books occasionally come back empty; the USDC
// book is the fallback.
func BookCandidates(asset string) []string {
	return []string{asset + "-USD", asset + "-USDC"}
}
