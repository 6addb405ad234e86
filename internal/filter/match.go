// Package filter evaluates trades against per-user alert filters and keeps
// the in-memory snapshot of active filters fresh.
package filter

import (
	"whale-alerts/pkg/types"
)

// Match reports whether a trade on an enriched market satisfies one user's
// filter. Checks run cheapest-first and short-circuit; all numeric bounds
// are inclusive.
func Match(trade types.Trade, market *types.MarketMetadata, f types.UserFilter) bool {
	if !f.Enabled {
		return false
	}
	if trade.Notional() < f.MinNotionalUSD {
		return false
	}
	if trade.Price < f.MinPrice || trade.Price > f.MaxPrice {
		return false
	}
	if !f.HasSide(trade.Side) {
		return false
	}
	if len(f.MarketsFilter) > 0 && !containsString(f.MarketsFilter, trade.ConditionID) {
		return false
	}
	if len(f.SelectedCategories) > 0 && !intersects(f.SelectedCategories, market.Categories) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
