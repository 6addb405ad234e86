package filter

import (
	"testing"

	"whale-alerts/pkg/types"
)

func baseTrade() types.Trade {
	return types.Trade{
		TxHash:      "0xabc",
		Side:        types.BUY,
		Size:        2000,
		Price:       0.5, // notional 1000
		ConditionID: "m1",
		Timestamp:   1700000000,
	}
}

func baseFilter() types.UserFilter {
	return types.UserFilter{
		UserID:         "u1",
		ChatID:         "c1",
		Enabled:        true,
		MinNotionalUSD: 1000,
		MinPrice:       0.1,
		MaxPrice:       0.9,
		Sides:          []types.Side{types.BUY, types.SELL},
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	market := &types.MarketMetadata{
		ConditionID: "m1",
		Categories:  []string{"Politics", "Elections"},
	}

	cases := []struct {
		name   string
		mutate func(*types.Trade, *types.UserFilter)
		want   bool
	}{
		{"all pass", func(tr *types.Trade, f *types.UserFilter) {}, true},
		{"disabled", func(tr *types.Trade, f *types.UserFilter) { f.Enabled = false }, false},
		{"notional below min", func(tr *types.Trade, f *types.UserFilter) { tr.Size = 1999 }, false},
		{"notional exactly min", func(tr *types.Trade, f *types.UserFilter) { tr.Size = 2000 }, true},
		{"price below min", func(tr *types.Trade, f *types.UserFilter) { tr.Price = 0.09; f.MinNotionalUSD = 0 }, false},
		{"price exactly min", func(tr *types.Trade, f *types.UserFilter) { tr.Price = 0.1; f.MinNotionalUSD = 0 }, true},
		{"price exactly max", func(tr *types.Trade, f *types.UserFilter) { tr.Price = 0.9; f.MinNotionalUSD = 0 }, true},
		{"price above max", func(tr *types.Trade, f *types.UserFilter) { tr.Price = 0.91; f.MinNotionalUSD = 0 }, false},
		{"side excluded", func(tr *types.Trade, f *types.UserFilter) { f.Sides = []types.Side{types.SELL} }, false},
		{"markets filter hit", func(tr *types.Trade, f *types.UserFilter) { f.MarketsFilter = []string{"m0", "m1"} }, true},
		{"markets filter miss", func(tr *types.Trade, f *types.UserFilter) { f.MarketsFilter = []string{"m0"} }, false},
		{"categories overlap", func(tr *types.Trade, f *types.UserFilter) { f.SelectedCategories = []string{"Elections"} }, true},
		{"categories disjoint", func(tr *types.Trade, f *types.UserFilter) { f.SelectedCategories = []string{"Crypto"} }, false},
		{"empty categories match all", func(tr *types.Trade, f *types.UserFilter) { f.SelectedCategories = nil }, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			trade := baseTrade()
			f := baseFilter()
			tc.mutate(&trade, &f)
			if got := Match(trade, market, f); got != tc.want {
				t.Errorf("Match() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchUncategorizedMarket(t *testing.T) {
	t.Parallel()

	bare := &types.MarketMetadata{ConditionID: "m1"}
	f := baseFilter()
	f.SelectedCategories = []string{"Politics"}

	if Match(baseTrade(), bare, f) {
		t.Error("category filter matched a market with no categories")
	}

	f.SelectedCategories = nil
	if !Match(baseTrade(), bare, f) {
		t.Error("filter without categories should match an uncategorized market")
	}
}
