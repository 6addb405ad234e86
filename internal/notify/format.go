// Package notify formats whale alerts and delivers them to chat recipients
// through a paced, retrying queue.
package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"whale-alerts/pkg/types"
)

const (
	marketURLBase = "https://polymarket.com/event/"
	walletURLBase = "https://polygonscan.com/address/"
)

// FormatAlert renders one matched trade as a Telegram HTML message:
// a headline with side, notional and price, the market title linked to the
// venue, and the trader's wallet linked to the block explorer.
func FormatAlert(trade types.Trade, market *types.MarketMetadata) string {
	var b strings.Builder

	emoji := "🟢"
	if trade.Side == types.SELL {
		emoji = "🔴"
	}
	fmt.Fprintf(&b, "%s <b>%s</b> %s at %s\n",
		emoji, trade.Side, formatUSD(trade.Notional()), formatPrice(trade.Price))

	title := html.EscapeString(market.Title)
	if market.Slug != "" {
		fmt.Fprintf(&b, "<a href=\"%s%s\">%s</a>\n", marketURLBase, market.Slug, title)
	} else {
		b.WriteString(title + "\n")
	}

	if trade.ProxyWallet != "" {
		fmt.Fprintf(&b, "by <a href=\"%s%s\">%s</a>",
			walletURLBase, trade.ProxyWallet, shortWallet(trade.ProxyWallet))
	}

	return strings.TrimRight(b.String(), "\n")
}

// formatUSD renders a dollar amount with thousands separators and two
// decimal places, e.g. $1,234,567.89.
func formatUSD(amount float64) string {
	d := decimal.NewFromFloat(amount).Round(2)
	neg := d.IsNegative()
	d = d.Abs()

	s := d.StringFixed(2)
	intPart, fracPart, _ := strings.Cut(s, ".")

	var groups []string
	for len(intPart) > 3 {
		groups = append([]string{intPart[len(intPart)-3:]}, groups...)
		intPart = intPart[:len(intPart)-3]
	}
	groups = append([]string{intPart}, groups...)

	out := "$" + strings.Join(groups, ",") + "." + fracPart
	if neg {
		out = "-" + out
	}
	return out
}

// formatPrice renders an execution price in cents, dropping a trailing zero
// decimal: 0.485 -> 48.5¢, 0.5 -> 50¢.
func formatPrice(price float64) string {
	cents := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(100)).Round(1)
	if cents.IsInteger() {
		return cents.StringFixed(0) + "¢"
	}
	return cents.StringFixed(1) + "¢"
}

// shortWallet abbreviates a checksummed address for display: 0x8ba1…BA72.
func shortWallet(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
