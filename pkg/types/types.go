// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the alerting engine — trades,
// market metadata, user filters, the cursor, and delivery outcomes. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == BUY || s == SELL
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is an executed order on the venue, uniquely identified by its
// transaction hash. Trades are transient: produced by the upstream client,
// consumed by the engine, and persisted nowhere except in the dedup set
// by hash.
type Trade struct {
	TxHash      string // unique transaction hash
	ProxyWallet string // trader's proxy wallet address (hex)
	Side        Side
	Size        float64 // number of shares, >= 0
	Price       float64 // execution price in [0, 1]
	ConditionID string  // market identifier
	Timestamp   int64   // unix seconds
}

// Notional is the dollar value of the trade at its execution price.
func (t Trade) Notional() float64 {
	return t.Size * t.Price
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketMetadata is the cached enrichment record for one market.
// Built from the Gamma API on first miss and refreshed when older than the
// configured TTL. IsSports holds iff the market carries at least one of the
// venue's sports tag ids.
type MarketMetadata struct {
	ConditionID string    `json:"conditionId"`
	Title       string    `json:"title"`
	Slug        string    `json:"slug,omitempty"`
	Tags        []string  `json:"tags"`
	TagIDs      []string  `json:"tagIds"`
	IsSports    bool      `json:"isSports"`
	Categories  []string  `json:"categories"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TagInfo is one entry of the venue's tag dictionary.
type TagInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Slug  string `json:"slug,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// User filters
// ————————————————————————————————————————————————————————————————————————

// FilterConfig is the persisted per-user alert configuration, as saved by
// the web application. It carries no chat routing information; that lives
// on the ChatAccount and is joined in when the active snapshot is built.
type FilterConfig struct {
	UserID             string    `json:"userId"`
	Enabled            bool      `json:"enabled"`
	MinNotionalUSD     float64   `json:"minNotionalUsd"`
	MinPrice           float64   `json:"minPrice"`
	MaxPrice           float64   `json:"maxPrice"`
	Sides              []Side    `json:"sides"`
	SelectedCategories []string  `json:"selectedCategories"` // empty = all
	MarketsFilter      []string  `json:"marketsFilter"`      // condition IDs, empty = all
	UpdatedAt          time.Time `json:"updatedAt"`
}

// UserFilter is one entry of the in-memory snapshot the engine evaluates
// trades against: a FilterConfig joined with its active chat account.
type UserFilter struct {
	UserID             string
	ChatID             string
	Enabled            bool
	MinNotionalUSD     float64
	MinPrice           float64
	MaxPrice           float64
	Sides              []Side
	SelectedCategories []string
	MarketsFilter      []string
}

// HasSide reports whether the filter accepts trades on the given side.
func (f UserFilter) HasSide(s Side) bool {
	for _, fs := range f.Sides {
		if fs == s {
			return true
		}
	}
	return false
}

// ChatAccount links a user to a chat recipient. The engine only reads
// accounts and may flip IsActive to false on a permanent delivery failure;
// it never creates them.
type ChatAccount struct {
	UserID   string    `json:"userId"`
	ChatID   string    `json:"chatId"`
	IsActive bool      `json:"isActive"`
	LinkedAt time.Time `json:"linkedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Cursor
// ————————————————————————————————————————————————————————————————————————

// Cursor is the persisted marker of the newest processed trade. It is
// informational across restarts — the dedup set, not the cursor, is the
// authoritative guard against reprocessing.
type Cursor struct {
	LastTimestamp int64     `json:"lastTimestamp"`
	LastTxHash    string    `json:"lastTxHash"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Delivery outcomes
// ————————————————————————————————————————————————————————————————————————

// SendOutcome classifies the result of one chat-platform send attempt.
type SendOutcome int

const (
	// Delivered: the platform accepted the message.
	Delivered SendOutcome = iota
	// RateLimited: the platform asked us to back off; RetryAfter is set.
	RateLimited
	// PermanentReject: the recipient is gone (blocked the bot or invalid
	// chat id). The account should be deactivated.
	PermanentReject
	// TransientError: anything else; worth a bounded retry.
	TransientError
)

// String implements fmt.Stringer for log output.
func (o SendOutcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RateLimited:
		return "rate_limited"
	case PermanentReject:
		return "permanent_reject"
	case TransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// RejectReason narrows a PermanentReject.
type RejectReason string

const (
	RejectBlocked          RejectReason = "blocked"
	RejectInvalidRecipient RejectReason = "invalid_recipient"
)

// SendResult is the full outcome of one send attempt.
type SendResult struct {
	Outcome    SendOutcome
	RetryAfter time.Duration // set when Outcome == RateLimited
	Reason     RejectReason  // set when Outcome == PermanentReject
}
