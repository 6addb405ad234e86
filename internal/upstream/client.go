// Package upstream implements the HTTP and WebSocket clients for the venue's
// public APIs and the chat platform.
//
// The REST client (Client) covers three read surfaces:
//   - FetchRecentTrades:  GET /trades  — most recent taker trades, cash markets
//   - FetchMarketsBatch:  GET /markets — metadata enrichment, batch + fallback
//   - LoadTaxonomy:       GET /sports, GET /tags — categorization inputs
//
// The chat client (ChatClient, telegram.go) posts alert messages and maps
// platform responses to delivery outcomes. The optional trade socket
// (TradeFeed, ws.go) streams live trades into the same pipeline.
//
// The client never caches; caching belongs to the metadata cache layer.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"

	"whale-alerts/internal/config"
	"whale-alerts/pkg/types"
)

// Client is the REST client for the venue's data and Gamma APIs.
type Client struct {
	trades *resty.Client // data API: recent trade feed
	gamma  *resty.Client // Gamma API: market metadata + taxonomy
	rl     *RateLimiter
	fanout int // bound on concurrent per-id metadata requests
	logger *slog.Logger
}

// NewClient creates a REST client with retry and rate limiting.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	newHTTP := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Accept", "application/json")
	}

	return &Client{
		trades: newHTTP(cfg.Feed.DataAPIBaseURL),
		gamma:  newHTTP(cfg.Markets.GammaBaseURL),
		rl:     NewRateLimiter(),
		fanout: cfg.Markets.FanoutLimit,
		logger: logger.With("component", "upstream"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trade feed
// ————————————————————————————————————————————————————————————————————————

// apiTrade is the JSON shape returned by the data API's /trades endpoint.
type apiTrade struct {
	TransactionHash string  `json:"transactionHash"`
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	ConditionID     string  `json:"conditionId"`
	Timestamp       int64   `json:"timestamp"`
}

// FetchRecentTrades returns the most recent taker trades on cash markets,
// newest first, deduplicated by transaction hash within the batch. Trades
// without a hash are dropped. The upstream's time-window parameter is not
// trustworthy across runs, so no minimum timestamp is sent — the caller's
// dedup set handles replays.
func (c *Client) FetchRecentTrades(ctx context.Context, limit int, minNotional float64) ([]types.Trade, error) {
	params := map[string]string{
		"takerOnly":  "true",
		"limit":      strconv.Itoa(limit),
		"filterType": "CASH",
	}
	if minNotional > 0 {
		params["filterAmount"] = strconv.FormatFloat(minNotional, 'f', -1, 64)
	}

	var raw []apiTrade
	resp, err := c.trades.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&raw).
		ForceContentType("application/json").
		Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch trades: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.Trade, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, rt := range raw {
		if rt.TransactionHash == "" || seen[rt.TransactionHash] {
			continue
		}
		side := types.Side(strings.ToUpper(rt.Side))
		if !side.Valid() {
			c.logger.Debug("dropping trade with unknown side", "side", rt.Side, "tx", rt.TransactionHash)
			continue
		}
		seen[rt.TransactionHash] = true
		out = append(out, types.Trade{
			TxHash:      rt.TransactionHash,
			ProxyWallet: normalizeWallet(rt.ProxyWallet),
			Side:        side,
			Size:        rt.Size,
			Price:       rt.Price,
			ConditionID: rt.ConditionID,
			Timestamp:   rt.Timestamp,
		})
	}
	return out, nil
}

// normalizeWallet returns the EIP-55 checksummed form of a hex address,
// or the input unchanged if it is not a valid address.
func normalizeWallet(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// gammaTag is one tag attached to a Gamma market.
type gammaTag struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// gammaMarket is the JSON shape returned by the Gamma API.
type gammaMarket struct {
	ConditionID string     `json:"conditionId"`
	Question    string     `json:"question"`
	Slug        string     `json:"slug"`
	Tags        []gammaTag `json:"tags"`
}

// FetchMarketsBatch fetches metadata for the given condition ids. It first
// tries one batched call; any ids still missing are fetched with a bounded
// concurrent per-id fallback (open markets first, then archived). Returns
// whatever was obtained — callers treat missing ids as "market unknown".
func (c *Client) FetchMarketsBatch(ctx context.Context, conditionIDs []string) (map[string]types.MarketMetadata, error) {
	result := make(map[string]types.MarketMetadata, len(conditionIDs))
	if len(conditionIDs) == 0 {
		return result, nil
	}

	// The batched endpoint is unreliable in practice; a failure here only
	// means more work for the fallback.
	batch, err := c.fetchMarkets(ctx, map[string]string{
		"condition_ids": strings.Join(conditionIDs, ","),
		"include_tag":   "true",
		"limit":         strconv.Itoa(len(conditionIDs)),
	})
	if err != nil {
		c.logger.Warn("batched market fetch failed, falling back to per-id", "error", err)
	}
	for _, gm := range batch {
		if gm.ConditionID != "" {
			result[gm.ConditionID] = metadataFromGamma(gm)
		}
	}

	var missing []string
	for _, id := range conditionIDs {
		if _, ok := result[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.fanout)
	)
	for _, id := range missing {
		wg.Add(1)
		go func(conditionID string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			gm, err := c.fetchOneMarket(ctx, conditionID)
			if err != nil {
				c.logger.Debug("market fetch failed", "condition_id", conditionID, "error", err)
				return
			}
			if gm == nil {
				return
			}
			mu.Lock()
			result[conditionID] = metadataFromGamma(*gm)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return result, nil
}

// fetchOneMarket tries an open-markets-only request first, then retries
// without the constraint to cover archived markets.
func (c *Client) fetchOneMarket(ctx context.Context, conditionID string) (*gammaMarket, error) {
	markets, err := c.fetchMarkets(ctx, map[string]string{
		"condition_ids": conditionID,
		"include_tag":   "true",
		"closed":        "false",
		"limit":         "1",
	})
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		markets, err = c.fetchMarkets(ctx, map[string]string{
			"condition_ids": conditionID,
			"include_tag":   "true",
			"limit":         "1",
		})
		if err != nil {
			return nil, err
		}
	}
	if len(markets) == 0 {
		return nil, nil
	}
	return &markets[0], nil
}

func (c *Client) fetchMarkets(ctx context.Context, params map[string]string) ([]gammaMarket, error) {
	if err := c.rl.Markets.Wait(ctx); err != nil {
		return nil, err
	}

	var markets []gammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&markets).
		ForceContentType("application/json").
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
	}
	return markets, nil
}

// metadataFromGamma converts a Gamma response into the internal metadata
// record. Sports flagging and categorization happen in the market package,
// which owns the taxonomy.
func metadataFromGamma(gm gammaMarket) types.MarketMetadata {
	tags := make([]string, 0, len(gm.Tags))
	tagIDs := make([]string, 0, len(gm.Tags))
	for _, t := range gm.Tags {
		if t.Label != "" {
			tags = append(tags, t.Label)
		}
		if t.ID != "" {
			tagIDs = append(tagIDs, t.ID)
		}
	}
	return types.MarketMetadata{
		ConditionID: gm.ConditionID,
		Title:       gm.Question,
		Slug:        gm.Slug,
		Tags:        tags,
		TagIDs:      tagIDs,
		UpdatedAt:   time.Now().UTC(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Taxonomy
// ————————————————————————————————————————————————————————————————————————

type sportsEntry struct {
	TagIDs []string `json:"tagIds"`
}

// LoadTaxonomy fetches the sports tag ids and the tag dictionary. The
// results are passed through to the store gateway for caching by the caller.
func (c *Client) LoadTaxonomy(ctx context.Context) ([]string, map[string]types.TagInfo, error) {
	var sports []sportsEntry
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetResult(&sports).
		ForceContentType("application/json").
		Get("/sports")
	if err != nil {
		return nil, nil, fmt.Errorf("fetch sports: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, nil, fmt.Errorf("fetch sports: status %d", resp.StatusCode())
	}

	seen := make(map[string]bool)
	var sportsTagIDs []string
	for _, s := range sports {
		for _, id := range s.TagIDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			sportsTagIDs = append(sportsTagIDs, id)
		}
	}

	var tags []types.TagInfo
	resp, err = c.gamma.R().
		SetContext(ctx).
		SetResult(&tags).
		ForceContentType("application/json").
		Get("/tags")
	if err != nil {
		return nil, nil, fmt.Errorf("fetch tags: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, nil, fmt.Errorf("fetch tags: status %d", resp.StatusCode())
	}

	dict := make(map[string]types.TagInfo, len(tags))
	for _, t := range tags {
		if t.ID != "" {
			dict[t.ID] = t
		}
	}
	return sportsTagIDs, dict, nil
}
