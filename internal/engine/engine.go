// Package engine orchestrates the alerting pipeline: poll trades, dedup by
// transaction hash, enrich with market metadata, match the active user
// filters, and hand matched alerts to the delivery queue.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whale-alerts/internal/config"
	"whale-alerts/internal/filter"
	"whale-alerts/internal/market"
	"whale-alerts/internal/notify"
	"whale-alerts/internal/store"
	"whale-alerts/internal/upstream"
	"whale-alerts/pkg/types"
)

// Engine owns the poll loop and, when enabled, the live trade feed. All
// trade processing runs on the engine goroutine; the delivery queue has its
// own worker.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	store   *store.Store
	client  *upstream.Client
	markets *market.Cache
	filters *filter.Set
	queue   *notify.Queue
	feed    *upstream.TradeFeed // nil unless feed.ws_enabled

	cursor types.Cursor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine from configuration. The returned engine owns the
// store; Stop closes it.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := upstream.NewClient(cfg, logger)
	chat := upstream.NewChatClient(cfg.Telegram, logger)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		store:   st,
		client:  client,
		markets: market.NewCache(cfg, st, client, logger),
		filters: filter.NewSet(cfg, st, logger),
		queue:   notify.NewQueue(chat, st, logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Feed.WSEnabled {
		e.feed = upstream.NewTradeFeed(cfg.Feed.WSURL, logger)
	}
	return e, nil
}

// Start launches the delivery worker, the optional live feed, and the poll
// loop.
func (e *Engine) Start() {
	if c, err := e.store.LoadCursor(); err != nil {
		e.logger.Warn("cursor load failed, starting from scratch", "error", err)
	} else if c != nil {
		e.cursor = *c
	}

	e.queue.Start()

	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.feed.Run(e.ctx)
		}()
	}

	e.wg.Add(1)
	go e.run()

	e.logger.Info("engine started",
		"poll_interval", e.cfg.Feed.PollInterval,
		"max_trades_per_poll", e.cfg.Feed.MaxTradesPerPoll,
		"ws_enabled", e.feed != nil,
	)
}

// Stop cancels the loops, drains the delivery queue, and closes the store.
func (e *Engine) Stop() {
	e.cancel()
	if e.feed != nil {
		e.feed.Close()
	}
	e.wg.Wait()
	e.queue.Stop()
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	// First cycle immediately, then on the poll cadence. Live trades are
	// processed as they arrive in between.
	e.cycle()
	ticker := time.NewTicker(e.cfg.Feed.PollInterval)
	defer ticker.Stop()

	for {
		if e.feed != nil {
			select {
			case <-e.ctx.Done():
				return
			case trade := <-e.feed.Trades():
				e.processLive(trade)
			case <-ticker.C:
				e.cycle()
			}
			continue
		}
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.cycle()
		}
	}
}

// cycle is one poll pass. Any failure is contained: the cycle logs, keeps
// whatever state it already advanced, and the next tick tries again.
func (e *Engine) cycle() {
	start := time.Now()

	e.filters.MaybeReload()
	e.markets.EnsureTaxonomy(e.ctx)

	trades, err := e.client.FetchRecentTrades(e.ctx, e.cfg.Feed.MaxTradesPerPoll, e.cfg.Feed.MinNotionalUSD)
	if err != nil {
		e.logger.Error("trade fetch failed", "error", err)
		return
	}

	fresh := e.dedup(trades)
	if len(fresh) > 0 {
		e.enrich(fresh)
	}

	matched, dropped, unknown := 0, 0, 0
	for _, trade := range fresh {
		m, d, ok := e.dispatch(trade)
		matched += m
		dropped += d
		if !ok {
			unknown++
		}
	}

	e.advanceCursor(fresh)

	e.logger.Info("cycle complete",
		"fetched", len(trades),
		"fresh", len(fresh),
		"unknown_market", unknown,
		"alerts", matched,
		"enqueue_drops", dropped,
		"filters", len(e.filters.Filters()),
		"pending", e.queue.Pending(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

// dedup returns trades whose hash has not been seen, marking each as seen
// before it can produce an alert. A crash between mark and delivery loses
// at most one cycle's alerts, never duplicates them.
func (e *Engine) dedup(trades []types.Trade) []types.Trade {
	fresh := trades[:0]
	for _, t := range trades {
		seen, err := e.store.IsSeen(t.TxHash)
		if err != nil {
			e.logger.Warn("seen lookup failed, skipping trade", "tx", t.TxHash, "error", err)
			continue
		}
		if seen {
			continue
		}
		if err := e.store.MarkSeen(t.TxHash, e.cfg.Dedup.SeenTTL); err != nil {
			e.logger.Warn("mark seen failed, skipping trade", "tx", t.TxHash, "error", err)
			continue
		}
		fresh = append(fresh, t)
	}
	return fresh
}

// enrich batch-loads metadata for the markets this cycle's trades touch.
func (e *Engine) enrich(fresh []types.Trade) {
	missing := make(map[string]bool)
	var ids []string
	for _, t := range fresh {
		if missing[t.ConditionID] {
			continue
		}
		m, err := e.markets.Get(t.ConditionID)
		if err != nil {
			e.logger.Warn("market lookup failed", "condition_id", t.ConditionID, "error", err)
			continue
		}
		if m == nil {
			missing[t.ConditionID] = true
			ids = append(ids, t.ConditionID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := e.markets.FillMissing(e.ctx, ids); err != nil {
		e.logger.Error("market enrichment failed", "markets", len(ids), "error", err)
	}
}

// dispatch matches one trade against the filter snapshot and enqueues an
// alert per matching user. A trade on a market the venue cannot resolve is
// skipped entirely (resolved=false).
func (e *Engine) dispatch(trade types.Trade) (matched, dropped int, resolved bool) {
	m, err := e.markets.Get(trade.ConditionID)
	if err != nil {
		e.logger.Warn("market lookup failed", "condition_id", trade.ConditionID, "error", err)
		return 0, 0, false
	}
	if m == nil {
		e.logger.Debug("skipping trade on unknown market",
			"tx", trade.TxHash,
			"condition_id", trade.ConditionID,
		)
		return 0, 0, false
	}

	var text string
	for _, f := range e.filters.Filters() {
		if !filter.Match(trade, m, f) {
			continue
		}
		if text == "" {
			text = notify.FormatAlert(trade, m)
		}
		if e.queue.Enqueue(f.ChatID, text) {
			matched++
		} else {
			dropped++
		}
	}
	return matched, dropped, true
}

// processLive runs one socket trade through the same dedup → enrich → match
// path. The cursor is not advanced; the poll loop owns it.
func (e *Engine) processLive(trade types.Trade) {
	fresh := e.dedup([]types.Trade{trade})
	if len(fresh) == 0 {
		return
	}
	e.enrich(fresh)
	e.dispatch(fresh[0])
}

// advanceCursor persists the newest processed trade, never moving backwards.
// The cursor is informational across restarts; the seen set is the
// authoritative reprocessing guard.
func (e *Engine) advanceCursor(fresh []types.Trade) {
	newest := e.cursor
	moved := false
	for _, t := range fresh {
		if t.Timestamp > newest.LastTimestamp {
			newest.LastTimestamp = t.Timestamp
			newest.LastTxHash = t.TxHash
			moved = true
		}
	}
	if !moved {
		return
	}
	newest.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCursor(newest); err != nil {
		e.logger.Warn("cursor save failed", "error", err)
		return
	}
	e.cursor = newest
}
