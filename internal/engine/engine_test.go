package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"whale-alerts/internal/config"
	"whale-alerts/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// tradeServer serves a mutable trade list, standing in for the data API.
type tradeServer struct {
	mu     sync.Mutex
	trades []map[string]any
	srv    *httptest.Server
}

func newTradeServer(t *testing.T) *tradeServer {
	ts := &tradeServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ts.trades)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *tradeServer) set(trades ...map[string]any) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.trades = trades
}

func apiTradeDoc(tx string, side string, size, price float64, conditionID string, timestamp int64) map[string]any {
	return map[string]any{
		"transactionHash": tx, "proxyWallet": "", "side": side,
		"size": size, "price": price, "conditionId": conditionID, "timestamp": timestamp,
	}
}

// gammaServer resolves m1 as a Crypto market and serves a small taxonomy.
func gammaServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/markets":
			json.NewEncoder(w).Encode([]map[string]any{{
				"conditionId": "m1", "question": "Will it happen?", "slug": "will-it-happen",
				"tags": []map[string]string{{"id": "5", "label": "Crypto", "slug": "crypto"}},
			}})
		case "/sports":
			json.NewEncoder(w).Encode([]map[string]any{{"tagIds": []string{"100"}}})
		case "/tags":
			json.NewEncoder(w).Encode([]map[string]string{
				{"id": "5", "label": "Crypto", "slug": "crypto"},
				{"id": "100", "label": "NFL", "slug": "nfl"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// chatRecorder captures sends and replays scripted HTTP statuses (0 = 200).
type chatRecorder struct {
	mu       sync.Mutex
	requests []chatRequest
	statuses []int
	srv      *httptest.Server
}

type chatRequest struct {
	chatID string
	text   string
	at     time.Time
}

func newChatRecorder(t *testing.T, statuses ...int) *chatRecorder {
	cr := &chatRecorder{statuses: statuses}
	cr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChatID string `json:"chat_id"`
			Text   string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		cr.mu.Lock()
		cr.requests = append(cr.requests, chatRequest{chatID: body.ChatID, text: body.Text, at: time.Now()})
		status := 0
		if len(cr.statuses) > 0 {
			status = cr.statuses[0]
			cr.statuses = cr.statuses[1:]
		}
		cr.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch status {
		case 0:
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		case http.StatusTooManyRequests:
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "parameters": map[string]int{"retry_after": 1}})
		default:
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{"ok": false})
		}
	}))
	t.Cleanup(cr.srv.Close)
	return cr
}

func (cr *chatRecorder) recorded() []chatRequest {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return append([]chatRequest(nil), cr.requests...)
}

func (cr *chatRecorder) waitFor(t *testing.T, n int, within time.Duration) []chatRequest {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if got := cr.recorded(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("chat requests = %d, want %d within %v", len(cr.recorded()), n, within)
	return nil
}

// newTestEngine wires an engine against the fake upstreams. Cycles are
// driven by hand; only the delivery worker runs.
func newTestEngine(t *testing.T, trades *tradeServer, chat *chatRecorder) *Engine {
	t.Helper()

	cfg := config.Config{}
	cfg.Feed.DataAPIBaseURL = trades.srv.URL
	cfg.Feed.PollInterval = time.Hour
	cfg.Feed.MaxTradesPerPoll = 2000
	cfg.Markets.GammaBaseURL = gammaServer(t).URL
	cfg.Markets.FanoutLimit = 4
	cfg.Markets.TTL = time.Hour
	cfg.Taxonomy.TTL = time.Hour
	cfg.Dedup.SeenTTL = 15 * time.Minute
	cfg.Filters.ReloadInterval = time.Hour
	cfg.Telegram.BaseURL = chat.srv.URL
	cfg.Telegram.BotToken = "test-token"
	cfg.Store.InMemory = true

	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.queue.Start()
	t.Cleanup(func() {
		e.queue.Stop()
		e.store.Close()
	})
	return e
}

func seedUser(t *testing.T, e *Engine, f types.FilterConfig, chatID string) {
	t.Helper()
	if err := e.store.PutFilterConfig(f); err != nil {
		t.Fatalf("PutFilterConfig: %v", err)
	}
	acct := types.ChatAccount{UserID: f.UserID, ChatID: chatID, IsActive: true}
	if err := e.store.PutChatAccount(acct); err != nil {
		t.Fatalf("PutChatAccount: %v", err)
	}
}

func defaultFilter(userID string) types.FilterConfig {
	return types.FilterConfig{
		UserID:         userID,
		Enabled:        true,
		MinNotionalUSD: 100,
		MinPrice:       0.05,
		MaxPrice:       0.95,
		Sides:          []types.Side{types.BUY, types.SELL},
	}
}

func TestCycleHappyPath(t *testing.T) {
	t.Parallel()

	trades := newTradeServer(t)
	chat := newChatRecorder(t)
	e := newTestEngine(t, trades, chat)
	seedUser(t, e, defaultFilter("u1"), "C1")

	trades.set(apiTradeDoc("t1", "BUY", 200, 0.50, "m1", 1000))
	e.cycle()

	got := chat.waitFor(t, 1, 3*time.Second)
	if got[0].chatID != "C1" {
		t.Errorf("chat_id = %q, want C1", got[0].chatID)
	}

	if e.cursor.LastTimestamp != 1000 || e.cursor.LastTxHash != "t1" {
		t.Errorf("cursor = %+v, want {1000 t1}", e.cursor)
	}
	saved, err := e.store.LoadCursor()
	if err != nil || saved == nil || saved.LastTxHash != "t1" {
		t.Errorf("persisted cursor = %+v, %v, want t1", saved, err)
	}
	seen, err := e.store.IsSeen("t1")
	if err != nil || !seen {
		t.Errorf("IsSeen(t1) = %v, %v, want true", seen, err)
	}
}

func TestCycleFilterExcludesButCursorAdvances(t *testing.T) {
	t.Parallel()

	trades := newTradeServer(t)
	chat := newChatRecorder(t)
	e := newTestEngine(t, trades, chat)

	f := defaultFilter("u1")
	f.SelectedCategories = []string{"Politics"} // m1 is Crypto
	seedUser(t, e, f, "C1")

	trades.set(apiTradeDoc("t1", "BUY", 200, 0.50, "m1", 1000))
	e.cycle()

	time.Sleep(200 * time.Millisecond)
	if got := chat.recorded(); len(got) != 0 {
		t.Errorf("chat requests = %d, want 0", len(got))
	}
	if e.cursor.LastTimestamp != 1000 {
		t.Errorf("cursor = %+v, want advance to 1000 despite no match", e.cursor)
	}
}

func TestCycleDuplicateSuppression(t *testing.T) {
	t.Parallel()

	trades := newTradeServer(t)
	chat := newChatRecorder(t)
	e := newTestEngine(t, trades, chat)
	seedUser(t, e, defaultFilter("u1"), "C1")

	trades.set(apiTradeDoc("t1", "BUY", 200, 0.50, "m1", 1000))
	e.cycle()
	chat.waitFor(t, 1, 3*time.Second)
	cursorAfterFirst := e.cursor

	// The upstream re-returns t1 on the next cycle.
	e.cycle()
	time.Sleep(200 * time.Millisecond)
	if got := chat.recorded(); len(got) != 1 {
		t.Errorf("chat requests = %d, want still 1", len(got))
	}
	if e.cursor != cursorAfterFirst {
		t.Errorf("cursor = %+v, want unchanged %+v", e.cursor, cursorAfterFirst)
	}
}

func TestCycleHotReloadOnSignal(t *testing.T) {
	t.Parallel()

	trades := newTradeServer(t)
	chat := newChatRecorder(t)
	e := newTestEngine(t, trades, chat)
	seedUser(t, e, defaultFilter("u1"), "C1")

	// First cycle loads the snapshot with minNotionalUsd 100.
	e.cycle()

	// The user raises the threshold and the signal is set.
	f := defaultFilter("u1")
	f.MinNotionalUSD = 300
	if err := e.store.PutFilterConfig(f); err != nil {
		t.Fatalf("PutFilterConfig: %v", err)
	}
	if err := e.store.SetReloadSignal(); err != nil {
		t.Fatalf("SetReloadSignal: %v", err)
	}

	trades.set(
		apiTradeDoc("t2", "BUY", 400, 0.50, "m1", 2000), // notional 200
		apiTradeDoc("t3", "BUY", 800, 0.50, "m1", 2001), // notional 400
	)
	e.cycle()

	got := chat.waitFor(t, 1, 3*time.Second)
	time.Sleep(200 * time.Millisecond)
	if got = chat.recorded(); len(got) != 1 {
		t.Fatalf("chat requests = %d, want only the t3 alert", len(got))
	}
	if signalled, _ := e.store.ReadReloadSignal(); signalled {
		t.Error("reload signal not cleared")
	}
}

func TestDeliveryPacingAndRateLimit(t *testing.T) {
	t.Parallel()

	trades := newTradeServer(t)
	// Second send attempt is rate limited with retry_after 1.
	chat := newChatRecorder(t, 0, http.StatusTooManyRequests)
	e := newTestEngine(t, trades, chat)
	seedUser(t, e, defaultFilter("u1"), "C1")

	trades.set(
		apiTradeDoc("a1", "BUY", 300, 0.50, "m1", 1000),
		apiTradeDoc("a2", "BUY", 400, 0.50, "m1", 1001),
		apiTradeDoc("a3", "BUY", 500, 0.50, "m1", 1002),
	)
	e.cycle()

	// 4 attempts total: a1 ok, a2 429, a2 retried, a3.
	got := chat.waitFor(t, 4, 10*time.Second)

	if gap := got[1].at.Sub(got[0].at); gap < 900*time.Millisecond {
		t.Errorf("same-chat gap = %v, want >= 1s", gap)
	}
	// The retry honors retry_after (1s) plus a second of slack.
	if gap := got[2].at.Sub(got[1].at); gap < 1900*time.Millisecond {
		t.Errorf("retry gap = %v, want >= retry_after + 1s", gap)
	}
	if got[3].at.Before(got[2].at) {
		t.Error("third alert delivered before the retried second")
	}
}

func TestPermanentRejectDeactivatesChat(t *testing.T) {
	t.Parallel()

	trades := newTradeServer(t)
	chat := newChatRecorder(t, http.StatusForbidden)
	e := newTestEngine(t, trades, chat)
	seedUser(t, e, defaultFilter("u1"), "C1")

	trades.set(apiTradeDoc("t1", "BUY", 200, 0.50, "m1", 1000))
	e.cycle()
	chat.waitFor(t, 1, 3*time.Second)

	// Deactivation lands asynchronously after the 403.
	deadline := time.Now().Add(3 * time.Second)
	for {
		active, err := e.store.ListActiveUserFilters()
		if err != nil {
			t.Fatalf("ListActiveUserFilters: %v", err)
		}
		if len(active) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("active filters = %d, want 0 after permanent reject", len(active))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The next matching trade reaches nobody.
	trades.set(apiTradeDoc("t9", "BUY", 200, 0.50, "m1", 1100))
	e.cycle()
	time.Sleep(300 * time.Millisecond)
	if got := chat.recorded(); len(got) != 1 {
		t.Errorf("chat requests = %d, want no sends after deactivation", len(got))
	}
}

func TestUnknownMarketSkipsTrade(t *testing.T) {
	t.Parallel()

	trades := newTradeServer(t)
	chat := newChatRecorder(t)
	e := newTestEngine(t, trades, chat)
	seedUser(t, e, defaultFilter("u1"), "C1")

	// m404 never resolves; the gamma fake only knows m1.
	trades.set(apiTradeDoc("tx", "BUY", 500, 0.50, "m404", 1000))
	e.cycle()

	time.Sleep(300 * time.Millisecond)
	if got := chat.recorded(); len(got) != 0 {
		t.Errorf("chat requests = %d, want 0 for an unresolvable market", len(got))
	}
	// The hash is still consumed so the trade is not retried forever.
	if seen, _ := e.store.IsSeen("tx"); !seen {
		t.Error("IsSeen(tx) = false, want marked even when skipped")
	}
}
