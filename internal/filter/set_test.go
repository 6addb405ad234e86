package filter

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"whale-alerts/internal/config"
	"whale-alerts/internal/store"
	"whale-alerts/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSet(t *testing.T, interval time.Duration) (*Set, *store.Store) {
	t.Helper()

	st, err := store.Open(config.StoreConfig{InMemory: true}, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{}
	cfg.Filters.ReloadInterval = interval
	return NewSet(cfg, st, testLogger()), st
}

func seedUser(t *testing.T, st *store.Store, userID, chatID string) {
	t.Helper()
	err := st.PutFilterConfig(types.FilterConfig{
		UserID:         userID,
		Enabled:        true,
		MinNotionalUSD: 100,
		MaxPrice:       1,
		Sides:          []types.Side{types.BUY},
	})
	if err != nil {
		t.Fatalf("PutFilterConfig: %v", err)
	}
	err = st.PutChatAccount(types.ChatAccount{UserID: userID, ChatID: chatID, IsActive: true})
	if err != nil {
		t.Fatalf("PutChatAccount: %v", err)
	}
}

func TestMaybeReloadInitialLoad(t *testing.T) {
	t.Parallel()

	s, st := newTestSet(t, time.Hour)
	seedUser(t, st, "u1", "c1")

	if len(s.Filters()) != 0 {
		t.Fatalf("new set has %d filters, want 0", len(s.Filters()))
	}
	s.MaybeReload()
	if len(s.Filters()) != 1 {
		t.Fatalf("after initial reload: %d filters, want 1", len(s.Filters()))
	}
}

func TestMaybeReloadHonorsSignalBeforeInterval(t *testing.T) {
	t.Parallel()

	s, st := newTestSet(t, time.Hour)
	seedUser(t, st, "u1", "c1")
	s.MaybeReload()

	// Within the interval and no signal: a new user is not picked up.
	seedUser(t, st, "u2", "c2")
	s.MaybeReload()
	if len(s.Filters()) != 1 {
		t.Fatalf("reloaded without signal inside interval: %d filters", len(s.Filters()))
	}

	// The signal forces the reload on the next check and is then cleared.
	if err := st.SetReloadSignal(); err != nil {
		t.Fatalf("SetReloadSignal: %v", err)
	}
	s.MaybeReload()
	if len(s.Filters()) != 2 {
		t.Fatalf("after signalled reload: %d filters, want 2", len(s.Filters()))
	}
	signalled, err := st.ReadReloadSignal()
	if err != nil {
		t.Fatalf("ReadReloadSignal: %v", err)
	}
	if signalled {
		t.Error("reload signal not cleared after reload")
	}
}

func TestMaybeReloadAfterInterval(t *testing.T) {
	t.Parallel()

	s, st := newTestSet(t, 10*time.Millisecond)
	seedUser(t, st, "u1", "c1")
	s.MaybeReload()

	seedUser(t, st, "u2", "c2")
	time.Sleep(20 * time.Millisecond)
	s.MaybeReload()
	if len(s.Filters()) != 2 {
		t.Fatalf("after interval reload: %d filters, want 2", len(s.Filters()))
	}
}

func TestMaybeReloadKeepsSnapshotOnFailure(t *testing.T) {
	t.Parallel()

	st, err := store.Open(config.StoreConfig{InMemory: true}, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cfg := config.Config{}
	cfg.Filters.ReloadInterval = time.Nanosecond
	s := NewSet(cfg, st, testLogger())

	seedUser(t, st, "u1", "c1")
	s.MaybeReload()
	if len(s.Filters()) != 1 {
		t.Fatalf("initial reload: %d filters, want 1", len(s.Filters()))
	}

	// A closed store makes the reload fail; the old snapshot survives.
	st.Close()
	s.MaybeReload()
	if len(s.Filters()) != 1 {
		t.Fatalf("after failed reload: %d filters, want previous snapshot of 1", len(s.Filters()))
	}
}
