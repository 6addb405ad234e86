package filter

import (
	"log/slog"
	"time"

	"whale-alerts/internal/config"
	"whale-alerts/internal/store"
	"whale-alerts/pkg/types"
)

// Set holds the snapshot of active user filters the engine matches against.
// It reloads from the store when the web application raises the reload
// signal or when the snapshot passes its staleness interval, whichever comes
// first. The snapshot is owned by the engine goroutine.
type Set struct {
	store  *store.Store
	logger *slog.Logger

	interval time.Duration
	filters  []types.UserFilter
	loadedAt time.Time
}

// NewSet creates an empty set. Call MaybeReload before the first match pass;
// the empty snapshot simply matches nothing.
func NewSet(cfg config.Config, st *store.Store, logger *slog.Logger) *Set {
	return &Set{
		store:    st,
		logger:   logger.With("component", "filters"),
		interval: cfg.Filters.ReloadInterval,
	}
}

// Filters returns the current snapshot. Callers must not mutate it.
func (s *Set) Filters() []types.UserFilter { return s.filters }

// MaybeReload refreshes the snapshot if the reload signal is set or the
// staleness interval has elapsed. The signal is checked first so an edit in
// the web application takes effect on the very next cycle. A failed reload
// keeps the previous snapshot.
func (s *Set) MaybeReload() {
	signalled, err := s.store.ReadReloadSignal()
	if err != nil {
		s.logger.Warn("reload signal read failed", "error", err)
	}
	if !signalled && !s.loadedAt.IsZero() && time.Since(s.loadedAt) < s.interval {
		return
	}

	filters, err := s.store.ListActiveUserFilters()
	if err != nil {
		s.logger.Warn("filter reload failed, keeping previous snapshot",
			"error", err,
			"filters", len(s.filters),
		)
		return
	}

	prev := len(s.filters)
	s.filters = filters
	s.loadedAt = time.Now()

	if signalled {
		if err := s.store.ClearReloadSignal(); err != nil {
			s.logger.Warn("reload signal clear failed", "error", err)
		}
	}
	if len(filters) != prev || signalled {
		s.logger.Info("filter snapshot reloaded",
			"filters", len(filters),
			"previous", prev,
			"signalled", signalled,
		)
	}
}
