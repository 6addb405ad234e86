// Package store is the typed gateway to the document store (BadgerDB).
//
// Every persisted collection lives under a key prefix, one JSON document per
// key: user filter configs, chat accounts, the cursor singleton, the reload
// signal latch, market metadata, the tag-category map, the taxonomy caches,
// and the TTL-expiring seen-hash set. The gateway owns all writes; other
// components only read or request mutations through it. It never retries
// internally — transient store errors surface to the caller, who treats them
// as "skip this cycle".
//
// Self-expiry uses Badger's per-entry TTL: seen hashes, market metadata, and
// taxonomy documents delete themselves when stale. Key uniqueness makes
// MarkSeen an effective test-and-set.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"whale-alerts/internal/config"
	"whale-alerts/pkg/types"
)

const (
	filterPrefix = "filter:"
	chatPrefix   = "chat:"
	marketPrefix = "market:"
	seenPrefix   = "seen:"
	tagCatPrefix = "tagcat:"

	keyCursor   = "cursor"
	keyReload   = "reload"
	keyTaxonomy = "taxonomy"

	gcInterval = 5 * time.Minute
)

// Store wraps a Badger database with typed operations.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	done   chan struct{}
}

// Open opens (or creates) the store and starts the value-log GC loop.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.DataDir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
		done:   make(chan struct{}),
	}
	if !cfg.InMemory {
		go s.gcLoop()
	}
	return s, nil
}

// Close stops maintenance and closes the database.
func (s *Store) Close() error {
	close(s.done)
	return s.db.Close()
}

// gcLoop periodically rewrites the value log to reclaim space freed by
// expired seen hashes and refreshed cache documents.
func (s *Store) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// JSON document helpers
// ————————————————————————————————————————————————————————————————————————

func (s *Store) getJSON(key string, out any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(key string, doc any, ttl time.Duration) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// User filters and chat accounts
// ————————————————————————————————————————————————————————————————————————

// PutFilterConfig upserts one user's persisted filter configuration.
func (s *Store) PutFilterConfig(cfg types.FilterConfig) error {
	if cfg.UserID == "" {
		return fmt.Errorf("filter config: userId is required")
	}
	return s.setJSON(filterPrefix+cfg.UserID, cfg, 0)
}

// PutChatAccount upserts a user↔chat link.
func (s *Store) PutChatAccount(acct types.ChatAccount) error {
	if acct.UserID == "" || acct.ChatID == "" {
		return fmt.Errorf("chat account: userId and chatId are required")
	}
	return s.setJSON(chatPrefix+acct.UserID, acct, 0)
}

// ListActiveUserFilters returns every filter whose config is enabled and
// whose chat account is active, joined into the in-memory UserFilter shape.
// Configs with an invalid price range or an empty side set are rejected
// here, not at match time. Ordering is not guaranteed.
func (s *Store) ListActiveUserFilters() ([]types.UserFilter, error) {
	var out []types.UserFilter

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(filterPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var cfg types.FilterConfig
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cfg)
			})
			if err != nil {
				return err
			}
			if !cfg.Enabled {
				continue
			}
			if len(cfg.Sides) == 0 {
				continue
			}
			if cfg.MinPrice > cfg.MaxPrice {
				continue
			}
			if cfg.MinNotionalUSD < 0 {
				continue
			}

			item, err := txn.Get([]byte(chatPrefix + cfg.UserID))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var acct types.ChatAccount
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &acct)
			}); err != nil {
				return err
			}
			if !acct.IsActive {
				continue
			}

			out = append(out, types.UserFilter{
				UserID:             cfg.UserID,
				ChatID:             acct.ChatID,
				Enabled:            cfg.Enabled,
				MinNotionalUSD:     cfg.MinNotionalUSD,
				MinPrice:           cfg.MinPrice,
				MaxPrice:           cfg.MaxPrice,
				Sides:              cfg.Sides,
				SelectedCategories: cfg.SelectedCategories,
				MarketsFilter:      cfg.MarketsFilter,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list active filters: %w", err)
	}
	return out, nil
}

// DeactivateChat sets isActive=false on every account bound to the chat id.
// Idempotent; unknown chat ids are a no-op.
func (s *Store) DeactivateChat(chatID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(chatPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var acct types.ChatAccount
			key := it.Item().KeyCopy(nil)
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &acct)
			})
			if err != nil {
				return err
			}
			if acct.ChatID != chatID || !acct.IsActive {
				continue
			}
			acct.IsActive = false
			data, err := json.Marshal(acct)
			if err != nil {
				return err
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deactivate chat %s: %w", chatID, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Cursor
// ————————————————————————————————————————————————————————————————————————

// LoadCursor returns the cursor singleton, or nil if none has been saved.
func (s *Store) LoadCursor() (*types.Cursor, error) {
	var c types.Cursor
	found, err := s.getJSON(keyCursor, &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

// SaveCursor upserts the cursor singleton.
func (s *Store) SaveCursor(c types.Cursor) error {
	return s.setJSON(keyCursor, c, 0)
}

// ————————————————————————————————————————————————————————————————————————
// Seen-hash set
// ————————————————————————————————————————————————————————————————————————

// IsSeen reports whether the transaction hash is in the dedup set.
func (s *Store) IsSeen(txHash string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(seenPrefix + txHash))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is seen: %w", err)
	}
	return true, nil
}

// MarkSeen records the hash with the given TTL. Marking an already-seen
// hash only refreshes its expiry.
func (s *Store) MarkSeen(txHash string, ttl time.Duration) error {
	if strings.TrimSpace(txHash) == "" {
		return fmt.Errorf("mark seen: empty tx hash")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(seenPrefix+txHash), []byte{1}).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata cache
// ————————————————————————————————————————————————————————————————————————

// GetMarket returns cached metadata for a market, or nil on a miss.
// Freshness is the caller's concern; expired entries vanish on their own.
func (s *Store) GetMarket(conditionID string) (*types.MarketMetadata, error) {
	var m types.MarketMetadata
	found, err := s.getJSON(marketPrefix+conditionID, &m)
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

// PutMarket caches metadata with the given expiry.
func (s *Store) PutMarket(m types.MarketMetadata, ttl time.Duration) error {
	if m.ConditionID == "" {
		return fmt.Errorf("put market: conditionId is required")
	}
	return s.setJSON(marketPrefix+m.ConditionID, m, ttl)
}

// ————————————————————————————————————————————————————————————————————————
// Tag-category map
// ————————————————————————————————————————————————————————————————————————

// GetTagCategories returns the persisted categories for a tag id.
func (s *Store) GetTagCategories(tagID string) ([]string, bool, error) {
	var cats []string
	found, err := s.getJSON(tagCatPrefix+tagID, &cats)
	if err != nil {
		return nil, false, err
	}
	return cats, found, nil
}

// PutTagCategories persists a tag→categories inference for reuse.
func (s *Store) PutTagCategories(tagID string, categories []string) error {
	if categories == nil {
		categories = []string{}
	}
	return s.setJSON(tagCatPrefix+tagID, categories, 0)
}

// ————————————————————————————————————————————————————————————————————————
// Taxonomy cache
// ————————————————————————————————————————————————————————————————————————

type taxonomyDoc struct {
	SportsTagIDs []string                 `json:"sportsTagIds"`
	Tags         map[string]types.TagInfo `json:"tags"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

// LoadTaxonomy returns the cached sports tag ids and tag dictionary.
// The second return is false on a cache miss (or after TTL expiry).
func (s *Store) LoadTaxonomy() ([]string, map[string]types.TagInfo, bool, error) {
	var doc taxonomyDoc
	found, err := s.getJSON(keyTaxonomy, &doc)
	if err != nil || !found {
		return nil, nil, false, err
	}
	return doc.SportsTagIDs, doc.Tags, true, nil
}

// StoreTaxonomy caches the taxonomy with the given expiry.
func (s *Store) StoreTaxonomy(sportsTagIDs []string, tags map[string]types.TagInfo, ttl time.Duration) error {
	doc := taxonomyDoc{
		SportsTagIDs: sportsTagIDs,
		Tags:         tags,
		UpdatedAt:    time.Now().UTC(),
	}
	return s.setJSON(keyTaxonomy, doc, ttl)
}

// ————————————————————————————————————————————————————————————————————————
// Reload signal
// ————————————————————————————————————————————————————————————————————————

type reloadDoc struct {
	RequestedAt time.Time `json:"requestedAt"`
}

// ReadReloadSignal reports whether the latch is set.
func (s *Store) ReadReloadSignal() (bool, error) {
	var doc reloadDoc
	return s.getJSON(keyReload, &doc)
}

// SetReloadSignal raises the latch. Called by whatever edits filters.
func (s *Store) SetReloadSignal() error {
	return s.setJSON(keyReload, reloadDoc{RequestedAt: time.Now().UTC()}, 0)
}

// ClearReloadSignal consumes the latch.
func (s *Store) ClearReloadSignal() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(keyReload))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("clear reload signal: %w", err)
	}
	return nil
}
