package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/pders01/rssreader/internal/config"
	"github.com/pders01/rssreader/internal/debuglog"
	"github.com/pders01/rssreader/internal/metrics"
	"github.com/pders01/rssreader/internal/storage"
	"github.com/pders01/rssreader/internal/validation"
)

// Manager is the entry point for everything a reader does with feeds:
// subscribing, syncing, renaming and flagging entries.
type Manager struct {
	store        storage.Repository
	sync         *Synchronizer
	urlValidator *validation.FeedURLValidator
}

func NewManager(store storage.Repository, cfg *config.Config, m *metrics.Metrics) *Manager {
	return &Manager{
		store:        store,
		sync:         NewSynchronizer(store, cfg, m),
		urlValidator: validation.NewFeedURLValidator(cfg.Feed.AllowPrivateHosts),
	}
}

// Synchronizer exposes the manager's synchronizer.
func (m *Manager) Synchronizer() *Synchronizer {
	return m.sync
}

// Subscribe validates rawURL and stores a new feed for userID. The feed is
// not synced; its title stays empty until the first Sync.
func (m *Manager) Subscribe(ctx context.Context, userID int64, rawURL string) (*storage.Feed, error) {
	normalizedURL, err := m.urlValidator.ValidateAndNormalize(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}

	feed := &storage.Feed{
		URL:    normalizedURL,
		UserID: userID,
	}
	if err := m.store.CreateFeed(ctx, feed); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", normalizedURL, err)
	}

	debuglog.WithFields(map[string]any{"feed_id": feed.ID, "user_id": userID}).
		Infof("subscribed to %s", normalizedURL)
	return feed, nil
}

// Unsubscribe deletes the feed and all of its entries.
func (m *Manager) Unsubscribe(ctx context.Context, feedID int64) error {
	if err := m.store.DeleteFeedCascade(ctx, feedID); err != nil {
		return fmt.Errorf("unsubscribing feed %d: %w", feedID, err)
	}
	debuglog.Infof("unsubscribed feed %d", feedID)
	return nil
}

// Rename sets a user-chosen title that later syncs leave alone. An empty
// title hands the title back to the feed document.
func (m *Manager) Rename(ctx context.Context, feedID int64, title string) (*storage.Feed, error) {
	feed, err := m.store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("renaming feed %d: %w", feedID, err)
	}

	feed.Title = strings.TrimSpace(title)
	feed.TitleLocked = feed.Title != ""
	if err := m.store.UpdateFeed(ctx, feed); err != nil {
		return nil, fmt.Errorf("renaming feed %d: %w", feedID, err)
	}
	return feed, nil
}

func (m *Manager) Sync(ctx context.Context, feedID int64) (*SyncResult, error) {
	return m.sync.Sync(ctx, feedID)
}

func (m *Manager) SyncAll(ctx context.Context, userID int64) ([]*SyncResult, error) {
	return m.sync.SyncAll(ctx, userID)
}

func (m *Manager) MarkRead(ctx context.Context, entryID int64) error {
	return m.setRead(ctx, entryID, true)
}

func (m *Manager) MarkUnread(ctx context.Context, entryID int64) error {
	return m.setRead(ctx, entryID, false)
}

func (m *Manager) MarkStar(ctx context.Context, entryID int64) error {
	return m.setStarred(ctx, entryID, true)
}

func (m *Manager) MarkUnstar(ctx context.Context, entryID int64) error {
	return m.setStarred(ctx, entryID, false)
}

func (m *Manager) setRead(ctx context.Context, entryID int64, read bool) error {
	if err := m.store.SetEntryRead(ctx, entryID, read); err != nil {
		return fmt.Errorf("setting read=%t on entry %d: %w", read, entryID, err)
	}
	return nil
}

func (m *Manager) setStarred(ctx context.Context, entryID int64, starred bool) error {
	if err := m.store.SetEntryStarred(ctx, entryID, starred); err != nil {
		return fmt.Errorf("setting starred=%t on entry %d: %w", starred, entryID, err)
	}
	return nil
}

// Entries lists a feed's entries in insertion order.
func (m *Manager) Entries(ctx context.Context, feedID int64, filter storage.EntryFilter) ([]*storage.FeedEntry, error) {
	if _, err := m.store.GetFeed(ctx, feedID); err != nil {
		return nil, fmt.Errorf("listing entries of feed %d: %w", feedID, err)
	}
	entries, err := m.store.ListEntries(ctx, feedID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing entries of feed %d: %w", feedID, err)
	}
	return entries, nil
}

type FeedStats struct {
	Feed   *storage.Feed
	Total  int
	Unread int
}

// FeedStats lists the user's feeds, ordered by display title, with their
// entry counts.
func (m *Manager) FeedStats(ctx context.Context, userID int64) ([]FeedStats, error) {
	feeds, err := m.store.ListFeeds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	stats := make([]FeedStats, 0, len(feeds))
	for _, f := range feeds {
		total, err := m.store.CountEntries(ctx, f.ID)
		if err != nil {
			return nil, fmt.Errorf("counting entries of feed %d: %w", f.ID, err)
		}
		unread, err := m.store.CountUnreadEntries(ctx, f.ID)
		if err != nil {
			return nil, fmt.Errorf("counting unread entries of feed %d: %w", f.ID, err)
		}
		stats = append(stats, FeedStats{Feed: f, Total: total, Unread: unread})
	}
	return stats, nil
}
