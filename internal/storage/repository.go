package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pders01/rssreader/internal/config"
)

var (
	// ErrNotFound is returned when a feed or entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert would break one of the
	// uniqueness invariants: (url, user_id) for feeds, (url, feed_id) for entries.
	ErrDuplicate = errors.New("duplicate key")
)

// Repository is the persistence port for feeds and their entries.
// Each method runs in its own transaction and commits before returning.
type Repository interface {
	// CreateFeed stores a new feed and assigns its ID.
	CreateFeed(ctx context.Context, feed *Feed) error
	GetFeed(ctx context.Context, id int64) (*Feed, error)
	// ListFeeds returns the feeds of one user ordered by display title.
	ListFeeds(ctx context.Context, userID int64) ([]*Feed, error)
	// UpdateFeed persists Title, TitleLocked and SyncedAt.
	UpdateFeed(ctx context.Context, feed *Feed) error
	// DeleteFeedCascade removes the feed and all of its entries atomically.
	DeleteFeedCascade(ctx context.Context, id int64) error

	// InsertEntry stores a new entry and assigns its ID.
	InsertEntry(ctx context.Context, entry *FeedEntry) error
	FindEntryByFeedAndURL(ctx context.Context, feedID int64, url string) (*FeedEntry, error)
	GetEntry(ctx context.Context, id int64) (*FeedEntry, error)
	// ListEntries returns a feed's entries in insertion order.
	ListEntries(ctx context.Context, feedID int64, filter EntryFilter) ([]*FeedEntry, error)
	SetEntryRead(ctx context.Context, id int64, read bool) error
	SetEntryStarred(ctx context.Context, id int64, starred bool) error
	CountEntries(ctx context.Context, feedID int64) (int, error)
	CountUnreadEntries(ctx context.Context, feedID int64) (int, error)

	Close() error
}

const (
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the repository selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", DriverBolt:
		repo, err = NewBoltStore(cfg.Path, cfg.Timeout)
	case DriverSQLite:
		repo, err = NewSQLiteStore(ctx, cfg.Path)
	case DriverPostgres:
		repo, err = NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}
