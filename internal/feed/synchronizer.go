package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pders01/rssreader/internal/config"
	"github.com/pders01/rssreader/internal/debuglog"
	"github.com/pders01/rssreader/internal/metrics"
	"github.com/pders01/rssreader/internal/sanitize"
	"github.com/pders01/rssreader/internal/storage"
)

// SyncResult summarizes one synchronization pass. Seen counts every item
// in the document; each one ends up Inserted, Skipped or in ItemErrors,
// unless a storage error aborted the pass.
type SyncResult struct {
	FeedID     int64
	Title      string
	Seen       int
	Inserted   int
	Skipped    int
	ItemErrors []ItemError
	Duration   time.Duration
}

// Failed is the number of items rejected by per-item errors.
func (r *SyncResult) Failed() int {
	return len(r.ItemErrors)
}

type Synchronizer struct {
	store       storage.Repository
	fetcher     *Fetcher
	parser      *Parser
	metrics     *metrics.Metrics
	concurrency int
	inflight    singleflight.Group
	now         func() time.Time
}

func NewSynchronizer(store storage.Repository, cfg *config.Config, m *metrics.Metrics) *Synchronizer {
	concurrency := cfg.Feed.SyncConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Synchronizer{
		store:       store,
		fetcher:     NewFetcher(cfg),
		parser:      NewParser(),
		metrics:     m,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Sync fetches the feed's document and stores the items it has not seen.
//
// A *FetchError or *ParseError aborts the pass before anything is written.
// Items lacking a link or publish time are reported in ItemErrors and
// skipped. A *StorageError stops the pass; it is returned together with the
// partial result, and entries inserted before it remain stored.
//
// Concurrent calls for the same feed share a single pass and its result.
// The pass is detached from the caller that started it and is bounded by
// the fetch timeout; a caller whose ctx ends stops waiting and gets
// ctx.Err() while the others still receive the result.
func (s *Synchronizer) Sync(ctx context.Context, feedID int64) (*SyncResult, error) {
	ch := s.inflight.DoChan(strconv.FormatInt(feedID, 10), func() (any, error) {
		return s.sync(context.WithoutCancel(ctx), feedID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(*SyncResult)
		return result, res.Err
	}
}

func (s *Synchronizer) sync(ctx context.Context, feedID int64) (*SyncResult, error) {
	start := time.Now()

	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("loading feed %d: %w", feedID, err)
	}

	log := debuglog.WithFields(map[string]any{
		"feed_id": feed.ID,
		"run_id":  uuid.NewString(),
	})
	log.Debugf("syncing %s", feed.URL)

	body, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		s.metrics.ObserveSync(metrics.ResultFetchError, 0, 0, time.Since(start))
		log.Errorf("fetch failed: %v", err)
		return nil, err
	}

	doc, err := s.parser.Parse(bytes.NewReader(body), feed.URL)
	if err != nil {
		s.metrics.ObserveSync(metrics.ResultParseError, 0, 0, time.Since(start))
		log.Errorf("parse failed: %v", err)
		return nil, err
	}

	result := &SyncResult{FeedID: feed.ID}

	if !feed.TitleLocked && feed.Title != doc.Title {
		feed.Title = doc.Title
		if err := s.store.UpdateFeed(ctx, feed); err != nil {
			return s.abort(result, log, start, &StorageError{Op: "updating feed title", Err: err})
		}
	}
	result.Title = feed.DisplayTitle()

	for _, item := range doc.Items {
		result.Seen++

		entry, err := buildEntry(feed.ID, item)
		if err != nil {
			itemErr := ItemError{URL: item.Link, Title: item.Title, Err: err}
			result.ItemErrors = append(result.ItemErrors, itemErr)
			s.metrics.ItemError(itemErrorReason(err))
			log.Warnf("skipping %v", itemErr)
			continue
		}

		inserted, err := s.insertIfAbsent(ctx, entry)
		if err != nil {
			return s.abort(result, log, start, err)
		}
		if inserted {
			result.Inserted++
			log.Debugf("inserted entry %d %s", entry.ID, entry.URL)
		} else {
			result.Skipped++
		}
	}

	feed.SyncedAt = s.now()
	if err := s.store.UpdateFeed(ctx, feed); err != nil {
		return s.abort(result, log, start, &StorageError{Op: "recording sync time", Err: err})
	}

	result.Duration = time.Since(start)
	s.metrics.ObserveSync(metrics.ResultOK, result.Inserted, result.Skipped, result.Duration)
	log.Infof("synced %q: %d seen, %d inserted, %d skipped, %d failed",
		result.Title, result.Seen, result.Inserted, result.Skipped, result.Failed())
	return result, nil
}

// insertIfAbsent stores entry unless one with the same (url, feed_id)
// exists. A duplicate-key error from the insert means another writer got
// there first and counts as already synced.
func (s *Synchronizer) insertIfAbsent(ctx context.Context, entry *storage.FeedEntry) (bool, error) {
	_, err := s.store.FindEntryByFeedAndURL(ctx, entry.FeedID, entry.URL)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, &StorageError{Op: "looking up entry", Err: err}
	}

	if err := s.store.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return false, nil
		}
		return false, &StorageError{Op: "inserting entry", Err: err}
	}
	return true, nil
}

func (s *Synchronizer) abort(result *SyncResult, log *debuglog.FieldLogger, start time.Time, err error) (*SyncResult, error) {
	result.Duration = time.Since(start)
	s.metrics.ObserveSync(metrics.ResultStorageError, result.Inserted, result.Skipped, result.Duration)
	log.Errorf("sync aborted after %d inserted: %v", result.Inserted, err)
	return result, err
}

// buildEntry normalizes one parsed item into an unsaved entry.
func buildEntry(feedID int64, item Item) (*storage.FeedEntry, error) {
	url := strings.TrimSpace(item.Link)
	if url == "" {
		return nil, ErrMissingLink
	}
	if item.Published == nil || item.Published.IsZero() {
		return nil, ErrMissingTimestamp
	}

	return &storage.FeedEntry{
		FeedID:    feedID,
		URL:       url,
		Title:     item.Title,
		Content:   sanitize.Wrap(item.Body()),
		CreatedAt: item.Published.UTC().Truncate(time.Second),
	}, nil
}

// SyncAll synchronizes every feed of a user, a few at a time. One feed
// failing does not stop the others; each failure is joined into the error
// as a *SyncError and the matching slot in the results holds whatever the
// pass produced.
func (s *Synchronizer) SyncAll(ctx context.Context, userID int64) ([]*SyncResult, error) {
	feeds, err := s.store.ListFeeds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	results := make([]*SyncResult, len(feeds))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, f := range feeds {
		g.Go(func() error {
			result, err := s.Sync(ctx, f.ID)
			results[i] = result
			if err != nil {
				mu.Lock()
				errs = append(errs, &SyncError{FeedID: f.ID, URL: f.URL, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
