package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/rssreader/internal/config"
	"github.com/pders01/rssreader/internal/metrics"
	"github.com/pders01/rssreader/internal/storage"
)

func TestSync_ExampleFeed(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		server := newFeedServer(t, exampleFeed)
		f := subscribe(t, store, server.URL)

		syncedAt := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		s := newTestSynchronizer(store)
		s.now = func() time.Time { return syncedAt }

		result, err := s.Sync(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Seen)
		assert.Equal(t, 1, result.Inserted)
		assert.Equal(t, 0, result.Skipped)
		assert.Equal(t, 0, result.Failed())
		assert.Equal(t, "Example Feed", result.Title)

		entries, err := store.ListEntries(ctx, f.ID, storage.EntryFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)

		entry := entries[0]
		assert.Equal(t, "http://x/1", entry.URL)
		assert.Equal(t, "Hello", entry.Title)
		assert.Equal(t, "<div><p>World</p></div>", entry.Content)
		assert.True(t, entry.CreatedAt.Equal(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)), "created_at = %v", entry.CreatedAt)
		assert.False(t, entry.Read)
		assert.False(t, entry.Starred)

		stored, err := store.GetFeed(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "Example Feed", stored.Title)
		assert.True(t, stored.SyncedAt.Equal(syncedAt), "synced_at = %v", stored.SyncedAt)

		// a second pass over the same document changes nothing
		result, err = s.Sync(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Inserted)
		assert.Equal(t, 1, result.Skipped)

		count, err := store.CountEntries(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestSync_SkipsBadItemsAndSanitizes(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		server := newFeedServer(t, mixedFeed)
		f := subscribe(t, store, server.URL)
		m := metrics.New()

		s := NewSynchronizer(store, config.TestConfig(), m)
		result, err := s.Sync(ctx, f.ID)
		require.NoError(t, err)

		assert.Equal(t, 3, result.Seen)
		assert.Equal(t, 2, result.Inserted)
		require.Len(t, result.ItemErrors, 1)
		assert.ErrorIs(t, result.ItemErrors[0], ErrMissingTimestamp)
		assert.Equal(t, "http://x/undated", result.ItemErrors[0].URL)

		entries, err := store.ListEntries(ctx, f.ID, storage.EntryFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, "http://x/dated", entries[0].URL)
		assert.Equal(t, "<div><h1>Head</h1><p>Body</p></div>", entries[0].Content)
		assert.True(t, entries[0].CreatedAt.Equal(time.Date(2023, 1, 2, 8, 30, 0, 0, time.UTC)), "created_at = %v", entries[0].CreatedAt)

		assert.Equal(t, "http://x/2", entries[1].URL)
		assert.Equal(t, "<div></div>", entries[1].Content)

		expected := `
# HELP rssreader_item_errors_total Items rejected during synchronization by reason.
# TYPE rssreader_item_errors_total counter
rssreader_item_errors_total{reason="missing_timestamp"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "rssreader_item_errors_total"))
	})
}

func TestSync_NewItemsOnLaterPass(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		server := newFeedServer(t, exampleFeed)
		f := subscribe(t, store, server.URL)
		s := newTestSynchronizer(store)

		_, err := s.Sync(ctx, f.ID)
		require.NoError(t, err)

		server.setBody(strings.Replace(exampleFeed, "</channel>", `
		<item>
			<title>Later</title>
			<link>http://x/later</link>
			<pubDate>Mon, 02 Jan 2023 00:00:00 GMT</pubDate>
		</item>
	</channel>`, 1))

		result, err := s.Sync(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Inserted)
		assert.Equal(t, 1, result.Skipped)

		entries, err := store.ListEntries(ctx, f.ID, storage.EntryFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "http://x/1", entries[0].URL)
		assert.Equal(t, "http://x/later", entries[1].URL)
	})
}

func TestSync_FetchError(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()
		f := subscribe(t, store, server.URL)
		m := metrics.New()

		result, err := NewSynchronizer(store, config.TestConfig(), m).Sync(ctx, f.ID)
		assert.Nil(t, result)

		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr), "want *FetchError, got %v", err)
		assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)

		stored, err := store.GetFeed(ctx, f.ID)
		require.NoError(t, err)
		assert.Empty(t, stored.Title)
		assert.True(t, stored.SyncedAt.IsZero())

		expected := `
# HELP rssreader_sync_total Feed synchronization passes by result.
# TYPE rssreader_sync_total counter
rssreader_sync_total{result="fetch_error"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "rssreader_sync_total"))
	})
}

func TestSync_ParseError(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		server := newFeedServer(t, "<html><body>not a feed</body></html>")
		f := subscribe(t, store, server.URL)

		result, err := newTestSynchronizer(store).Sync(ctx, f.ID)
		assert.Nil(t, result)

		var parseErr *ParseError
		require.True(t, errors.As(err, &parseErr), "want *ParseError, got %v", err)

		count, err := store.CountEntries(ctx, f.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestSync_UnknownFeed(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		_, err := newTestSynchronizer(store).Sync(context.Background(), 404)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestSync_TitleLock(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		server := newFeedServer(t, exampleFeed)
		f := subscribe(t, store, server.URL)
		f.Title = "My Name"
		f.TitleLocked = true
		require.NoError(t, store.UpdateFeed(ctx, f))

		result, err := newTestSynchronizer(store).Sync(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "My Name", result.Title)

		stored, err := store.GetFeed(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "My Name", stored.Title)
		assert.True(t, stored.TitleLocked)
	})
}

// failingStore fails InsertEntry once `allow` inserts went through.
type failingStore struct {
	storage.Repository
	mu    sync.Mutex
	allow int
}

func (s *failingStore) InsertEntry(ctx context.Context, entry *storage.FeedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allow == 0 {
		return errors.New("disk full")
	}
	s.allow--
	return s.Repository.InsertEntry(ctx, entry)
}

func TestSync_StorageErrorAborts(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		body := strings.Replace(mixedFeed, "<title>Undated</title>", "<title>Undated</title><pubDate>Mon, 02 Jan 2023 12:00:00 GMT</pubDate>", 1)
		server := newFeedServer(t, body)
		f := subscribe(t, store, server.URL)

		s := newTestSynchronizer(&failingStore{Repository: store, allow: 1})
		result, err := s.Sync(ctx, f.ID)

		var storageErr *StorageError
		require.True(t, errors.As(err, &storageErr), "want *StorageError, got %v", err)
		assert.Equal(t, "inserting entry", storageErr.Op)
		assert.EqualError(t, errors.Unwrap(storageErr), "disk full")

		require.NotNil(t, result)
		assert.Equal(t, 1, result.Inserted)
		assert.Equal(t, 2, result.Seen)

		// the entry committed before the failure stays, the pass is not recorded
		count, err := store.CountEntries(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		stored, err := store.GetFeed(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "Mixed Feed", stored.Title)
		assert.True(t, stored.SyncedAt.IsZero())

		// a retry with a healthy store completes the pass
		result, err = newTestSynchronizer(store).Sync(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Inserted)
		assert.Equal(t, 1, result.Skipped)
	})
}

func TestSync_ConcurrentCallsShareOnePass(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			_, _ = w.Write([]byte(mixedFeed))
		}))
		defer server.Close()
		f := subscribe(t, store, server.URL)
		s := newTestSynchronizer(store)

		const callers = 8
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = s.Sync(ctx, f.ID)
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		count, err := store.CountEntries(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestSync_CanceledCallerDoesNotFailOthers(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		started := make(chan struct{}, 1)
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			_, _ = w.Write([]byte(mixedFeed))
		}))
		defer server.Close()
		f := subscribe(t, store, server.URL)
		s := newTestSynchronizer(store)

		ctx, cancel := context.WithCancel(context.Background())
		firstErr := make(chan error, 1)
		go func() {
			_, err := s.Sync(ctx, f.ID)
			firstErr <- err
		}()
		<-started

		type outcome struct {
			result *SyncResult
			err    error
		}
		second := make(chan outcome, 1)
		go func() {
			result, err := s.Sync(context.Background(), f.ID)
			second <- outcome{result, err}
		}()
		time.Sleep(50 * time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-firstErr, context.Canceled)

		close(release)
		got := <-second
		require.NoError(t, got.err)
		assert.Equal(t, 2, got.result.Inserted)

		count, err := store.CountEntries(context.Background(), f.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestSync_RacingSynchronizersInsertOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		server := newFeedServer(t, mixedFeed)
		f := subscribe(t, store, server.URL)

		// separate synchronizers do not share a singleflight group, so
		// only the unique key keeps entries from doubling
		results := make([]*SyncResult, 4)
		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := newTestSynchronizer(store).Sync(ctx, f.ID)
				assert.NoError(t, err)
				results[i] = result
			}()
		}
		wg.Wait()

		inserted := 0
		for _, r := range results {
			require.NotNil(t, r)
			assert.Equal(t, 2, r.Inserted+r.Skipped)
			inserted += r.Inserted
		}
		assert.Equal(t, 2, inserted)

		count, err := store.CountEntries(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestSyncAll(t *testing.T) {
	eachStore(t, func(t *testing.T, store storage.Repository) {
		ctx := context.Background()
		good := newFeedServer(t, exampleFeed)
		other := newFeedServer(t, mixedFeed)
		broken := newFeedServer(t, "garbage")

		subscribe(t, store, good.URL)
		subscribe(t, store, other.URL)
		bad := subscribe(t, store, broken.URL)
		// another user's feed is left alone
		foreign := &storage.Feed{URL: good.URL, UserID: 2}
		require.NoError(t, store.CreateFeed(ctx, foreign))

		results, err := newTestSynchronizer(store).SyncAll(ctx, 1)
		require.Error(t, err)
		var parseErr *ParseError
		assert.True(t, errors.As(err, &parseErr))
		assert.Contains(t, err.Error(), broken.URL)
		var syncErr *SyncError
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, bad.ID, syncErr.FeedID)
		assert.Equal(t, broken.URL, syncErr.URL)
		require.Len(t, results, 3)

		inserted := 0
		for _, r := range results {
			if r != nil {
				inserted += r.Inserted
			}
		}
		assert.Equal(t, 3, inserted)

		count, err := store.CountEntries(ctx, bad.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
		count, err = store.CountEntries(ctx, foreign.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestBuildEntry(t *testing.T) {
	published := time.Date(2023, 1, 1, 1, 2, 3, 999, time.FixedZone("X", 3600))

	tests := []struct {
		name    string
		item    Item
		wantErr error
		check   func(t *testing.T, e *storage.FeedEntry)
	}{
		{
			name:    "missing link",
			item:    Item{Link: "  ", Published: &published},
			wantErr: ErrMissingLink,
		},
		{
			name:    "missing timestamp",
			item:    Item{Link: "http://x/1"},
			wantErr: ErrMissingTimestamp,
		},
		{
			name: "normalized",
			item: Item{Link: " http://x/1 ", Title: "T", Published: &published, Content: []string{"<p>a</p>", "<em>b</em>"}},
			check: func(t *testing.T, e *storage.FeedEntry) {
				assert.Equal(t, int64(7), e.FeedID)
				assert.Equal(t, "http://x/1", e.URL)
				assert.Equal(t, "T", e.Title)
				assert.Equal(t, "<div><p>a</p><em>b</em></div>", e.Content)
				assert.Equal(t, time.Date(2023, 1, 1, 0, 2, 3, 0, time.UTC), e.CreatedAt)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := buildEntry(7, tt.item)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, entry)
				return
			}
			require.NoError(t, err)
			tt.check(t, entry)
		})
	}
}
