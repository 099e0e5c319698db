package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	feedsBucket      = []byte("feeds")
	feedURLsBucket   = []byte("feed_urls")
	entriesBucket    = []byte("entries")
	entryIndexBucket = []byte("entry_index")
	entryURLsBucket  = []byte("entry_urls")
)

// BoltStore keeps feeds and entries in a single bbolt file.
//
// Entries are keyed by feedID|entryID so a prefix scan yields one feed's
// entries in insertion order. The *_urls buckets hold the unique keys.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(dbPath string, timeout time.Duration) (*BoltStore, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{feedsBucket, feedURLsBucket, entriesBucket, entryIndexBucket, entryURLsBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BoltStore) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BoltStore) CreateFeed(ctx context.Context, feed *Feed) error {
	if len(feed.URL) <= 1 {
		return fmt.Errorf("feed url %q is too short", feed.URL)
	}
	return s.update(ctx, func(tx *bolt.Tx) error {
		urls := tx.Bucket(feedURLsBucket)
		key := feedURLKey(feed.UserID, feed.URL)
		if urls.Get(key) != nil {
			return fmt.Errorf("feed %s: %w", feed.URL, ErrDuplicate)
		}

		b := tx.Bucket(feedsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		feed.ID = int64(seq)

		if err := putJSON(b, itob(feed.ID), feed); err != nil {
			return err
		}
		return urls.Put(key, itob(feed.ID))
	})
}

func (s *BoltStore) GetFeed(ctx context.Context, id int64) (*Feed, error) {
	var feed *Feed
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		feed, err = getFeed(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return feed, nil
}

func (s *BoltStore) ListFeeds(ctx context.Context, userID int64) ([]*Feed, error) {
	var feeds []*Feed
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(feedsBucket).ForEach(func(_ []byte, v []byte) error {
			var feed Feed
			if err := json.Unmarshal(v, &feed); err != nil {
				return err
			}
			if feed.UserID == userID {
				feeds = append(feeds, &feed)
			}
			return nil
		})
	})
	sortFeeds(feeds)
	return feeds, err
}

func (s *BoltStore) UpdateFeed(ctx context.Context, feed *Feed) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		stored, err := getFeed(tx, feed.ID)
		if err != nil {
			return err
		}
		stored.Title = feed.Title
		stored.TitleLocked = feed.TitleLocked
		stored.SyncedAt = feed.SyncedAt
		return putJSON(tx.Bucket(feedsBucket), itob(stored.ID), stored)
	})
}

func (s *BoltStore) DeleteFeedCascade(ctx context.Context, id int64) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		feed, err := getFeed(tx, id)
		if err != nil {
			return err
		}

		prefix := itob(id)
		index := tx.Bucket(entryIndexBucket)
		c := tx.Bucket(entriesBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := index.Delete(k[8:]); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}

		uc := tx.Bucket(entryURLsBucket).Cursor()
		for k, _ := uc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = uc.Seek(prefix) {
			if err := uc.Delete(); err != nil {
				return err
			}
		}

		if err := tx.Bucket(feedURLsBucket).Delete(feedURLKey(feed.UserID, feed.URL)); err != nil {
			return err
		}
		return tx.Bucket(feedsBucket).Delete(itob(id))
	})
}

func (s *BoltStore) InsertEntry(ctx context.Context, entry *FeedEntry) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		if tx.Bucket(feedsBucket).Get(itob(entry.FeedID)) == nil {
			return fmt.Errorf("feed %d: %w", entry.FeedID, ErrNotFound)
		}

		urls := tx.Bucket(entryURLsBucket)
		urlKey := entryURLKey(entry.FeedID, entry.URL)
		if urls.Get(urlKey) != nil {
			return fmt.Errorf("entry %s: %w", entry.URL, ErrDuplicate)
		}

		b := tx.Bucket(entriesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = int64(seq)

		if err := putJSON(b, entryKey(entry.FeedID, entry.ID), entry); err != nil {
			return err
		}
		if err := tx.Bucket(entryIndexBucket).Put(itob(entry.ID), itob(entry.FeedID)); err != nil {
			return err
		}
		return urls.Put(urlKey, itob(entry.ID))
	})
}

func (s *BoltStore) FindEntryByFeedAndURL(ctx context.Context, feedID int64, url string) (*FeedEntry, error) {
	var entry *FeedEntry
	err := s.view(ctx, func(tx *bolt.Tx) error {
		id := tx.Bucket(entryURLsBucket).Get(entryURLKey(feedID, url))
		if id == nil {
			return fmt.Errorf("entry %s: %w", url, ErrNotFound)
		}
		var err error
		entry, err = getEntry(tx, btoi(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *BoltStore) GetEntry(ctx context.Context, id int64) (*FeedEntry, error) {
	var entry *FeedEntry
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		entry, err = getEntry(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *BoltStore) ListEntries(ctx context.Context, feedID int64, filter EntryFilter) ([]*FeedEntry, error) {
	var entries []*FeedEntry
	err := s.forEachEntry(ctx, feedID, func(e *FeedEntry) bool {
		if filter.match(e) {
			entries = append(entries, e)
		}
		return filter.Limit <= 0 || len(entries) < filter.Limit
	})
	return entries, err
}

func (s *BoltStore) SetEntryRead(ctx context.Context, id int64, read bool) error {
	return s.modifyEntry(ctx, id, func(e *FeedEntry) { e.Read = read })
}

func (s *BoltStore) SetEntryStarred(ctx context.Context, id int64, starred bool) error {
	return s.modifyEntry(ctx, id, func(e *FeedEntry) { e.Starred = starred })
}

func (s *BoltStore) CountEntries(ctx context.Context, feedID int64) (int, error) {
	n := 0
	err := s.forEachEntry(ctx, feedID, func(*FeedEntry) bool {
		n++
		return true
	})
	return n, err
}

func (s *BoltStore) CountUnreadEntries(ctx context.Context, feedID int64) (int, error) {
	n := 0
	err := s.forEachEntry(ctx, feedID, func(e *FeedEntry) bool {
		if !e.Read {
			n++
		}
		return true
	})
	return n, err
}

func (s *BoltStore) modifyEntry(ctx context.Context, id int64, fn func(*FeedEntry)) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		entry, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		fn(entry)
		return putJSON(tx.Bucket(entriesBucket), entryKey(entry.FeedID, entry.ID), entry)
	})
}

// forEachEntry walks one feed's entries in insertion order until fn returns false.
func (s *BoltStore) forEachEntry(ctx context.Context, feedID int64, fn func(*FeedEntry) bool) error {
	return s.view(ctx, func(tx *bolt.Tx) error {
		prefix := itob(feedID)
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry FeedEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding entry %x: %w", k, err)
			}
			if !fn(&entry) {
				return nil
			}
		}
		return nil
	})
}

func getFeed(tx *bolt.Tx, id int64) (*Feed, error) {
	data := tx.Bucket(feedsBucket).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	var feed Feed
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

func getEntry(tx *bolt.Tx, id int64) (*FeedEntry, error) {
	feedID := tx.Bucket(entryIndexBucket).Get(itob(id))
	if feedID == nil {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	data := tx.Bucket(entriesBucket).Get(entryKey(btoi(feedID), id))
	if data == nil {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	var entry FeedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// sortFeeds orders feeds by display title, case-insensitively.
func sortFeeds(feeds []*Feed) {
	sort.SliceStable(feeds, func(i, j int) bool {
		return strings.ToLower(feeds[i].DisplayTitle()) < strings.ToLower(feeds[j].DisplayTitle())
	})
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func entryKey(feedID, entryID int64) []byte {
	return append(itob(feedID), itob(entryID)...)
}

func entryURLKey(feedID int64, url string) []byte {
	return append(itob(feedID), url...)
}

func feedURLKey(userID int64, url string) []byte {
	return append(itob(userID), url...)
}
