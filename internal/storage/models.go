package storage

import (
	"time"
)

type Feed struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	TitleLocked bool      `json:"title_locked"`
	UserID      int64     `json:"user_id"`
	SyncedAt    time.Time `json:"synced_at"`
}

// DisplayTitle returns the feed title, or its URL when no title is known.
func (f *Feed) DisplayTitle() string {
	if f.Title != "" {
		return f.Title
	}
	return f.URL
}

type FeedEntry struct {
	ID        int64     `json:"id"`
	FeedID    int64     `json:"feed_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
	Starred   bool      `json:"starred"`
}

// EntryFilter narrows ListEntries. The zero value lists every entry.
type EntryFilter struct {
	UnreadOnly  bool
	StarredOnly bool
	Limit       int
}

func (f EntryFilter) match(e *FeedEntry) bool {
	if f.UnreadOnly && e.Read {
		return false
	}
	if f.StarredOnly && !e.Starred {
		return false
	}
	return true
}
