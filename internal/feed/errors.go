package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTimestamp marks an item without a usable publish time.
	ErrMissingTimestamp = errors.New("item has no publish time")
	// ErrMissingLink marks an item without a link, which is its dedup key.
	ErrMissingLink = errors.New("item has no link")
)

// FetchError reports that the feed document could not be retrieved:
// transport failure, timeout, oversized body or a non-2xx status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a document that was fetched but is not a readable feed.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError reports a store failure that aborted a sync pass. Entries
// committed before the failure stay stored.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SyncError attributes a failed pass to its feed in SyncAll's joined error.
type SyncError struct {
	FeedID int64
	URL    string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("feed %d (%s): %v", e.FeedID, e.URL, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ItemError is a per-item failure that was skipped without aborting the pass.
type ItemError struct {
	URL   string
	Title string
	Err   error
}

func (e ItemError) Error() string {
	id := e.URL
	if id == "" {
		id = fmt.Sprintf("%q", e.Title)
	}
	return fmt.Sprintf("item %s: %v", id, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

func itemErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, ErrMissingLink):
		return "missing_link"
	default:
		return "other"
	}
}
