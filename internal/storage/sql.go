package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type dialect struct {
	name     string
	schema   []string
	isUnique func(error) bool
	// rebind turns ? placeholders into the driver's own syntax.
	rebind func(string) string
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS feeds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL CHECK (length(url) > 1),
			title TEXT NOT NULL DEFAULT '',
			title_locked BOOLEAN NOT NULL DEFAULT 0,
			user_id INTEGER NOT NULL DEFAULT 0,
			synced_at TIMESTAMP NULL,
			UNIQUE (url, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS feed_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
			created_at TIMESTAMP NOT NULL,
			read BOOLEAN NOT NULL DEFAULT 0,
			starred BOOLEAN NOT NULL DEFAULT 0,
			UNIQUE (url, feed_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feed_entries_url ON feed_entries(url)`,
	},
	isUnique: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	},
	rebind: func(q string) string { return q },
}

var postgresDialect = dialect{
	name: DriverPostgres,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS feeds (
			id BIGSERIAL PRIMARY KEY,
			url VARCHAR(1024) NOT NULL CHECK (length(url) > 1),
			title TEXT NOT NULL DEFAULT '',
			title_locked BOOLEAN NOT NULL DEFAULT FALSE,
			user_id BIGINT NOT NULL DEFAULT 0,
			synced_at TIMESTAMPTZ NULL,
			UNIQUE (url, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS feed_entries (
			id BIGSERIAL PRIMARY KEY,
			url VARCHAR(1024) NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			feed_id BIGINT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			starred BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (url, feed_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feed_entries_url ON feed_entries(url)`,
	},
	isUnique: func(err error) bool {
		var pe *pq.Error
		return errors.As(err, &pe) && pe.Code == "23505"
	},
	rebind: func(q string) string {
		var b strings.Builder
		n := 0
		for _, r := range q {
			if r == '?' {
				n++
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(n))
				continue
			}
			b.WriteRune(r)
		}
		return b.String()
	},
}

// SQLStore implements Repository on database/sql. Uniqueness and the
// cascade are enforced by the schema; ErrDuplicate is mapped from the
// driver's constraint error.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteStore opens (or creates) a SQLite database at path. Use
// ":memory:" for a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite", dsn+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, sqliteDialect)
}

func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", d.name, err)
	}
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	case s.dialect.isUnique(err):
		return fmt.Errorf("%s: %w", msg, ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

const feedColumns = `id, url, title, title_locked, user_id, synced_at`

func scanFeed(row interface{ Scan(...any) error }) (*Feed, error) {
	var (
		feed     Feed
		syncedAt sql.NullTime
	)
	if err := row.Scan(&feed.ID, &feed.URL, &feed.Title, &feed.TitleLocked, &feed.UserID, &syncedAt); err != nil {
		return nil, err
	}
	if syncedAt.Valid {
		feed.SyncedAt = syncedAt.Time.UTC()
	}
	return &feed, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func (s *SQLStore) CreateFeed(ctx context.Context, feed *Feed) error {
	row := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO feeds (url, title, title_locked, user_id, synced_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		feed.URL, feed.Title, feed.TitleLocked, feed.UserID, nullTime(feed.SyncedAt))
	return s.wrap(row.Scan(&feed.ID), "feed %s", feed.URL)
}

func (s *SQLStore) GetFeed(ctx context.Context, id int64) (*Feed, error) {
	feed, err := scanFeed(s.db.QueryRowContext(ctx, s.q(`SELECT `+feedColumns+` FROM feeds WHERE id = ?`), id))
	if err != nil {
		return nil, s.wrap(err, "feed %d", id)
	}
	return feed, nil
}

func (s *SQLStore) ListFeeds(ctx context.Context, userID int64) ([]*Feed, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+feedColumns+` FROM feeds WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		return nil, s.wrap(err, "listing feeds")
	}
	defer rows.Close()

	var feeds []*Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, s.wrap(err, "scanning feed")
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "listing feeds")
	}
	sortFeeds(feeds)
	return feeds, nil
}

func (s *SQLStore) UpdateFeed(ctx context.Context, feed *Feed) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE feeds SET title = ?, title_locked = ?, synced_at = ? WHERE id = ?`),
		feed.Title, feed.TitleLocked, nullTime(feed.SyncedAt), feed.ID)
	if err != nil {
		return s.wrap(err, "updating feed %d", feed.ID)
	}
	return s.expectRow(res, "feed %d", feed.ID)
}

func (s *SQLStore) DeleteFeedCascade(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, "deleting feed %d", id)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM feed_entries WHERE feed_id = ?`), id); err != nil {
		return s.wrap(err, "deleting entries of feed %d", id)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM feeds WHERE id = ?`), id)
	if err != nil {
		return s.wrap(err, "deleting feed %d", id)
	}
	if err := s.expectRow(res, "feed %d", id); err != nil {
		return err
	}
	return s.wrap(tx.Commit(), "deleting feed %d", id)
}

const entryColumns = `id, feed_id, url, title, content, created_at, read, starred`

func scanEntry(row interface{ Scan(...any) error }) (*FeedEntry, error) {
	var e FeedEntry
	if err := row.Scan(&e.ID, &e.FeedID, &e.URL, &e.Title, &e.Content, &e.CreatedAt, &e.Read, &e.Starred); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (s *SQLStore) InsertEntry(ctx context.Context, entry *FeedEntry) error {
	row := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO feed_entries (feed_id, url, title, content, created_at, read, starred) VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		entry.FeedID, entry.URL, entry.Title, entry.Content, entry.CreatedAt.UTC(), entry.Read, entry.Starred)
	return s.wrap(row.Scan(&entry.ID), "entry %s", entry.URL)
}

func (s *SQLStore) FindEntryByFeedAndURL(ctx context.Context, feedID int64, url string) (*FeedEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+entryColumns+` FROM feed_entries WHERE feed_id = ? AND url = ?`), feedID, url))
	if err != nil {
		return nil, s.wrap(err, "entry %s", url)
	}
	return entry, nil
}

func (s *SQLStore) GetEntry(ctx context.Context, id int64) (*FeedEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM feed_entries WHERE id = ?`), id))
	if err != nil {
		return nil, s.wrap(err, "entry %d", id)
	}
	return entry, nil
}

func (s *SQLStore) ListEntries(ctx context.Context, feedID int64, filter EntryFilter) ([]*FeedEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM feed_entries WHERE feed_id = ?`
	args := []any{feedID}
	if filter.UnreadOnly {
		query += ` AND read = ?`
		args = append(args, false)
	}
	if filter.StarredOnly {
		query += ` AND starred = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap(err, "listing entries of feed %d", feedID)
	}
	defer rows.Close()

	var entries []*FeedEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, s.wrap(err, "scanning entry")
		}
		entries = append(entries, entry)
	}
	return entries, s.wrap(rows.Err(), "listing entries of feed %d", feedID)
}

func (s *SQLStore) SetEntryRead(ctx context.Context, id int64, read bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE feed_entries SET read = ? WHERE id = ?`), read, id)
	if err != nil {
		return s.wrap(err, "entry %d", id)
	}
	return s.expectRow(res, "entry %d", id)
}

func (s *SQLStore) SetEntryStarred(ctx context.Context, id int64, starred bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE feed_entries SET starred = ? WHERE id = ?`), starred, id)
	if err != nil {
		return s.wrap(err, "entry %d", id)
	}
	return s.expectRow(res, "entry %d", id)
}

func (s *SQLStore) CountEntries(ctx context.Context, feedID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM feed_entries WHERE feed_id = ?`), feedID).Scan(&n)
	return n, s.wrap(err, "counting entries of feed %d", feedID)
}

func (s *SQLStore) CountUnreadEntries(ctx context.Context, feedID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM feed_entries WHERE feed_id = ? AND read = ?`), feedID, false).Scan(&n)
	return n, s.wrap(err, "counting unread entries of feed %d", feedID)
}

// expectRow reports ErrNotFound when an UPDATE or DELETE matched nothing.
func (s *SQLStore) expectRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err, format, args...)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return nil
}
