package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pders01/rssreader/internal/config"
	"github.com/pders01/rssreader/internal/storage"
)

const exampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
	<channel>
		<title>Example Feed</title>
		<link>http://x/</link>
		<description>fixture</description>
		<item>
			<title>Hello</title>
			<link>http://x/1</link>
			<pubDate>Sun, 01 Jan 2023 00:00:00 GMT</pubDate>
			<description><![CDATA[<p>World</p>]]></description>
		</item>
	</channel>
</rss>`

const mixedFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/">
	<channel>
		<title>Mixed Feed</title>
		<item>
			<title>Dated</title>
			<link>http://x/dated</link>
			<pubDate>Mon, 02 Jan 2023 10:30:00 +0200</pubDate>
			<content:encoded><![CDATA[<h1>Head</h1><script>alert(1)</script><p onclick="x()">Body</p>]]></content:encoded>
		</item>
		<item>
			<title>Undated</title>
			<link>http://x/undated</link>
			<description>no date</description>
		</item>
		<item>
			<title>Second</title>
			<link>http://x/2</link>
			<pubDate>Tue, 03 Jan 2023 00:00:00 GMT</pubDate>
		</item>
	</channel>
</rss>`

// feedServer serves body on every request and counts the hits.
type feedServer struct {
	*httptest.Server
	body atomic.Value
	hits atomic.Int64
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.body.Store(body)
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(fs.body.Load().(string)))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) setBody(body string) {
	fs.body.Store(body)
}

// eachStore runs fn once per storage adapter that needs no external service.
func eachStore(t *testing.T, fn func(t *testing.T, store storage.Repository)) {
	t.Helper()

	t.Run("bolt", func(t *testing.T) {
		store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"), 0)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := storage.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func subscribe(t *testing.T, store storage.Repository, url string) *storage.Feed {
	t.Helper()
	f := &storage.Feed{URL: url, UserID: 1}
	require.NoError(t, store.CreateFeed(context.Background(), f))
	return f
}

func newTestSynchronizer(store storage.Repository) *Synchronizer {
	return NewSynchronizer(store, config.TestConfig(), nil)
}
