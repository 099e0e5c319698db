package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSync(t *testing.T) {
	m := New()

	m.ObserveSync(ResultOK, 3, 2, 120*time.Millisecond)
	m.ObserveSync(ResultOK, 0, 5, 80*time.Millisecond)
	m.ObserveSync(ResultFetchError, 0, 0, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncs.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs.WithLabelValues(ResultFetchError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.inserted))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.skipped))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestItemError(t *testing.T) {
	m := New()
	m.ItemError("missing_timestamp")
	m.ItemError("missing_timestamp")
	m.ItemError("missing_link")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.itemErrors.WithLabelValues("missing_timestamp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemErrors.WithLabelValues("missing_link")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSync(ResultOK, 1, 1, time.Second)
		m.ItemError("x")
	})
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Push("http://unused", "job"))
}

func TestPush(t *testing.T) {
	var (
		gotPath string
		gotBody []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := New()
	m.ObserveSync(ResultOK, 1, 0, time.Millisecond)

	require.NoError(t, m.Push(server.URL, "rssreader-test"))
	assert.Equal(t, "/metrics/job/rssreader-test", gotPath)
	assert.NotEmpty(t, gotBody)
}

func TestPushFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := New()
	err := m.Push(server.URL, "job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pushing metrics")
}
