package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/apierr"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(Options{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		VerifyTLS:  true,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}, zap.NewNop())
}

func TestGetDecodesObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		w.Write([]byte(`{"id":"d1","name":"widgets"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	rec, err := c.Get(context.Background(), "/datasets/d1", nil)
	require.NoError(t, err)
	assert.Equal(t, "d1", rec.ID())
	assert.Equal(t, "widgets", rec.String("name"))
}

func TestRetriesServerErrorThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id":"d1"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	rec, err := c.Get(context.Background(), "/datasets/d1", nil)
	require.NoError(t, err)
	assert.Equal(t, "d1", rec.ID())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAuthenticationErrorNeverRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"bad key"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Get(context.Background(), "/datasets", nil)
	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Authentication, kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRateLimitedHonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"id":"d1"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Get(context.Background(), "/datasets/d1", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPaginateStopsOnShortPage(t *testing.T) {
	pages := [][]string{{"a", "b"}, {"c"}}
	var call int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(atomic.AddInt32(&call, 1)) - 1
		if idx >= len(pages) {
			w.Write([]byte(`{"items":[]}`))
			return
		}
		body := `{"items":[`
		for i, id := range pages[idx] {
			if i > 0 {
				body += ","
			}
			body += `{"id":"` + id + `"}`
		}
		body += `]}`
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	var ids []string
	err := c.Paginate(context.Background(), "/datasets", nil, 2, func(r record.Record) error {
		ids = append(ids, r.ID())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestPaginateDedupsRepeatedID(t *testing.T) {
	// A server that clamps offset past the end replays the last page
	// instead of returning empty; dedup-by-ID must still terminate.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"a"},{"id":"b"}]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	var ids []string
	err := c.Paginate(context.Background(), "/datasets", nil, 2, func(r record.Record) error {
		ids = append(ids, r.ID())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestBatchPostIsolatesFailingItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		items, _ := body["items"].([]interface{})
		if items == nil {
			// single-item post
			if id, _ := body["id"].(string); id == "bad" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"detail":"bad item"}`))
				return
			}
			w.Write([]byte(`{"id":"` + body["id"].(string) + `","ok":true}`))
			return
		}
		for _, it := range items {
			m := it.(map[string]interface{})
			if m["id"] == "bad" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"detail":"bad item in batch"}`))
				return
			}
		}
		w.Write([]byte(`{"items":` + mustJSON(items) + `}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	items := []record.Record{
		{"id": "good1"}, {"id": "bad"}, {"id": "good2"}, {"id": "good3"},
	}
	result := c.BatchPost(context.Background(), "/examples", items, 4)
	assert.Equal(t, 3, result.SuccessCount())
	assert.Equal(t, 1, result.FailureCount())
	for _, f := range result.Failures() {
		assert.Equal(t, "bad", f.Input.ID())
	}
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
