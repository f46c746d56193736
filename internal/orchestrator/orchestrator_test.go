package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/apiclient"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/migrators"
	"github.com/flyingrobots/langsmith-migrator/internal/session"
)

func newTestClient(t *testing.T, srv *httptest.Server) *apiclient.Client {
	t.Helper()
	return apiclient.New(apiclient.Options{
		BaseURL:    srv.URL,
		VerifyTLS:  true,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	}, zap.NewNop())
}

func newTestState(t *testing.T) *session.State {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	state, err := store.CreateSession("http://source", "http://dest")
	require.NoError(t, err)
	return state
}

func TestOrchestratorMigratesDatasetsConcurrentlyAcrossWorkers(t *testing.T) {
	var mu sync.Mutex
	createdNames := map[string]bool{}

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/datasets":
			w.Write([]byte(`{"items":[
				{"id":"s1","name":"alpha"},
				{"id":"s2","name":"beta"},
				{"id":"s3","name":"gamma"}
			]}`))
		case "/examples":
			w.Write([]byte(`{"items":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/datasets":
			w.Write([]byte(`{"items":[]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/examples":
			w.Write([]byte(`{"items":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/datasets":
			body, _ := io.ReadAll(r.Body)
			var payload map[string]interface{}
			json.Unmarshal(body, &payload)
			name, _ := payload["name"].(string)
			mu.Lock()
			createdNames[name] = true
			mu.Unlock()
			w.Write([]byte(`{"id":"d-` + name + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer dest.Close()

	state := newTestState(t)
	orch := New(newTestClient(t, source), newTestClient(t, dest), state, zap.NewNop(), migrators.Options{}, 2)

	err := orch.Run(context.Background(), Selection{Datasets: true})
	require.NoError(t, err)

	completed, total := orch.Progress.Snapshot()
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(3), completed)

	for _, src := range []string{"s1", "s2", "s3"} {
		_, ok := orch.IDs.Get(kind.Dataset, src)
		assert.True(t, ok, "expected dataset %s to be mapped", src)
	}

	stats := state.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Completed)

	mu.Lock()
	assert.Equal(t, map[string]bool{"alpha": true, "beta": true, "gamma": true}, createdNames)
	mu.Unlock()
}

func TestItemKeyIncludesKindAndSourceID(t *testing.T) {
	assert.Equal(t, "dataset:abc", itemKey(kind.Dataset, "abc"))
	assert.Equal(t, "rule:xyz", itemKey(kind.Rule, "xyz"))
}

func TestStatusForMapsOutcomes(t *testing.T) {
	assert.Equal(t, session.Completed, statusFor(migrators.Created))
	assert.Equal(t, session.Completed, statusFor(migrators.Updated))
	assert.Equal(t, session.Skipped, statusFor(migrators.Skipped))
	assert.Equal(t, session.Failed, statusFor(migrators.Failed))
}
