package migrators

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/apierr"
	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
)

func TestPromptMigratorLatestOnlyCreatesRepoAndPushesTip(t *testing.T) {
	var repoCreateBody map[string]interface{}
	var commitPushBody map[string]interface{}

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompts":
			w.Write([]byte(`{"items":[{"id":"p1","repo_handle":"acme/summarizer"}]}`))
		case r.URL.Path == "/commits/acme/summarizer/latest":
			w.Write([]byte(`{"commit_hash":"abc123","manifest":{"type":"prompt"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/prompts":
			w.Write([]byte(`{"items":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/prompts":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &repoCreateBody)
			w.Write([]byte(`{"id":"dp1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/commits/acme/summarizer/latest":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"no commits"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/commits/acme/summarizer":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &commitPushBody)
			w.Write([]byte(`{"commit_hash":"abc123"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer dest.Close()

	c := Context{
		Source: testAPIClient(t, source),
		Dest:   testAPIClient(t, dest),
		IDs:    idmap.New(),
		Log:    zap.NewNop(),
	}

	m := &PromptMigrator{}
	require.NoError(t, m.MigrateAll(context.Background(), c))

	require.NotNil(t, repoCreateBody)
	assert.Equal(t, "acme/summarizer", repoCreateBody["repo_handle"])
	assert.Nil(t, repoCreateBody["id"])

	require.NotNil(t, commitPushBody)
	assert.Equal(t, "", commitPushBody["parent_commit"])
	assert.Nil(t, commitPushBody["commit_hash"])

	destID, ok := c.IDs.Get(kind.Prompt, "p1")
	require.True(t, ok)
	assert.Equal(t, "dp1", destID)
}

func TestPromptMigratorIgnoresConflictOnRepoCreate(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompts":
			w.Write([]byte(`{"items":[{"id":"p1","repo_handle":"acme/summarizer"}]}`))
		case r.URL.Path == "/commits/acme/summarizer/latest":
			w.Write([]byte(`{"commit_hash":"abc123","manifest":{"type":"prompt"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/prompts":
			w.Write([]byte(`{"items":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/prompts":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"detail":"already exists"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/commits/acme/summarizer/latest":
			w.Write([]byte(`{"commit_hash":"xyz"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/commits/acme/summarizer":
			w.Write([]byte(`{"commit_hash":"abc123"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer dest.Close()

	c := Context{
		Source: testAPIClient(t, source),
		Dest:   testAPIClient(t, dest),
		IDs:    idmap.New(),
		Log:    zap.NewNop(),
	}

	m := &PromptMigrator{}
	require.NoError(t, m.MigrateAll(context.Background(), c))

	_, ok := c.IDs.Get(kind.Prompt, "p1")
	require.True(t, ok)
}

func TestIsEmptyDetailConflict(t *testing.T) {
	assert.True(t, isEmptyDetailConflict(apierr.WithStatus(apierr.Conflict, "/commits/a/b", "", 409)))
	assert.False(t, isEmptyDetailConflict(apierr.WithStatus(apierr.Conflict, "/commits/a/b", "hash mismatch", 409)))
	assert.False(t, isEmptyDetailConflict(apierr.WithStatus(apierr.NotFound, "/commits/a/b", "", 404)))
	assert.False(t, isEmptyDetailConflict(nil))
}

func TestPromptMigratorEmptyDetailConflictIsIdempotentNoOp(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompts":
			w.Write([]byte(`{"items":[{"id":"p1","repo_handle":"acme/summarizer"}]}`))
		case r.URL.Path == "/commits/acme/summarizer/latest":
			w.Write([]byte(`{"commit_hash":"abc123","manifest":{"type":"prompt"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/prompts":
			w.Write([]byte(`{"items":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/prompts":
			w.Write([]byte(`{"id":"dp1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/commits/acme/summarizer/latest":
			w.Write([]byte(`{"commit_hash":"xyz"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/commits/acme/summarizer":
			// An entirely empty body: errorDetail maps it to the "no
			// response body" placeholder, which isEmptyDetailConflict
			// treats as an empty detail, so the push counts as applied.
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer dest.Close()

	c := Context{
		Source: testAPIClient(t, source),
		Dest:   testAPIClient(t, dest),
		IDs:    idmap.New(),
		Log:    zap.NewNop(),
		Opts:   Options{PromptIdempotentConflict: true},
	}

	m := &PromptMigrator{}
	require.NoError(t, m.MigrateAll(context.Background(), c))

	// the empty-detail 409 on the commit push is treated as already
	// applied, and the repo's ID mapping is recorded.
	_, ok := c.IDs.Get(kind.Prompt, "p1")
	require.True(t, ok)
}
