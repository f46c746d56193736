package migrators

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/apiclient"
	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
)

func testAPIClient(t *testing.T, srv *httptest.Server) *apiclient.Client {
	t.Helper()
	return apiclient.New(apiclient.Options{
		BaseURL:    srv.URL,
		VerifyTLS:  true,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	}, zap.NewNop())
}

func TestRuleKeyOf(t *testing.T) {
	k, ok := ruleKeyOf(map[string]interface{}{"name": "r1", "dataset_id": "d1"})
	require.True(t, ok)
	assert.Equal(t, ruleKey{name: "r1", scopeKind: "dataset", scopeID: "d1"}, k)

	k, ok = ruleKeyOf(map[string]interface{}{"name": "r2", "session_id": "p1"})
	require.True(t, ok)
	assert.Equal(t, ruleKey{name: "r2", scopeKind: "project", scopeID: "p1"}, k)

	_, ok = ruleKeyOf(map[string]interface{}{"dataset_id": "d1"})
	assert.False(t, ok)

	_, ok = ruleKeyOf(map[string]interface{}{"name": "r3"})
	assert.False(t, ok)
}

func TestSplitHandle(t *testing.T) {
	owner, repo, ok := splitHandle("acme/my-prompt")
	require.True(t, ok)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "my-prompt", repo)

	_, _, ok = splitHandle("no-slash")
	assert.False(t, ok)

	_, _, ok = splitHandle("/missing-owner")
	assert.False(t, ok)
}

func TestRuleMigratorCreatesNewRuleScopedToDataset(t *testing.T) {
	var createdBody map[string]interface{}

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/runs/rules":
			w.Write([]byte(`{"items":[{"id":"r1","name":"nightly-eval","dataset_id":"sd1"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/runs/rules":
			w.Write([]byte(`{"items":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/runs/rules":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &createdBody)
			w.Write([]byte(`{"id":"dr1"}`))
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
	c.IDs.Set(kind.Dataset, "sd1", "dd1")

	m := &RuleMigrator{}
	require.NoError(t, m.MigrateAll(context.Background(), c))

	destID, ok := c.IDs.Get(kind.Rule, "r1")
	require.True(t, ok)
	assert.Equal(t, "dr1", destID)
	require.NotNil(t, createdBody)
	assert.Equal(t, "dd1", createdBody["dataset_id"])
	assert.Nil(t, createdBody["id"])
}

func TestRuleMigratorSkipsWhenNeitherScopeMapped(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"r1","name":"orphan","dataset_id":"unmapped"}]}`))
	}))
	defer source.Close()
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))
	defer dest.Close()

	c := Context{
		Source: testAPIClient(t, source),
		Dest:   testAPIClient(t, dest),
		IDs:    idmap.New(),
		Log:    zap.NewNop(),
	}

	m := &RuleMigrator{}
	require.NoError(t, m.MigrateAll(context.Background(), c))

	_, ok := c.IDs.Get(kind.Rule, "r1")
	assert.False(t, ok)
}

func TestRuleMigratorPatchOmitsCreateOnlyFields(t *testing.T) {
	var patchedBody map[string]interface{}

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"r1","name":"nightly-eval","dataset_id":"sd1","group_by":"x"}]}`))
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(`{"items":[{"id":"dr1","name":"nightly-eval","dataset_id":"dd1"}]}`))
		case r.Method == http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &patchedBody)
			w.Write([]byte(`{"id":"dr1"}`))
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
	c.IDs.Set(kind.Dataset, "sd1", "dd1")

	m := &RuleMigrator{}
	require.NoError(t, m.MigrateAll(context.Background(), c))

	require.NotNil(t, patchedBody)
	_, hasGroupBy := patchedBody["group_by"]
	assert.False(t, hasGroupBy)
}
