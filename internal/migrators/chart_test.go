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

	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
)

func TestChartMigratorEnsuresSectionAndRewritesFilters(t *testing.T) {
	var createdChartBody map[string]interface{}
	var createdSection bool

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sections":[{"title":"Overview","charts":[{
			"id":"c1",
			"title":"latency p95",
			"dataset_id":"sd1",
			"common_filters":{"session":["sp1"],"dataset_id":"sd1"},
			"series":[{"filters":{"project_id":"sp1"}}]
		}]}]}`))
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/charts":
			w.Write([]byte(`{"sections":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/charts/section":
			createdSection = true
			w.Write([]byte(`{"id":"ds1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/charts/create":
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &createdChartBody)
			w.Write([]byte(`{"id":"dc1"}`))
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
	c.IDs.Set(kind.Project, "sp1", "dp1")

	m := &ChartMigrator{}
	require.NoError(t, m.MigrateAll(context.Background(), c))

	assert.True(t, createdSection)
	require.NotNil(t, createdChartBody)
	assert.Equal(t, "ds1", createdChartBody["section_id"])
	assert.Equal(t, "dd1", createdChartBody["dataset_id"])

	commonFilters, ok := createdChartBody["common_filters"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "dd1", commonFilters["dataset_id"])
	sessions, ok := commonFilters["session"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"dp1"}, sessions)

	series, ok := createdChartBody["series"].([]interface{})
	require.True(t, ok)
	require.Len(t, series, 1)
	seriesObj := series[0].(map[string]interface{})
	filters := seriesObj["filters"].(map[string]interface{})
	assert.Equal(t, "dp1", filters["project_id"])

	destID, ok := c.IDs.Get(kind.Chart, "c1")
	require.True(t, ok)
	assert.Equal(t, "dc1", destID)
}

func TestChartMigratorRetriesWithoutSectionOnCreateFailure(t *testing.T) {
	var attempts int

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sections":[{"title":"Ops","charts":[{"id":"c1","title":"errors over time"}]}]}`))
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/charts":
			w.Write([]byte(`{"sections":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/charts/section":
			w.Write([]byte(`{"id":"ds1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/charts/create":
			attempts++
			body, _ := io.ReadAll(r.Body)
			var payload map[string]interface{}
			json.Unmarshal(body, &payload)
			if _, hasSection := payload["section_id"]; hasSection {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"id":"dc1"}`))
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

	m := &ChartMigrator{}
	require.NoError(t, m.MigrateAll(context.Background(), c))

	destID, ok := c.IDs.Get(kind.Chart, "c1")
	require.True(t, ok)
	assert.Equal(t, "dc1", destID)
	assert.GreaterOrEqual(t, attempts, 2, "expected a retry without section_id after the first attempt failed")
}
