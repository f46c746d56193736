package migrators

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// chartKey is a Chart's match key: title scoped to a destination section
// (spec.md §4.4 Chart). Charts with no section share the "" section key.
type chartKey struct {
	title     string
	sectionID string
}

// ChartMigrator migrates dashboard Charts, ensuring each chart's Section
// exists by title and rewriting project/dataset/session references
// nested in its filters.
type ChartMigrator struct {
	projects ProjectResolver
	sections map[string]string // source section title -> destination section id
}

// MigrateAll lists source and destination charts via the dashboard's
// sectioned-tree endpoint, builds the (title, dest section) match index
// and the destination's title->section-id map from that same tree, and
// upserts each chart (spec.md §6: "POST /charts ... lists charts via the
// sectioned dashboard tree").
func (m *ChartMigrator) MigrateAll(ctx context.Context, c Context) error {
	sourceResp, err := fetchChartTree(ctx, c.Source, c.now)
	if err != nil {
		return fmt.Errorf("list source charts: %w", err)
	}
	destResp, err := fetchChartTree(ctx, c.Dest, c.now)
	if err != nil {
		return fmt.Errorf("list destination charts: %w", err)
	}

	source := flattenChartTree(sourceResp)
	dest := flattenChartTree(destResp)

	destByKey := make(map[chartKey]string, len(dest))
	for _, ch := range dest {
		k := chartKey{title: ch.String("title"), sectionID: ch.String("section_id")}
		if _, exists := destByKey[k]; !exists {
			destByKey[k] = ch.ID()
		}
	}

	m.sections = destSectionMap(destResp)

	for _, chart := range source {
		m.migrateOne(ctx, c, chart, destByKey)
	}
	return nil
}

// fetchChartTree lists charts via the dashboard's sectioned tree, the
// same request shape for a source and destination listing (spec.md §6).
func fetchChartTree(ctx context.Context, client interface {
	Post(context.Context, string, interface{}) (record.Record, error)
}, now func() time.Time) (record.Record, error) {
	return client.Post(ctx, "/charts", listChartsPayload(now()))
}

// listChartsPayload builds the POST /charts body: a 24-hour window with
// data omitted, since only the chart definitions (not their series data)
// are needed for migration.
func listChartsPayload(now time.Time) record.Record {
	return record.Record{
		"timezone":     "UTC",
		"omit_data":    true,
		"start_time":   now.Add(-24 * time.Hour).Format(time.RFC3339),
		"end_time":     nil,
		"stride":       record.Record{"days": 0, "hours": 0, "minutes": 15},
		"after_index":  nil,
		"tag_value_id": nil,
	}
}

// flattenChartTree walks a POST /charts response's sectioned tree,
// tagging each chart with the section it came from so migrateOne can
// resolve (or recreate) that section on the destination. Falls back to a
// flat "charts" or "items" list for a response with no sections.
func flattenChartTree(resp record.Record) []record.Record {
	if sections := resp.Slice("sections"); sections != nil {
		var out []record.Record
		for _, raw := range sections {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			section := record.Record(obj)
			title := section.String("title")
			desc := section.String("description")
			for _, craw := range section.Slice("charts") {
				cobj, ok := craw.(map[string]interface{})
				if !ok {
					continue
				}
				chart := record.Record(cobj).Clone()
				if title != "" {
					chart["_source_section_title"] = title
				}
				if desc != "" {
					chart["_source_section_description"] = desc
				}
				out = append(out, chart)
			}
		}
		return out
	}
	for _, key := range []string{"charts", "items"} {
		if flat := resp.Slice(key); flat != nil {
			out := make([]record.Record, 0, len(flat))
			for _, raw := range flat {
				if obj, ok := raw.(map[string]interface{}); ok {
					out = append(out, record.Record(obj))
				}
			}
			return out
		}
	}
	return nil
}

// destSectionMap extracts the destination's title->section-id map
// directly from the same sectioned tree response used to flatten its
// charts, rather than a second request for it.
func destSectionMap(resp record.Record) map[string]string {
	out := make(map[string]string)
	for _, raw := range resp.Slice("sections") {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		section := record.Record(obj)
		if title := section.String("title"); title != "" {
			out[title] = section.ID()
		}
	}
	return out
}

func (m *ChartMigrator) migrateOne(ctx context.Context, c Context, source record.Record, destByKey map[chartKey]string) {
	title := source.String("title")
	sourceID := source.ID()
	res := Result{SourceID: sourceID}
	if title == "" {
		c.Log.Warn("chart skipped: no title", zap.String("source_id", sourceID))
		res.Outcome = Failed
		res.Reason = "chart has no title"
		recordItem(c, kind.Chart, sourceID, res)
		return
	}

	var destSectionID string
	if sectionTitle := source.String("_source_section_title"); sectionTitle != "" {
		id, err := m.ensureSection(ctx, c, sectionTitle, source.String("_source_section_description"))
		if err != nil {
			c.Log.Warn("chart section could not be ensured, creating unsectioned",
				zap.String("title", title), zap.String("section_title", sectionTitle), zap.Error(err))
		} else {
			destSectionID = id
		}
	}

	payload := m.rewritePayload(ctx, c, source, destSectionID)

	existingID := destByKey[chartKey{title: title, sectionID: destSectionID}]

	switch {
	case existingID != "" && c.Opts.SkipExisting:
		c.IDs.Set(kind.Chart, sourceID, existingID)
		res.DestID, res.Outcome = existingID, Skipped
		res.Reason = "already exists"
		recordItem(c, kind.Chart, title, res)
		return
	case existingID != "":
		if c.Opts.DryRun {
			c.IDs.Set(kind.Chart, sourceID, existingID)
			res.DestID, res.Outcome = existingID, Updated
			recordItem(c, kind.Chart, title, res)
			return
		}
		if _, err := c.Dest.Patch(ctx, "/charts/"+existingID, payload); err != nil {
			c.Log.Error("chart update failed", zap.String("title", title), zap.Error(err))
			res.Outcome = Failed
			res.Reason = err.Error()
			recordItem(c, kind.Chart, title, res)
			return
		}
		c.IDs.Set(kind.Chart, sourceID, existingID)
		res.DestID, res.Outcome = existingID, Updated
		recordItem(c, kind.Chart, title, res)
	default:
		if c.Opts.DryRun {
			destID := "dry-run-chart-" + sourceID
			c.IDs.Set(kind.Chart, sourceID, destID)
			res.DestID, res.Outcome = destID, Created
			recordItem(c, kind.Chart, title, res)
			return
		}
		created, err := c.Dest.Post(ctx, "/charts/create", payload)
		if err != nil && payload.String("section_id") != "" {
			// Sections are best-effort: retry once without it rather than
			// fail the whole chart (spec.md §4.4 Chart, rule 3).
			retry := payload.Clone()
			delete(retry, "section_id")
			created, err = c.Dest.Post(ctx, "/charts/create", retry)
		}
		if err != nil {
			c.Log.Error("chart create failed", zap.String("title", title), zap.Error(err))
			res.Outcome = Failed
			res.Reason = err.Error()
			recordItem(c, kind.Chart, title, res)
			return
		}
		c.IDs.Set(kind.Chart, sourceID, created.ID())
		res.DestID, res.Outcome = created.ID(), Created
		recordItem(c, kind.Chart, title, res)
	}
}

// ensureSection looks up a destination section by title, creating it on
// demand (spec.md §4.4 Chart, rule 1), and caches the result for the rest
// of this run.
func (m *ChartMigrator) ensureSection(ctx context.Context, c Context, title, description string) (string, error) {
	if id, ok := m.sections[title]; ok {
		return id, nil
	}
	if c.Opts.DryRun {
		id := "dry-run-section-" + title
		m.sections[title] = id
		return id, nil
	}
	created, err := c.Dest.Post(ctx, "/charts/section", record.Record{
		"title":       title,
		"description": description,
		"index":       0,
	})
	if err != nil {
		return "", err
	}
	id := created.ID()
	m.sections[title] = id
	return id, nil
}

// rewritePayload clones the source chart and rewrites every project,
// dataset, and session reference nested in its filters to destination IDs
// (spec.md §4.4 Chart, rule 2).
func (m *ChartMigrator) rewritePayload(ctx context.Context, c Context, source record.Record, destSectionID string) record.Record {
	payload := record.StripNulls(source.Clone())
	delete(payload, "id")
	delete(payload, "_source_section_title")
	delete(payload, "_source_section_description")
	delete(payload, "section_id")
	if destSectionID != "" {
		payload["section_id"] = destSectionID
	}

	for _, field := range []string{"project_id", "session_id", "dataset_id"} {
		if v := payload.String(field); v != "" {
			if rewritten, ok := m.rewriteScopeID(ctx, c, field, v); ok {
				payload[field] = rewritten
			} else {
				delete(payload, field)
			}
		}
	}

	if commonFilters := payload.Object("common_filters"); commonFilters != nil {
		payload["common_filters"] = m.rewriteCommonFilters(ctx, c, commonFilters)
	}

	if series := payload.Slice("series"); series != nil {
		rewritten := make([]interface{}, len(series))
		for i, raw := range series {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				rewritten[i] = raw
				continue
			}
			s := record.Record(obj)
			if filters := s.Object("filters"); filters != nil {
				s["filters"] = m.rewriteCommonFilters(ctx, c, filters)
			}
			rewritten[i] = map[string]interface{}(s)
		}
		payload["series"] = rewritten
	}

	return payload
}

func (m *ChartMigrator) rewriteCommonFilters(ctx context.Context, c Context, filters record.Record) record.Record {
	out := filters.Clone()
	if sessions := out.Slice("session"); sessions != nil {
		rewritten := make([]interface{}, 0, len(sessions))
		for _, raw := range sessions {
			sourceID, ok := raw.(string)
			if !ok {
				continue
			}
			if destID, ok := m.rewriteScopeID(ctx, c, "session_id", sourceID); ok {
				rewritten = append(rewritten, destID)
			}
		}
		out["session"] = rewritten
	}
	for _, field := range []string{"project_id", "session_id", "dataset_id"} {
		if v := out.String(field); v != "" {
			if rewritten, ok := m.rewriteScopeID(ctx, c, field, v); ok {
				out[field] = rewritten
			} else {
				delete(out, field)
			}
		}
	}
	return out
}

func (m *ChartMigrator) rewriteScopeID(ctx context.Context, c Context, field, sourceID string) (string, bool) {
	switch field {
	case "dataset_id":
		return c.IDs.Get(kind.Dataset, sourceID)
	case "project_id", "session_id":
		return m.projects.Resolve(ctx, c, sourceID)
	default:
		return "", false
	}
}
