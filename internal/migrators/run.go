package migrators

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// RunMigrator migrates the Run tree of one Experiment, regenerating
// lineage (trace_id, dotted_order, parent_run_id) against newly minted
// destination IDs (spec.md §4.4 Run, invariants 3-4).
type RunMigrator struct{}

const runQueryPageSize = 200

// MigrateAll lists every source run for experimentSourceID, sorts by
// dotted_order ascending to guarantee parents are visited before
// children, then bulk-writes them to destExperimentID.
func (m *RunMigrator) MigrateAll(ctx context.Context, c Context, experimentSourceID, destExperimentID string) error {
	if destExperimentID == "" {
		return fmt.Errorf("runs skipped: experiment %s was not migrated", experimentSourceID)
	}

	runs, err := m.listSourceRuns(ctx, c, experimentSourceID)
	if err != nil {
		return fmt.Errorf("list source runs: %w", err)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].String("dotted_order") < runs[j].String("dotted_order")
	})

	traceMap := make(map[string]string) // source trace_id -> new root run id
	var batch []record.Record
	var batchSourceIDs []string

	flush := func() {
		if len(batch) == 0 || c.Opts.DryRun {
			batch, batchSourceIDs = nil, nil
			return
		}
		result := c.Dest.BatchPost(ctx, "/runs/batch", batch, c.Opts.BatchSize)
		for i, item := range result.Items {
			sourceID := batchSourceIDs[i]
			destID, _ := c.IDs.Get(kind.Run, sourceID)
			res := Result{SourceID: sourceID, DestID: destID, Outcome: Created}
			if item.Err != nil {
				c.Log.Error("run create failed", zap.String("source_id", sourceID), zap.Error(item.Err))
				res.Outcome = Failed
				res.Reason = item.Err.Error()
			}
			recordItem(c, kind.Run, sourceID, res)
		}
		batch, batchSourceIDs = nil, nil
	}

	batchSize := c.Opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	for _, src := range runs {
		payload, newRunID, ok := m.prepareRun(c, src, destExperimentID, traceMap)
		if !ok {
			continue
		}
		c.IDs.Set(kind.Run, src.ID(), newRunID)
		if c.Opts.DryRun {
			continue
		}
		batch = append(batch, payload)
		batchSourceIDs = append(batchSourceIDs, src.ID())
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()
	return nil
}

// prepareRun computes a source run's destination payload, returning the
// newly assigned run ID. ok is always true: the unmapped-experiment case
// is rejected by MigrateAll before any run is prepared.
func (m *RunMigrator) prepareRun(c Context, src record.Record, destExperimentID string, traceMap map[string]string) (record.Record, string, bool) {
	newRunID := uuid.NewString()
	sourceParentID := src.String("parent_run_id")
	sourceTraceID := src.String("trace_id")

	var traceID string
	if sourceParentID == "" {
		traceID = newRunID
		if sourceTraceID != "" {
			traceMap[sourceTraceID] = newRunID
		}
	} else if root, ok := traceMap[sourceTraceID]; ok {
		traceID = root
	} else {
		// Should be impossible after sorting by dotted_order ascending;
		// preserved per spec as a DataIntegrity fallback, not a hard
		// failure (spec.md Open Questions).
		c.Log.Warn("run trace root not found in trace map, falling back to own id",
			zap.String("source_id", src.ID()), zap.String("source_trace_id", sourceTraceID))
		traceID = newRunID
	}

	payload := record.StripNulls(src.Clone())
	delete(payload, "id")
	payload["session_id"] = destExperimentID
	payload["trace_id"] = traceID
	payload["dotted_order"] = regenerateDottedOrder(src.String("dotted_order"), c.IDs, newRunID)

	if destParentID, ok := c.IDs.Get(kind.Run, sourceParentID); sourceParentID != "" && ok {
		payload["parent_run_id"] = destParentID
	} else {
		delete(payload, "parent_run_id")
	}

	if refExampleID := src.String("reference_example_id"); refExampleID != "" {
		if destExampleID, ok := c.IDs.Get(kind.Example, refExampleID); ok {
			payload["reference_example_id"] = destExampleID
		} else {
			delete(payload, "reference_example_id")
		}
	}

	return payload, newRunID, true
}

// regenerateDottedOrder rewrites every {timestamp}Z{uuid} segment's UUID
// using the run ID-map built so far, forcing the LAST segment's UUID to
// newRunID regardless of what the map holds (spec.md §3 invariant 4).
// Deterministic given the same dotted string and the same map contents
// (spec.md §8 round-trip law).
func regenerateDottedOrder(dottedOrder string, runs interface {
	Get(kind.Kind, string) (string, bool)
}, newRunID string) string {
	if dottedOrder == "" {
		return newRunID
	}
	segments := strings.Split(dottedOrder, ".")
	for i, seg := range segments {
		sep := strings.Index(seg, "Z")
		if sep < 0 {
			continue
		}
		timestamp, oldUUID := seg[:sep], seg[sep+1:]
		if i == len(segments)-1 {
			segments[i] = timestamp + "Z" + newRunID
			continue
		}
		if mapped, ok := runs.Get(kind.Run, oldUUID); ok {
			segments[i] = timestamp + "Z" + mapped
		}
		// else: leave the ancestor segment's UUID unchanged; it refers
		// to a run outside this migration's scope.
	}
	return strings.Join(segments, ".")
}

// listSourceRuns drives the cursor-paginated /runs/query endpoint for one
// experiment (spec.md §6: "POST /runs/query (paginated via body cursor)").
func (m *RunMigrator) listSourceRuns(ctx context.Context, c Context, experimentSourceID string) ([]record.Record, error) {
	var all []record.Record
	cursor := ""
	seen := make(map[string]bool)

	for page := 0; page < maxRunQueryPages; page++ {
		body := record.Record{
			"session": []string{experimentSourceID},
			"limit":   runQueryPageSize,
		}
		if cursor != "" {
			body["cursor"] = cursor
		}
		resp, err := c.Source.Post(ctx, "/runs/query", body)
		if err != nil {
			return nil, err
		}
		items := resp.Slice("runs")
		if len(items) == 0 {
			break
		}
		newInPage := 0
		for _, raw := range items {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			r := record.Record(obj)
			if id := r.ID(); id != "" {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			newInPage++
			all = append(all, r)
		}
		next := resp.String("cursor")
		if next == "" || next == cursor || newInPage == 0 {
			break
		}
		cursor = next
	}
	return all, nil
}

const maxRunQueryPages = 10000
