package migrators

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

var experimentUpdateFields = []string{"description", "end_time", "extra", "metadata"}

// ExperimentMigrator migrates the Experiments ("sessions") of one
// Dataset, and recursively their Runs and Feedback.
type ExperimentMigrator struct {
	Runs     *RunMigrator
	Feedback *FeedbackMigrator
}

func (m *ExperimentMigrator) runsM() *RunMigrator {
	if m.Runs == nil {
		m.Runs = &RunMigrator{}
	}
	return m.Runs
}

func (m *ExperimentMigrator) feedbackM() *FeedbackMigrator {
	if m.Feedback == nil {
		m.Feedback = &FeedbackMigrator{}
	}
	return m.Feedback
}

// MigrateAll migrates every source experiment referencing datasetSourceID.
func (m *ExperimentMigrator) MigrateAll(ctx context.Context, c Context, datasetSourceID, destDatasetID string) error {
	source, err := c.Source.PaginateAll(ctx, "/sessions", url.Values{"reference_dataset": {datasetSourceID}}, 100)
	if err != nil {
		return fmt.Errorf("list source experiments: %w", err)
	}

	dest, err := c.Dest.PaginateAll(ctx, "/sessions", url.Values{"reference_dataset": {destDatasetID}}, 100)
	if err != nil {
		return fmt.Errorf("list destination experiments: %w", err)
	}
	idx := idmap.BuildNameIndex(dest, func(r record.Record) string { return r.String("name") })
	for _, dup := range idx.Duplicates {
		c.Log.Warn("duplicate experiment name for dataset on destination; first match wins", zap.String("name", dup))
	}

	for _, exp := range source {
		res := m.migrateOne(ctx, c, exp, destDatasetID, idx)
		recordItem(c, kind.Experiment, exp.String("name"), res)
		if res.Outcome == Failed {
			c.Log.Error("experiment migration failed", zap.String("source_id", res.SourceID), zap.String("reason", res.Reason))
			continue
		}

		if err := m.runsM().MigrateAll(ctx, c, res.SourceID, res.DestID); err != nil {
			c.Log.Error("run migration failed for experiment", zap.String("experiment", res.SourceID), zap.Error(err))
		}
		if err := m.feedbackM().MigrateAll(ctx, c, res.SourceID); err != nil {
			c.Log.Error("feedback migration failed for experiment", zap.String("experiment", res.SourceID), zap.Error(err))
		}
	}
	return nil
}

func (m *ExperimentMigrator) migrateOne(ctx context.Context, c Context, source record.Record, destDatasetID string, idx *idmap.NameIndex) Result {
	name := source.String("name")
	sourceID := source.ID()
	res := Result{SourceID: sourceID}
	if name == "" {
		res.Outcome = Failed
		res.Reason = "experiment has no name"
		return res
	}

	existingID, _ := idx.Lookup(name)
	destID := existingID

	normalizedExtra, warnings := normalizeExtra(source.Object("extra"))
	for _, w := range warnings {
		c.Log.Warn("evaluator normalization", zap.String("experiment", name), zap.String("warning", w))
	}

	switch {
	case existingID != "" && c.Opts.SkipExisting:
		res.Outcome = Skipped
	case existingID != "":
		if !c.Opts.DryRun {
			payload := record.Record{"extra": normalizedExtra}
			for _, f := range experimentUpdateFields {
				if f == "extra" {
					continue
				}
				if v, ok := source[f]; ok {
					payload[f] = v
				}
			}
			if _, err := c.Dest.Patch(ctx, "/sessions/"+existingID, payload); err != nil {
				res.Outcome = Failed
				res.Reason = err.Error()
				return res
			}
		}
		destID = existingID
		res.Outcome = Updated
	default:
		if !c.Opts.DryRun {
			payload := record.StripNulls(source.Clone())
			delete(payload, "id")
			payload["reference_dataset_id"] = destDatasetID
			payload["extra"] = normalizedExtra
			created, err := c.Dest.Post(ctx, "/sessions", payload)
			if err != nil {
				res.Outcome = Failed
				res.Reason = err.Error()
				return res
			}
			destID = created.ID()
		} else {
			destID = "dry-run-experiment-" + sourceID
		}
		res.Outcome = Created
	}

	res.DestID = destID
	c.IDs.Set(kind.Experiment, sourceID, destID)
	return res
}

// normalizeExtra clones extra and fills in each evaluator's missing type
// and feedback_key, returning a human-readable warning for each evaluator
// whose type had to be defaulted because nothing in it identified one;
// other inferences are made silently (spec.md §4.4 Experiment, Open
// Questions: "emit the warning the spec requires").
func normalizeExtra(extra record.Record) (record.Record, []string) {
	if extra == nil {
		return record.Record{}, nil
	}
	out := extra.Clone()
	evaluators := out.Slice("evaluators")
	if evaluators == nil {
		return out, nil
	}

	var warnings []string
	normalized := make([]interface{}, len(evaluators))
	for i, raw := range evaluators {
		ev, ok := raw.(map[string]interface{})
		if !ok {
			normalized[i] = raw
			continue
		}
		rec := record.Record(ev)
		if rec.String("type") == "" {
			t, inferred := inferEvaluatorType(rec)
			rec["type"] = t
			if inferred {
				warnings = append(warnings, fmt.Sprintf("evaluator %d: defaulted type to %q", i, t))
			}
		}
		if rec.String("feedback_key") == "" {
			rec["feedback_key"] = inferFeedbackKey(rec)
		}
		normalized[i] = map[string]interface{}(rec)
	}
	out["evaluators"] = normalized
	return out, warnings
}

// inferEvaluatorType heuristically classifies an evaluator as "Code" or
// "LLM" from marker fields; ambiguous evaluators default to "Code" with
// inferred=true so the caller emits a warning (spec.md Open Questions).
func inferEvaluatorType(ev record.Record) (t string, inferred bool) {
	if hasAnyKey(ev, "code", "function") {
		return "Code", false
	}
	if hasAnyKey(ev, "llm", "model", "llm_config", "prompt_template") {
		return "LLM", false
	}
	return "Code", true
}

func hasAnyKey(r record.Record, keys ...string) bool {
	for _, k := range keys {
		if _, ok := r[k]; ok {
			return true
		}
	}
	return false
}

func inferFeedbackKey(ev record.Record) string {
	for _, field := range []string{"name", "key", "metric_name"} {
		if v := ev.String(field); v != "" {
			return v
		}
	}
	name := ev.String("name")
	if name == "" {
		name = "evaluator"
	}
	return name + "_key"
}
