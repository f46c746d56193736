package migrators

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// ruleCreateOnlyFields are accepted on POST but rejected by the server on
// PATCH (spec.md §4.4 Rule: "group_by" is the notable one).
var ruleCreateOnlyFields = map[string]bool{"group_by": true}

// RuleMigrator migrates automation Rules, reconstructing v3+ evaluator
// structured objects and rewriting project/dataset references.
type RuleMigrator struct {
	projects ProjectResolver
}

type ruleKey struct {
	name      string
	scopeKind string // "dataset" or "project"
	scopeID   string // the DESTINATION scope id this rule was matched against
}

// MigrateAll lists source and destination rules, builds the scoped match
// index, and upserts each source rule.
func (m *RuleMigrator) MigrateAll(ctx context.Context, c Context) error {
	source, err := c.Source.PaginateAll(ctx, "/runs/rules", nil, 100)
	if err != nil {
		return fmt.Errorf("list source rules: %w", err)
	}
	destItems, err := c.Dest.PaginateAll(ctx, "/runs/rules", nil, 100)
	if err != nil {
		return fmt.Errorf("list destination rules: %w", err)
	}

	destByKey := make(map[ruleKey]string, len(destItems))
	for _, r := range destItems {
		k, ok := ruleKeyOf(r)
		if !ok {
			continue
		}
		if _, exists := destByKey[k]; !exists {
			destByKey[k] = r.ID()
		}
	}

	for _, rule := range source {
		m.migrateOne(ctx, c, rule, destByKey)
	}
	return nil
}

func ruleKeyOf(r record.Record) (ruleKey, bool) {
	name := r.String("name")
	if name == "" {
		return ruleKey{}, false
	}
	if ds := r.String("dataset_id"); ds != "" {
		return ruleKey{name: name, scopeKind: "dataset", scopeID: ds}, true
	}
	if proj := r.String("session_id"); proj != "" {
		return ruleKey{name: name, scopeKind: "project", scopeID: proj}, true
	}
	return ruleKey{}, false
}

func (m *RuleMigrator) migrateOne(ctx context.Context, c Context, source record.Record, destByKey map[ruleKey]string) {
	name := source.String("name")
	sourceID := source.ID()
	res := Result{SourceID: sourceID}
	if name == "" {
		c.Log.Warn("rule skipped: no name", zap.String("source_id", sourceID))
		res.Outcome = Failed
		res.Reason = "rule has no name"
		recordItem(c, kind.Rule, sourceID, res)
		return
	}

	destDatasetID, haveDataset := "", false
	if sourceDatasetID := source.String("dataset_id"); sourceDatasetID != "" {
		destDatasetID, haveDataset = c.IDs.Get(kind.Dataset, sourceDatasetID)
	}

	destProjectID, haveProject := "", false
	if sourceProjectID := source.String("session_id"); sourceProjectID != "" {
		destProjectID, haveProject = m.projects.Resolve(ctx, c, sourceProjectID)
	}

	if c.Opts.StripProjectReference {
		haveProject = false
		destProjectID = ""
		if !haveDataset {
			c.Log.Warn("rule skipped: strip_project_reference set but no dataset mapped", zap.String("name", name))
			res.Outcome = Failed
			res.Reason = "strip_project_reference set but no dataset mapped"
			recordItem(c, kind.Rule, name, res)
			return
		}
	}

	if !haveDataset && !haveProject {
		c.Log.Warn("rule skipped: neither project nor dataset could be mapped", zap.String("name", name))
		res.Outcome = Failed
		res.Reason = "neither project nor dataset could be mapped"
		recordItem(c, kind.Rule, name, res)
		return
	}

	destKey := ruleKey{name: name}
	if haveDataset {
		destKey.scopeKind, destKey.scopeID = "dataset", destDatasetID
	} else {
		destKey.scopeKind, destKey.scopeID = "project", destProjectID
	}
	existingID := destByKey[destKey]

	payload, err := m.buildPayload(ctx, c, source, destDatasetID, destProjectID, haveDataset, haveProject)
	if err != nil {
		c.Log.Warn("rule skipped", zap.String("name", name), zap.Error(err))
		res.Outcome = Failed
		res.Reason = err.Error()
		recordItem(c, kind.Rule, name, res)
		return
	}

	switch {
	case existingID != "" && c.Opts.SkipExisting:
		c.IDs.Set(kind.Rule, sourceID, existingID)
		res.DestID, res.Outcome = existingID, Skipped
		res.Reason = "already exists"
		recordItem(c, kind.Rule, name, res)
	case existingID != "":
		if c.Opts.DryRun {
			c.IDs.Set(kind.Rule, sourceID, existingID)
			res.DestID, res.Outcome = existingID, Updated
			recordItem(c, kind.Rule, name, res)
			return
		}
		update := record.Record{}
		for k, v := range payload {
			if ruleCreateOnlyFields[k] {
				continue
			}
			update[k] = v
		}
		if _, err := c.Dest.Patch(ctx, "/runs/rules/"+existingID, update); err != nil {
			c.Log.Error("rule update failed", zap.String("name", name), zap.Error(err))
			res.Outcome = Failed
			res.Reason = err.Error()
			recordItem(c, kind.Rule, name, res)
			return
		}
		c.IDs.Set(kind.Rule, sourceID, existingID)
		res.DestID, res.Outcome = existingID, Updated
		recordItem(c, kind.Rule, name, res)
	default:
		if c.Opts.DryRun {
			destID := "dry-run-rule-" + sourceID
			c.IDs.Set(kind.Rule, sourceID, destID)
			res.DestID, res.Outcome = destID, Created
			recordItem(c, kind.Rule, name, res)
			return
		}
		if c.Opts.CreateDisabled {
			payload["is_enabled"] = false
		}
		created, err := c.Dest.Post(ctx, "/runs/rules", payload)
		if err != nil {
			c.Log.Error("rule create failed", zap.String("name", name), zap.Error(err))
			res.Outcome = Failed
			res.Reason = err.Error()
			recordItem(c, kind.Rule, name, res)
			return
		}
		c.IDs.Set(kind.Rule, sourceID, created.ID())
		res.DestID, res.Outcome = created.ID(), Created
		recordItem(c, kind.Rule, name, res)
	}
}

func (m *RuleMigrator) buildPayload(ctx context.Context, c Context, source record.Record, destDatasetID, destProjectID string, haveDataset, haveProject bool) (record.Record, error) {
	payload := source.Clone()
	delete(payload, "id")
	delete(payload, "dataset_id")
	delete(payload, "session_id")
	if haveDataset {
		payload["dataset_id"] = destDatasetID
	}
	if haveProject {
		payload["session_id"] = destProjectID
	}

	if raw, ok := payload["evaluators"]; ok {
		payload["evaluators"] = record.DeepStripNulls(raw)
	}

	if hubRef := source.String("evaluator_prompt_handle"); hubRef != "" {
		structured, err := m.reconstructV3Evaluator(ctx, c, source)
		if err != nil {
			return nil, err
		}
		payload["evaluators"] = []interface{}{
			map[string]interface{}{"structured": structured},
		}
		delete(payload, "evaluator_prompt_handle")
		delete(payload, "evaluator_commit_hash_or_tag")
		delete(payload, "evaluator_variable_mapping")
	}

	return record.StripNulls(payload), nil
}

// reconstructV3Evaluator builds {hub_ref, variable_mapping, model} from a
// rule's separate v3+ fields, harvesting the model from the referenced
// prompt's manifest (spec.md §4.4 Rule, invariant 6).
func (m *RuleMigrator) reconstructV3Evaluator(ctx context.Context, c Context, source record.Record) (record.Record, error) {
	handle := source.String("evaluator_prompt_handle")
	commit := source.String("evaluator_commit_hash_or_tag")
	if commit == "" {
		commit = "latest"
	}
	hubRef := handle
	if commit != "" && commit != "latest" {
		hubRef = handle + ":" + commit
	}

	owner, repo, ok := splitHandle(handle)
	if !ok {
		return nil, fmt.Errorf("evaluator prompt handle %q is not owner/repo", handle)
	}
	path := fmt.Sprintf("/commits/%s/%s/%s", owner, repo, commit)

	model, err := fetchEvaluatorModel(ctx, c.Source, path)
	if err != nil || model == nil {
		model, err = fetchEvaluatorModel(ctx, c.Dest, path)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch prompt manifest for evaluator model: %w", err)
	}
	if model == nil {
		return nil, fmt.Errorf("prompt manifest for %q has no embedded model (invariant requires one)", handle)
	}

	return record.Record{
		"hub_ref":          hubRef,
		"variable_mapping": source["evaluator_variable_mapping"],
		"model":            model,
	}, nil
}

// fetchEvaluatorModel fetches a commit manifest and extracts its embedded
// model, returning (nil, nil) if the manifest's type isn't one of the
// sequence types that carry one.
func fetchEvaluatorModel(ctx context.Context, client interface {
	Get(context.Context, string, url.Values) (record.Record, error)
}, path string) (interface{}, error) {
	resp, err := client.Get(ctx, path, url.Values{"include_model": {"true"}})
	if err != nil {
		return nil, err
	}
	manifest := resp.Object("manifest")
	if manifest == nil {
		manifest = resp
	}
	switch manifest.String("type") {
	case "RunnableSequence", "PromptPlayground":
		kwargs := manifest.Object("kwargs")
		if kwargs == nil {
			return nil, nil
		}
		return kwargs["last"], nil
	default:
		return nil, nil
	}
}

func splitHandle(handle string) (owner, repo string, ok bool) {
	parts := strings.SplitN(handle, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

