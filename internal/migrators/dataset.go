package migrators

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// datasetUpdateFields is the subset of Dataset fields the destination
// accepts on PATCH; create-only fields (none for Dataset) are simply
// never included here.
var datasetUpdateFields = []string{"description", "data_type", "metadata"}

// DatasetMigrator migrates Dataset and, recursively, its Examples and
// (optionally) Experiments.
type DatasetMigrator struct {
	Examples    *ExampleMigrator
	Experiments *ExperimentMigrator
}

func NewDatasetMigrator() *DatasetMigrator {
	return &DatasetMigrator{
		Examples:    &ExampleMigrator{},
		Experiments: &ExperimentMigrator{},
	}
}

// ListSource streams every source dataset.
func (m *DatasetMigrator) ListSource(ctx context.Context, c Context) ([]record.Record, error) {
	return c.Source.PaginateAll(ctx, "/datasets", nil, 100)
}

// FetchSource refetches a single source dataset by ID, letting a resumed
// run (spec.md §4.5) pick up exactly the outstanding items recorded in
// the session instead of re-listing the entire source.
func (m *DatasetMigrator) FetchSource(ctx context.Context, c Context, sourceID string) (record.Record, error) {
	return c.Source.Get(ctx, "/datasets/"+sourceID, nil)
}

// FindExisting builds a name index over the destination's datasets and
// looks up name, implementing the Dataset match key (spec.md §4.4).
func (m *DatasetMigrator) FindExisting(ctx context.Context, c Context, name string) (string, error) {
	destItems, err := c.Dest.PaginateAll(ctx, "/datasets", nil, 100)
	if err != nil {
		return "", fmt.Errorf("list destination datasets: %w", err)
	}
	idx := idmap.BuildNameIndex(destItems, func(r record.Record) string { return r.String("name") })
	for _, dup := range idx.Duplicates {
		c.Log.Warn("duplicate dataset name on destination; first match wins", zap.String("name", dup))
	}
	id, _ := idx.Lookup(name)
	return id, nil
}

// Migrate performs the Dataset upsert and recurses into Examples (always)
// and Experiments (if Opts.IncludeExperiments).
func (m *DatasetMigrator) Migrate(ctx context.Context, c Context, source record.Record) Result {
	name := source.String("name")
	sourceID := source.ID()
	res := Result{SourceID: sourceID}

	if name == "" {
		res.Outcome = Failed
		res.Reason = "dataset has no name"
		return res
	}

	existingID, err := m.FindExisting(ctx, c, name)
	if err != nil {
		res.Outcome = Failed
		res.Reason = err.Error()
		return res
	}

	destID := existingID
	switch {
	case existingID != "" && c.Opts.SkipExisting:
		res.Outcome = Skipped
		res.Reason = "already exists"
	case existingID != "":
		if !c.Opts.DryRun {
			payload := record.StripNulls(source.Clone())
			delete(payload, "id")
			for k := range payload {
				if !contains(datasetUpdateFields, k) {
					delete(payload, k)
				}
			}
			if _, err := c.Dest.Patch(ctx, "/datasets/"+existingID, payload); err != nil {
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
			created, err := c.Dest.Post(ctx, "/datasets", payload)
			if err != nil {
				res.Outcome = Failed
				res.Reason = err.Error()
				return res
			}
			destID = created.ID()
		} else {
			destID = "dry-run-dataset-" + sourceID
		}
		res.Outcome = Created
	}

	res.DestID = destID
	c.IDs.Set(kind.Dataset, sourceID, destID)

	if err := m.Examples.MigrateAll(ctx, c, sourceID, destID); err != nil {
		c.Log.Error("example migration failed for dataset", zap.String("dataset", name), zap.Error(err))
	}
	if c.Opts.IncludeExperiments {
		if err := m.Experiments.MigrateAll(ctx, c, sourceID, destID); err != nil {
			c.Log.Error("experiment migration failed for dataset", zap.String("dataset", name), zap.Error(err))
		}
	}

	return res
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
