package migrators

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// annotationQueueImmutableFields are never sent on PATCH: created_at is
// server-owned, and the linkage arrays are managed by dedicated endpoints
// rather than a bulk field overwrite (spec.md §4.4 Annotation Queue).
var annotationQueueImmutableFields = map[string]bool{
	"created_at": true,
	"runs":       true,
	"rubric_items": true,
}

// AnnotationQueueMigrator migrates Annotation Queues, matched by name.
type AnnotationQueueMigrator struct{}

func (m *AnnotationQueueMigrator) ListSource(ctx context.Context, c Context) ([]record.Record, error) {
	return c.Source.PaginateAll(ctx, "/annotation-queues", nil, 100)
}

func (m *AnnotationQueueMigrator) MigrateAll(ctx context.Context, c Context) error {
	source, err := m.ListSource(ctx, c)
	if err != nil {
		return fmt.Errorf("list source annotation queues: %w", err)
	}
	dest, err := c.Dest.PaginateAll(ctx, "/annotation-queues", nil, 100)
	if err != nil {
		return fmt.Errorf("list destination annotation queues: %w", err)
	}
	idx := idmap.BuildNameIndex(dest, func(r record.Record) string { return r.String("name") })
	for _, dup := range idx.Duplicates {
		c.Log.Warn("duplicate annotation queue name on destination; first match wins", zap.String("name", dup))
	}

	for _, q := range source {
		res := m.migrateOne(ctx, c, q, idx)
		recordItem(c, kind.AnnotationQueue, q.String("name"), res)
	}
	return nil
}

func (m *AnnotationQueueMigrator) migrateOne(ctx context.Context, c Context, source record.Record, idx *idmap.NameIndex) Result {
	name := source.String("name")
	sourceID := source.ID()
	res := Result{SourceID: sourceID}
	if name == "" {
		res.Outcome = Failed
		res.Reason = "annotation queue has no name"
		return res
	}

	existingID, _ := idx.Lookup(name)
	destID := existingID

	switch {
	case existingID != "" && c.Opts.SkipExisting:
		res.Outcome = Skipped
	case existingID != "":
		if !c.Opts.DryRun {
			payload := record.Record{}
			for k, v := range record.StripNulls(source.Clone()) {
				if annotationQueueImmutableFields[k] || k == "id" {
					continue
				}
				payload[k] = v
			}
			if _, err := c.Dest.Patch(ctx, "/annotation-queues/"+existingID, payload); err != nil {
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
			created, err := c.Dest.Post(ctx, "/annotation-queues", payload)
			if err != nil {
				res.Outcome = Failed
				res.Reason = err.Error()
				return res
			}
			destID = created.ID()
		} else {
			destID = "dry-run-queue-" + sourceID
		}
		res.Outcome = Created
	}

	res.DestID = destID
	c.IDs.Set(kind.AnnotationQueue, sourceID, destID)
	return res
}
