package migrators

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/canon"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// exampleUpdateFields is the mutable subset of Example fields PATCHed on
// an update; inputs are intentionally excluded since inputs is the match
// key and is never expected to change under an update-in-place policy.
var exampleUpdateFields = []string{"outputs", "metadata", "split"}

// ExampleMigrator migrates the Examples of one Dataset. It is always
// invoked as part of a Dataset migration (spec.md §4.4 Dataset: "Children:
// Examples (always streamed)").
type ExampleMigrator struct{}

// MigrateAll streams every source example for datasetSourceID and upserts
// it against destDatasetID, using inputs-hash matching per spec.md §3
// invariant 7 / §4.4 Dataset.
func (m *ExampleMigrator) MigrateAll(ctx context.Context, c Context, datasetSourceID, destDatasetID string) error {
	hashIndex, err := m.buildDestHashIndex(ctx, c, destDatasetID)
	if err != nil {
		return fmt.Errorf("build destination example hash index: %w", err)
	}

	var plain []record.Record
	var withAttachments []record.Record

	err = c.Source.Paginate(ctx, "/examples", url.Values{"dataset": {datasetSourceID}}, 100, func(r record.Record) error {
		if len(r.Slice("attachments")) > 0 || hasAttachmentKeys(r) {
			withAttachments = append(withAttachments, r)
		} else {
			plain = append(plain, r)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list source examples: %w", err)
	}

	if err := m.migrateBulk(ctx, c, destDatasetID, plain, hashIndex); err != nil {
		return err
	}
	for _, ex := range withAttachments {
		m.migrateWithAttachments(ctx, c, destDatasetID, ex, hashIndex)
	}
	return nil
}

func hasAttachmentKeys(r record.Record) bool {
	for k := range r {
		if len(k) > len("attachment.") && k[:len("attachment.")] == "attachment." {
			return true
		}
	}
	return false
}

// exampleHashIndex maps an inputs-hash to the destination example ID that
// currently carries it.
type exampleHashIndex map[string]string

func (m *ExampleMigrator) buildDestHashIndex(ctx context.Context, c Context, destDatasetID string) (exampleHashIndex, error) {
	idx := make(exampleHashIndex)
	err := c.Dest.Paginate(ctx, "/examples", url.Values{"dataset": {destDatasetID}}, 100, func(r record.Record) error {
		hash, err := canon.Hash(r["inputs"])
		if err != nil {
			return nil // un-hashable inputs on an existing record: skip it from the index, never fatal
		}
		if _, exists := idx[hash]; !exists {
			idx[hash] = r.ID()
		}
		return nil
	})
	return idx, err
}

// migrateBulk posts plain examples (no attachments) via the bulk endpoint
// in batches, isolating per-item failures with the client's recursive
// binary split, and PATCHes any whose inputs-hash already exists at the
// destination.
func (m *ExampleMigrator) migrateBulk(ctx context.Context, c Context, destDatasetID string, items []record.Record, hashIndex exampleHashIndex) error {
	var toCreate []record.Record
	var toCreateSourceIDs []string

	for _, ex := range items {
		sourceID := ex.ID()
		hash, err := canon.Hash(ex["inputs"])
		if err != nil {
			c.Log.Warn("example inputs not hashable, skipping", zap.String("source_id", sourceID), zap.Error(err))
			recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, Outcome: Failed, Reason: "inputs not hashable"})
			continue
		}
		if destID, exists := hashIndex[hash]; exists {
			if c.Opts.SkipExisting {
				c.IDs.Set(kind.Example, sourceID, destID)
				recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, DestID: destID, Outcome: Skipped, Reason: "already exists"})
				continue
			}
			if !c.Opts.DryRun {
				payload := record.Record{}
				for _, field := range exampleUpdateFields {
					if v, ok := ex[field]; ok {
						payload[field] = v
					}
				}
				if _, err := c.Dest.Patch(ctx, "/examples/"+destID, payload); err != nil {
					c.Log.Error("patch example failed", zap.String("dest_id", destID), zap.Error(err))
					recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, Outcome: Failed, Reason: err.Error()})
					continue
				}
			}
			c.IDs.Set(kind.Example, sourceID, destID)
			recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, DestID: destID, Outcome: Updated})
			continue
		}
		toCreate = append(toCreate, prepareExampleCreate(ex, destDatasetID))
		toCreateSourceIDs = append(toCreateSourceIDs, sourceID)
	}

	if len(toCreate) == 0 {
		return nil
	}
	if c.Opts.DryRun {
		for _, sourceID := range toCreateSourceIDs {
			destID := "dry-run-example-" + sourceID
			c.IDs.Set(kind.Example, sourceID, destID)
			recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, DestID: destID, Outcome: Created})
		}
		return nil
	}

	result := c.Dest.BatchPost(ctx, "/examples/bulk", toCreate, c.Opts.BatchSize)
	for i, item := range result.Items {
		sourceID := toCreateSourceIDs[i]
		if item.Err != nil {
			c.Log.Error("example bulk create failed", zap.String("source_id", sourceID), zap.Error(item.Err))
			recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, Outcome: Failed, Reason: item.Err.Error()})
			continue
		}
		c.IDs.Set(kind.Example, sourceID, item.Output.ID())
		recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, DestID: item.Output.ID(), Outcome: Created})
	}
	return nil
}

// prepareExampleCreate clones ex into a creation payload scoped to
// destDatasetID, dropping fields the destination doesn't accept on create.
func prepareExampleCreate(ex record.Record, destDatasetID string) record.Record {
	payload := record.StripNulls(ex.Clone())
	delete(payload, "id")
	delete(payload, "attachments")
	payload["dataset_id"] = destDatasetID
	return payload
}

// migrateWithAttachments handles the single-record path for examples
// that carry attachments: POST the example first, then transfer each
// attachment's bytes through presigned URLs.
func (m *ExampleMigrator) migrateWithAttachments(ctx context.Context, c Context, destDatasetID string, ex record.Record, hashIndex exampleHashIndex) {
	sourceID := ex.ID()
	hash, err := canon.Hash(ex["inputs"])
	if err == nil {
		if destID, exists := hashIndex[hash]; exists {
			c.IDs.Set(kind.Example, sourceID, destID)
			// Never re-upload attachments on update (spec.md §4.4 Dataset).
			recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, DestID: destID, Outcome: Skipped, Reason: "already exists"})
			return
		}
	}

	if c.Opts.DryRun {
		destID := "dry-run-example-" + sourceID
		c.IDs.Set(kind.Example, sourceID, destID)
		recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, DestID: destID, Outcome: Created})
		return
	}

	attachmentSpecs := ex.Slice("attachments")
	payload := prepareExampleCreate(ex, destDatasetID)

	created, err := c.Dest.Post(ctx, "/examples", payload)
	if err != nil {
		c.Log.Error("example create failed", zap.String("source_id", sourceID), zap.Error(err))
		recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, Outcome: Failed, Reason: err.Error()})
		return
	}
	destID := created.ID()
	c.IDs.Set(kind.Example, sourceID, destID)

	for _, raw := range attachmentSpecs {
		spec, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if err := TransferAttachment(ctx, c, sourceID, destID, record.Record(spec)); err != nil {
			c.Log.Error("attachment transfer failed",
				zap.String("source_example", sourceID), zap.String("dest_example", destID), zap.Error(err))
		}
	}
	recordItem(c, kind.Example, sourceID, Result{SourceID: sourceID, DestID: destID, Outcome: Created})
}
