package migrators

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// FeedbackMigrator migrates Feedback attached to the Runs of one
// Experiment. The destination has no batch endpoint for feedback, so
// items are created one at a time (spec.md §4.4 Feedback).
type FeedbackMigrator struct{}

// MigrateAll fetches source feedback for experimentSourceID and creates
// each one against its mapped run.
func (m *FeedbackMigrator) MigrateAll(ctx context.Context, c Context, experimentSourceID string) error {
	items, err := c.Source.PaginateAll(ctx, "/feedback", url.Values{"session": {experimentSourceID}}, 100)
	if err != nil {
		return fmt.Errorf("list source feedback: %w", err)
	}

	for _, fb := range items {
		m.migrateOne(ctx, c, fb)
	}
	return nil
}

func (m *FeedbackMigrator) migrateOne(ctx context.Context, c Context, fb record.Record) {
	sourceID := fb.ID()
	res := Result{SourceID: sourceID}

	sourceRunID := fb.String("run_id")
	destRunID, ok := c.IDs.Get(kind.Run, sourceRunID)
	if !ok {
		c.Log.Warn("feedback skipped: run not mapped", zap.String("source_id", sourceID), zap.String("source_run_id", sourceRunID))
		res.Outcome = Failed
		res.Reason = "source run was not mapped"
		recordItem(c, kind.Feedback, sourceID, res)
		return
	}
	if c.Opts.DryRun {
		destID := "dry-run-feedback-" + sourceID
		c.IDs.Set(kind.Feedback, sourceID, destID)
		res.DestID, res.Outcome = destID, Created
		recordItem(c, kind.Feedback, sourceID, res)
		return
	}

	payload := record.StripNulls(fb.Clone())
	delete(payload, "id")
	payload["run_id"] = destRunID

	created, err := c.Dest.Post(ctx, "/feedback", payload)
	if err != nil {
		c.Log.Error("feedback create failed", zap.String("source_id", sourceID), zap.Error(err))
		res.Outcome = Failed
		res.Reason = err.Error()
		recordItem(c, kind.Feedback, sourceID, res)
		return
	}
	c.IDs.Set(kind.Feedback, sourceID, created.ID())
	res.DestID, res.Outcome = created.ID(), Created
	recordItem(c, kind.Feedback, sourceID, res)
}
