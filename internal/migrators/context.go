// Package migrators implements the per-kind list/find/create/update/link
// logic the orchestrator drives (spec.md §4.4). Every migrator shares one
// Context carrying the two HTTP clients, the cross-kind ID-map table, the
// session being updated, options, and a logger — replacing the source's
// ambient module-level client/config singletons with an explicit value
// threaded through every call (spec.md §9 "Ambient singletons").
package migrators

import (
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/apiclient"
	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/session"
)

// Options mirrors config.Migration's knobs that change migrator
// behavior directly (as opposed to transport-layer knobs already baked
// into the apiclient.Client).
type Options struct {
	DryRun       bool
	SkipExisting bool
	BatchSize    int
	ChunkSize    int

	// EnsureProject controls whether the Rule and Chart migrators (through
	// ProjectResolver) auto-create a missing destination project from the
	// source's copy.
	EnsureProject bool
	// StripProjectReference drops session_id from rules, requiring a
	// dataset ID instead (spec.md §4.4 Rule).
	StripProjectReference bool
	// CreateDisabled forces is_enabled=false on newly created rules.
	CreateDisabled bool
	// PromptIdempotentConflict enables the "409 with empty detail means
	// already up to date" heuristic for prompt commits (spec.md Open
	// Questions: brittle, exposed behind a flag).
	PromptIdempotentConflict bool
	// IncludeExperiments migrates experiments (and transitively runs,
	// feedback) as part of a dataset migration, not just examples.
	IncludeExperiments bool
	// IncludeAllCommits walks a prompt's full commit DAG instead of only
	// its latest manifest.
	IncludeAllCommits bool
}

// Context is passed by value (it's a handful of pointers) to every
// migrator call.
type Context struct {
	Source  *apiclient.Client
	Dest    *apiclient.Client
	IDs     *idmap.Maps
	State   *session.State
	Log     *zap.Logger
	Opts    Options
	Clock   func() time.Time
}

func (c Context) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Result is the outcome the orchestrator reads back from a top-level
// migrate() call: the source/dest IDs resolved (if any), and
// whether it was newly created, updated, skipped, or failed.
type Result struct {
	SourceID string
	DestID   string
	Outcome  Outcome
	Reason   string
}

// Outcome tags what a migrate() call actually did to the destination.
type Outcome string

const (
	Created Outcome = "created"
	Updated Outcome = "updated"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// recordItem upserts the session Item for one migrated resource and
// advances its status, so resume (spec.md §4.5) has a per-kind
// Pending/Failed list to drive off of instead of only Datasets.
func recordItem(c Context, k kind.Kind, name string, res Result) {
	if c.State == nil {
		return
	}
	id := itemKey(k, res.SourceID)
	c.State.AddItem(id, k, name, res.SourceID)
	c.State.UpdateItem(id, statusForOutcome(res.Outcome), res.DestID, res.Reason)
}

// itemKey is the session Item ID for one (kind, source ID) pair.
func itemKey(k kind.Kind, sourceID string) string {
	return string(k) + ":" + sourceID
}

func statusForOutcome(o Outcome) session.Status {
	switch o {
	case Created, Updated:
		return session.Completed
	case Skipped:
		return session.Skipped
	case Failed:
		return session.Failed
	default:
		return session.Completed
	}
}
