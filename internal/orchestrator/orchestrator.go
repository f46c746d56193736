// Package orchestrator drives a full migration run: it fans Dataset
// migrations (and everything that hangs off a Dataset — Examples,
// Experiments, Runs, Feedback) across a bounded worker pool, then walks
// the remaining dataset-independent kinds, in the cross-kind dependency
// order spec.md §4.5 specifies. It is the one place that owns the
// long-lived ID-map table and drives the Session Store, replacing the
// original's module-level orchestration script with an explicit type
// (spec.md §9 "Ambient singletons").
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/apiclient"
	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/migrators"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
	"github.com/flyingrobots/langsmith-migrator/internal/session"
)

// Selection controls which top-level kinds a Run drives, mirroring the
// CLI subcommands in spec.md §6 (`datasets`, `prompts`, `queues`, `rules`,
// and `migrate-all` which sets every field).
type Selection struct {
	Datasets         bool
	Prompts          bool
	AnnotationQueues bool
	Rules            bool
	Charts           bool
}

// All selects every kind, the `migrate-all` subcommand's behavior.
func All() Selection {
	return Selection{Datasets: true, Prompts: true, AnnotationQueues: true, Rules: true, Charts: true}
}

// Progress is advanced once per completed top-level work item (spec.md
// §4.5: "a progress counter is advanced on each completed top-level work
// item; the UI observes it").
type Progress struct {
	total     int64
	completed int64
}

func (p *Progress) setTotal(n int) { atomic.StoreInt64(&p.total, int64(n)) }
func (p *Progress) advance()       { atomic.AddInt64(&p.completed, 1) }

// Snapshot reads the current (completed, total) pair.
func (p *Progress) Snapshot() (completed, total int64) {
	return atomic.LoadInt64(&p.completed), atomic.LoadInt64(&p.total)
}

// Orchestrator drives one migration run end to end.
type Orchestrator struct {
	Source  *apiclient.Client
	Dest    *apiclient.Client
	State   *session.State
	Log     *zap.Logger
	Opts    migrators.Options
	Workers int

	IDs      *idmap.Maps
	Progress Progress

	datasets *migrators.DatasetMigrator
	prompts  *migrators.PromptMigrator
	queues   *migrators.AnnotationQueueMigrator
	rules    *migrators.RuleMigrator
	charts   *migrators.ChartMigrator
}

// New builds an Orchestrator. workers <= 0 defaults to 4, matching
// config.Migration's default concurrent_workers.
func New(source, dest *apiclient.Client, state *session.State, log *zap.Logger, opts migrators.Options, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 4
	}
	return &Orchestrator{
		Source:   source,
		Dest:     dest,
		State:    state,
		Log:      log,
		Opts:     opts,
		Workers:  workers,
		IDs:      idmap.New(),
		datasets: migrators.NewDatasetMigrator(),
		prompts:  &migrators.PromptMigrator{},
		queues:   &migrators.AnnotationQueueMigrator{},
		rules:    &migrators.RuleMigrator{},
		charts:   &migrators.ChartMigrator{},
	}
}

func (o *Orchestrator) ctx() migrators.Context {
	return migrators.Context{
		Source: o.Source,
		Dest:   o.Dest,
		IDs:    o.IDs,
		State:  o.State,
		Log:    o.Log,
		Opts:   o.Opts,
	}
}

// Run drives every kind named in sel, in the 8-phase cross-kind order of
// spec.md §4.5: phases 1-4 (Datasets through Feedback) run inside the
// per-dataset worker pool since they're all owned by one dataset; phases
// 5-8 (Prompts, Queues, Rules, Charts) run after the pool drains since
// they're dataset-independent (Rules and Charts additionally depend on
// the project/dataset maps the pool phase populated).
func (o *Orchestrator) Run(ctx context.Context, sel Selection) error {
	var errs error

	if sel.Datasets {
		if err := o.runDatasets(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if sel.Prompts {
		if err := o.prompts.MigrateAll(ctx, o.ctx()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prompts: %w", err))
		}
	}
	if sel.AnnotationQueues {
		if err := o.queues.MigrateAll(ctx, o.ctx()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("annotation queues: %w", err))
		}
	}
	if sel.Rules {
		if err := o.rules.MigrateAll(ctx, o.ctx()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rules: %w", err))
		}
	}
	if sel.Charts {
		if err := o.charts.MigrateAll(ctx, o.ctx()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("charts: %w", err))
		}
	}
	return errs
}

// RunResume drives a resumed run: Datasets only refetch and retry the
// session's own outstanding (Pending/Failed) items, rather than re-listing
// the whole source. Prompts, Annotation Queues, Rules, and Charts are
// upserts keyed by a stable handle (repo_handle, name, rule name, chart
// title), so fully rescanning them on resume is safe and simply re-applies
// the same idempotent match/create/update logic (spec.md §4.4, §4.5).
func (o *Orchestrator) RunResume(ctx context.Context, sel Selection, maxAttempts int) error {
	var errs error

	if sel.Datasets {
		if err := o.resumeDatasets(ctx, maxAttempts); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if sel.Prompts {
		if err := o.prompts.MigrateAll(ctx, o.ctx()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prompts: %w", err))
		}
	}
	if sel.AnnotationQueues {
		if err := o.queues.MigrateAll(ctx, o.ctx()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("annotation queues: %w", err))
		}
	}
	if sel.Rules {
		if err := o.rules.MigrateAll(ctx, o.ctx()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rules: %w", err))
		}
	}
	if sel.Charts {
		if err := o.charts.MigrateAll(ctx, o.ctx()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("charts: %w", err))
		}
	}
	return errs
}

// runDatasets lists every source dataset, pre-registers each as a
// Pending session Item, then fans them across the worker pool.
func (o *Orchestrator) runDatasets(ctx context.Context) error {
	datasets, err := o.datasets.ListSource(ctx, o.ctx())
	if err != nil {
		return fmt.Errorf("list source datasets: %w", err)
	}

	for _, ds := range datasets {
		o.State.AddItem(itemKey(kind.Dataset, ds.ID()), kind.Dataset, ds.String("name"), ds.ID())
	}

	return o.runDatasetPool(ctx, datasets)
}

// resumeDatasets drives a resume from the session's own Pending/Failed
// Dataset items instead of re-listing the entire source (spec.md §4.5
// resume semantics): each outstanding item is refetched individually, and
// only the successfully refetched ones enter the pool.
func (o *Orchestrator) resumeDatasets(ctx context.Context, maxAttempts int) error {
	items := o.State.PendingItems(kind.Dataset)
	for _, it := range o.State.FailedItems(maxAttempts) {
		if it.Kind == kind.Dataset {
			items = append(items, it)
		}
	}

	datasets := make([]record.Record, 0, len(items))
	for _, it := range items {
		ds, err := o.datasets.FetchSource(ctx, o.ctx(), it.SourceID)
		if err != nil {
			o.State.UpdateItem(it.ID, session.Failed, "", err.Error())
			o.Log.Error("failed to refetch dataset for resume", zap.String("source_id", it.SourceID), zap.Error(err))
			continue
		}
		datasets = append(datasets, ds)
	}

	return o.runDatasetPool(ctx, datasets)
}

// runDatasetPool fans datasets out across a bounded worker pool. Each
// worker migrates one dataset in isolation, including its Examples and
// (optionally) Experiments/Runs/Feedback; datasets on different workers
// run concurrently, children of the same dataset run sequentially on that
// worker (spec.md §4.5 concurrency model).
func (o *Orchestrator) runDatasetPool(ctx context.Context, datasets []record.Record) error {
	o.Progress.setTotal(len(datasets))

	work := make(chan record.Record)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error

	for i := 0; i < o.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ds := range work {
				o.migrateOneDataset(ctx, ds, &mu, &errs)
			}
		}()
	}

	go func() {
		defer close(work)
		for _, ds := range datasets {
			select {
			case work <- ds:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return errs
}

func (o *Orchestrator) migrateOneDataset(ctx context.Context, ds record.Record, mu *sync.Mutex, errs *error) {
	defer o.Progress.advance()

	res := o.datasets.Migrate(ctx, o.ctx(), ds)
	status := statusFor(res.Outcome)
	o.State.UpdateItem(itemKey(kind.Dataset, ds.ID()), status, res.DestID, res.Reason)

	if res.Outcome == migrators.Failed {
		mu.Lock()
		*errs = multierr.Append(*errs, fmt.Errorf("dataset %q: %s", ds.String("name"), res.Reason))
		mu.Unlock()
		o.Log.Error("dataset migration failed", zap.String("name", ds.String("name")), zap.String("reason", res.Reason))
	}
}

func itemKey(k kind.Kind, sourceID string) string {
	return string(k) + ":" + sourceID
}

func statusFor(o migrators.Outcome) session.Status {
	switch o {
	case migrators.Created, migrators.Updated:
		return session.Completed
	case migrators.Skipped:
		return session.Skipped
	case migrators.Failed:
		return session.Failed
	default:
		return session.Completed
	}
}
