package migrators

import (
	"context"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/idmap"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// ProjectResolver maps a source Project ("session" in the tracing-project
// sense) to its destination ID, optionally auto-creating a destination
// copy. Rule and Chart both reference Projects; each migrator holds its own
// resolver, and a project resolved while migrating Rules is found again
// while migrating Charts through the cross-kind ID-map that Resolve
// consults first (spec.md §4.4 Rule / Chart).
type ProjectResolver struct {
	idx *idmap.NameIndex
}

// Resolve returns the destination ID for sourceProjectID, consulting the
// cross-kind ID-map first, then a lazily-built name index over the
// destination's projects, then optionally creating a copy.
func (p *ProjectResolver) Resolve(ctx context.Context, c Context, sourceProjectID string) (string, bool) {
	if destID, ok := c.IDs.Get(kind.Project, sourceProjectID); ok {
		return destID, true
	}

	if p.idx == nil {
		destProjects, err := c.Dest.PaginateAll(ctx, "/sessions", nil, 100)
		if err != nil {
			c.Log.Error("list destination projects failed", zap.Error(err))
			return "", false
		}
		p.idx = idmap.BuildNameIndex(destProjects, func(r record.Record) string { return r.String("name") })
		for _, dup := range p.idx.Duplicates {
			c.Log.Warn("duplicate project name on destination; first match wins", zap.String("name", dup))
		}
	}

	sourceProj, err := c.Source.Get(ctx, "/sessions/"+sourceProjectID, nil)
	if err != nil {
		c.Log.Error("fetch source project failed", zap.String("source_id", sourceProjectID), zap.Error(err))
		return "", false
	}
	name := sourceProj.String("name")
	if destID, ok := p.idx.Lookup(name); ok {
		c.IDs.Set(kind.Project, sourceProjectID, destID)
		return destID, true
	}

	if !c.Opts.EnsureProject {
		return "", false
	}
	if c.Opts.DryRun {
		destID := "dry-run-project-" + sourceProjectID
		c.IDs.Set(kind.Project, sourceProjectID, destID)
		return destID, true
	}

	payload := record.StripNulls(sourceProj.Clone())
	delete(payload, "id")
	created, err := c.Dest.Post(ctx, "/sessions", payload)
	if err != nil {
		c.Log.Error("create destination project failed", zap.String("name", name), zap.Error(err))
		return "", false
	}
	c.IDs.Set(kind.Project, sourceProjectID, created.ID())
	return created.ID(), true
}
