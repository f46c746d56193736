package migrators

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"go.uber.org/zap"

	"github.com/flyingrobots/langsmith-migrator/internal/apierr"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// PromptMigrator migrates Prompt Repos, matched by repo_handle, either
// copying only the latest manifest or walking the full commit DAG
// (spec.md §4.4 Prompt Repo).
type PromptMigrator struct{}

// MigrateAll lists source and destination repos and upserts each one.
func (m *PromptMigrator) MigrateAll(ctx context.Context, c Context) error {
	source, err := m.listRepos(ctx, c.Source)
	if err != nil {
		return fmt.Errorf("list source prompt repos: %w", err)
	}
	dest, err := m.listRepos(ctx, c.Dest)
	if err != nil {
		return fmt.Errorf("list destination prompt repos: %w", err)
	}
	destByHandle := make(map[string]string, len(dest))
	for _, r := range dest {
		if h := r.String("repo_handle"); h != "" {
			if _, exists := destByHandle[h]; !exists {
				destByHandle[h] = r.ID()
			}
		}
	}

	for _, repo := range source {
		m.migrateOne(ctx, c, repo, destByHandle)
	}
	return nil
}

// listRepos offset-paginates the repo listing with an explicit iteration
// cap and ID-set dedup, guarding against a misbehaving destination looping
// forever (spec.md §4.4 Prompt Repo).
func (m *PromptMigrator) listRepos(ctx context.Context, client interface {
	PaginateAll(context.Context, string, url.Values, int) ([]record.Record, error)
}) ([]record.Record, error) {
	return client.PaginateAll(ctx, "/prompts", nil, 100)
}

func (m *PromptMigrator) migrateOne(ctx context.Context, c Context, source record.Record, destByHandle map[string]string) {
	handle := source.String("repo_handle")
	sourceID := source.ID()
	res := Result{SourceID: sourceID}
	if handle == "" {
		c.Log.Warn("prompt repo skipped: no repo_handle", zap.String("source_id", sourceID))
		res.Outcome = Failed
		res.Reason = "prompt repo has no repo_handle"
		recordItem(c, kind.Prompt, sourceID, res)
		return
	}
	owner, repoName, ok := splitHandle(handle)
	if !ok {
		c.Log.Warn("prompt repo skipped: handle is not owner/repo", zap.String("handle", handle))
		res.Outcome = Failed
		res.Reason = "repo_handle is not owner/repo"
		recordItem(c, kind.Prompt, handle, res)
		return
	}

	_, existed := destByHandle[handle]

	var createdID string
	if !c.Opts.DryRun {
		payload := record.StripNulls(source.Clone())
		delete(payload, "id")
		created, err := c.Dest.Post(ctx, "/prompts", payload)
		if err == nil {
			createdID = created.ID()
		} else {
			if !isConflict(err) {
				c.Log.Error("prompt repo create failed", zap.String("handle", handle), zap.Error(err))
				res.Outcome = Failed
				res.Reason = err.Error()
				recordItem(c, kind.Prompt, handle, res)
				return
			}
			// 409 on creation means the repo already exists; ignored
			// (spec.md §4.4 Prompt Repo, last rule).
			existed = true
		}
	}

	var walkErr error
	if c.Opts.IncludeAllCommits {
		walkErr = m.walkCommitDAG(ctx, c, owner, repoName)
	} else {
		walkErr = m.migrateLatestOnly(ctx, c, owner, repoName)
	}
	if walkErr != nil {
		c.Log.Error("prompt repo commit migration failed", zap.String("handle", handle), zap.Error(walkErr))
	}

	destID, ok := destByHandle[handle]
	if !ok {
		destID = createdID
	}
	if destID == "" {
		destID = handle
	}
	c.IDs.Set(kind.Prompt, sourceID, destID)

	res.DestID = destID
	if existed {
		res.Outcome = Updated
	} else {
		res.Outcome = Created
	}
	recordItem(c, kind.Prompt, handle, res)
}

// migrateLatestOnly copies just the tip manifest (spec.md §4.4 Prompt
// Repo: "Non-DAG mode migrates only the latest manifest").
func (m *PromptMigrator) migrateLatestOnly(ctx context.Context, c Context, owner, repoName string) error {
	if c.Opts.DryRun {
		return nil
	}
	manifest, err := c.Source.Get(ctx, fmt.Sprintf("/commits/%s/%s/latest", owner, repoName), url.Values{"include_model": {"true"}})
	if err != nil {
		return fmt.Errorf("fetch source latest manifest: %w", err)
	}
	return m.pushCommit(ctx, c, owner, repoName, manifest)
}

// walkCommitDAG replays every commit from root to tip so the destination
// ends up with the same commit history, not just the tip (spec.md §4.4
// Prompt Repo: "preserve the commit DAG").
func (m *PromptMigrator) walkCommitDAG(ctx context.Context, c Context, owner, repoName string) error {
	if c.Opts.DryRun {
		return nil
	}
	commits, err := c.Source.PaginateAll(ctx, fmt.Sprintf("/commits/%s/%s", owner, repoName), nil, 100)
	if err != nil {
		return fmt.Errorf("list source commits: %w", err)
	}
	sort.Slice(commits, func(i, j int) bool {
		return commits[i].String("created_at") < commits[j].String("created_at")
	})

	for _, commitMeta := range commits {
		hash := commitMeta.String("commit_hash")
		if hash == "" {
			continue
		}
		manifest, err := c.Source.Get(ctx, fmt.Sprintf("/commits/%s/%s/%s", owner, repoName, hash), url.Values{"include_model": {"true"}})
		if err != nil {
			return fmt.Errorf("fetch source commit %s: %w", hash, err)
		}
		if err := m.pushCommit(ctx, c, owner, repoName, manifest); err != nil {
			return fmt.Errorf("push commit %s: %w", hash, err)
		}
	}
	return nil
}

// pushCommit posts a raw manifest pass-through, stamping parent_commit
// with the destination's current tip (fetched fresh for this push), and
// treats an empty-detail 409 against a matching parent as already applied
// when PromptIdempotentConflict is set (spec.md §4.4 Prompt Repo,
// Open Questions).
func (m *PromptMigrator) pushCommit(ctx context.Context, c Context, owner, repoName string, manifest record.Record) error {
	parent, err := m.latestDestHash(ctx, c, owner, repoName)
	if err != nil {
		return fmt.Errorf("fetch destination latest hash: %w", err)
	}

	payload := manifest.Clone()
	delete(payload, "commit_hash")
	payload["parent_commit"] = parent

	_, err = c.Dest.Post(ctx, fmt.Sprintf("/commits/%s/%s", owner, repoName), payload)
	if err == nil {
		return nil
	}
	if c.Opts.PromptIdempotentConflict && isEmptyDetailConflict(err) {
		c.Log.Info("prompt commit already up to date, skipping", zap.String("repo", owner+"/"+repoName))
		return nil
	}
	return err
}

// latestDestHash returns the destination repo's current commit hash, or
// "" if the repo has no commits yet.
func (m *PromptMigrator) latestDestHash(ctx context.Context, c Context, owner, repoName string) (string, error) {
	resp, err := c.Dest.Get(ctx, fmt.Sprintf("/commits/%s/%s/latest", owner, repoName), nil)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return resp.String("commit_hash"), nil
}

func isConflict(err error) bool {
	apiErr, ok := err.(*apierr.Error)
	return ok && apiErr.Kind == apierr.Conflict
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*apierr.Error)
	return ok && apiErr.Kind == apierr.NotFound
}

// isEmptyDetailConflict reports a 409 that carried no detail. The client
// turns an empty response body into the "no response body" placeholder, so
// that message counts as empty too.
func isEmptyDetailConflict(err error) bool {
	apiErr, ok := err.(*apierr.Error)
	return ok && apiErr.Kind == apierr.Conflict && (apiErr.Message == "" || apiErr.Message == "no response body")
}
