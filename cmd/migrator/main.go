// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flyingrobots/langsmith-migrator/internal/apiclient"
	"github.com/flyingrobots/langsmith-migrator/internal/config"
	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/migrators"
	"github.com/flyingrobots/langsmith-migrator/internal/obs"
	"github.com/flyingrobots/langsmith-migrator/internal/orchestrator"
	"github.com/flyingrobots/langsmith-migrator/internal/session"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var configPath string
	var envPrefix string
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config.yaml", "path to YAML config")
	fs.StringVar(&envPrefix, "env-prefix", "LANGSMITH", "environment variable prefix for credentials")

	var (
		all                   bool
		includeExperiments    bool
		includeAllCommits     bool
		stripProjects         bool
		ensureProject         bool
		createDisabled        bool
		promptIdempotent      bool
		projectMappingPath    string
		sourceSide            bool
		destSide              bool
		resumeSessionID       string
		maxResumeAttempts     int
	)
	switch cmd {
	case "datasets":
		fs.BoolVar(&all, "all", true, "migrate every dataset found on the source")
		fs.BoolVar(&includeExperiments, "include-experiments", false, "also migrate experiments, runs, and feedback")
	case "prompts":
		fs.BoolVar(&all, "all", true, "migrate every prompt repo found on the source")
		fs.BoolVar(&includeAllCommits, "include-all-commits", false, "walk the full commit DAG instead of just latest")
	case "rules":
		fs.BoolVar(&stripProjects, "strip-projects", false, "drop project references, requiring a dataset ID per rule")
		fs.BoolVar(&ensureProject, "ensure-project", true, "auto-create missing destination projects")
		fs.BoolVar(&createDisabled, "create-disabled", false, "create rules with is_enabled=false")
		fs.StringVar(&projectMappingPath, "project-mapping", "", "path to a JSON or YAML source->dest project ID mapping")
	case "migrate-all":
		fs.BoolVar(&includeExperiments, "include-experiments", false, "also migrate experiments, runs, and feedback")
		fs.BoolVar(&includeAllCommits, "include-all-commits", false, "walk the full prompt commit DAG")
		fs.BoolVar(&stripProjects, "strip-projects", false, "drop project references on rules")
		fs.BoolVar(&ensureProject, "ensure-project", true, "auto-create missing destination projects")
	case "resume":
		fs.StringVar(&resumeSessionID, "session", "", "session ID to resume (defaults to the most recently updated)")
		fs.IntVar(&maxResumeAttempts, "max-attempts", 3, "skip failed items already attempted this many times")
	case "clean":
		fs.StringVar(&resumeSessionID, "session", "", "session ID to delete (required)")
	case "list-projects":
		fs.BoolVar(&sourceSide, "source", false, "list source projects")
		fs.BoolVar(&destSide, "dest", false, "list destination projects")
	case "test", "queues", "charts":
		// no subcommand-specific flags
	default:
		usage()
		os.Exit(2)
	}
	fs.BoolVar(&promptIdempotent, "prompt-idempotent-conflict", true, "treat an empty-detail 409 on commit push as already applied")
	_ = fs.Parse(args)

	cfg, err := config.Load(configPath, envPrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.LogLevel
	if cfg.Migration.Verbose {
		logLevel = "debug"
	}
	logger, err := obs.NewLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("signal received, cancelling migration")
		cancel()
	}()

	source := apiclient.New(apiclient.Options{
		BaseURL: cfg.Source.BaseURL, APIKey: cfg.Source.APIKey, VerifyTLS: cfg.Source.VerifyTLS,
		Timeout: cfg.Source.Timeout(), MaxRetries: cfg.Source.MaxRetries,
		RateLimitWait: cfg.Migration.RateLimitDelay(), Verbose: cfg.Migration.Verbose,
	}, logger)
	dest := apiclient.New(apiclient.Options{
		BaseURL: cfg.Destination.BaseURL, APIKey: cfg.Destination.APIKey, VerifyTLS: cfg.Destination.VerifyTLS,
		Timeout: cfg.Destination.Timeout(), MaxRetries: cfg.Destination.MaxRetries,
		RateLimitWait: cfg.Migration.RateLimitDelay(), Verbose: cfg.Migration.Verbose,
	}, logger)

	store, err := session.NewStore("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "session store init failed: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "test":
		runTest(ctx, source, dest, logger)
	case "list-projects":
		runListProjects(ctx, source, dest, sourceSide, destSide)
	case "clean":
		runClean(store, resumeSessionID)
	case "resume":
		runResume(ctx, store, source, dest, cfg, logger, resumeSessionID, maxResumeAttempts)
	default:
		opts := migrators.Options{
			DryRun: cfg.Migration.DryRun, SkipExisting: cfg.Migration.SkipExisting,
			BatchSize: cfg.Migration.BatchSize, ChunkSize: cfg.Migration.ChunkSize,
			EnsureProject: ensureProject, StripProjectReference: stripProjects,
			CreateDisabled: createDisabled, PromptIdempotentConflict: promptIdempotent,
			IncludeExperiments: includeExperiments, IncludeAllCommits: includeAllCommits,
		}
		sel := selectionFor(cmd)
		state, err := store.CreateSession(cfg.Source.BaseURL, cfg.Destination.BaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create session: %v\n", err)
			os.Exit(1)
		}
		runMigration(ctx, source, dest, state, store, logger, opts, cfg.Migration.ConcurrentWorkers, sel, projectMappingPath)
	}
}

func selectionFor(cmd string) orchestrator.Selection {
	switch cmd {
	case "datasets":
		return orchestrator.Selection{Datasets: true}
	case "prompts":
		return orchestrator.Selection{Prompts: true}
	case "queues":
		return orchestrator.Selection{AnnotationQueues: true}
	case "rules":
		return orchestrator.Selection{Rules: true}
	case "charts":
		return orchestrator.Selection{Charts: true}
	case "migrate-all":
		return orchestrator.All()
	default:
		return orchestrator.Selection{}
	}
}

func runMigration(ctx context.Context, source, dest *apiclient.Client, state *session.State, store *session.Store, logger *zap.Logger, opts migrators.Options, workers int, sel orchestrator.Selection, projectMappingPath string) {
	orch := orchestrator.New(source, dest, state, logger, opts, workers)

	if projectMappingPath != "" {
		mapping, err := loadProjectMapping(projectMappingPath)
		if err != nil {
			logger.Error("failed to load project mapping, proceeding without it", zap.String("path", projectMappingPath), zap.Error(err))
		} else {
			orch.IDs.Merge(kind.Project, mapping)
		}
	}

	runErr := orch.Run(ctx, sel)
	finishRun(state, store, source, dest, logger, runErr)
}

func runResume(ctx context.Context, store *session.Store, source, dest *apiclient.Client, cfg *config.Config, logger *zap.Logger, sessionID string, maxAttempts int) {
	if sessionID == "" {
		sessions, err := store.ListSessions()
		if err != nil || len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "no sessions to resume")
			os.Exit(1)
		}
		sessionID = sessions[0].SessionID
	}
	state, err := store.LoadSession(sessionID)
	if err != nil || state == nil {
		fmt.Fprintf(os.Stderr, "session %s not found\n", sessionID)
		os.Exit(1)
	}
	if !state.CanResume() {
		fmt.Println("nothing to resume: no pending or retriable failed items")
		return
	}

	logger.Info("resuming session", zap.String("session_id", sessionID),
		zap.Int("pending", len(state.PendingItems(""))), zap.Int("failed", len(state.FailedItems(maxAttempts))))

	opts := migrators.Options{
		DryRun: cfg.Migration.DryRun, SkipExisting: true,
		BatchSize: cfg.Migration.BatchSize, ChunkSize: cfg.Migration.ChunkSize,
		EnsureProject: true,
	}
	orch := orchestrator.New(source, dest, state, logger, opts, cfg.Migration.ConcurrentWorkers)
	runErr := orch.RunResume(ctx, orchestrator.All(), maxAttempts)
	finishRun(state, store, source, dest, logger, runErr)
}

// finishRun persists the session, prints the run summary, and exits
// non-zero if the run accumulated any errors. Shared by a fresh run and a
// resumed one so both report the same way.
func finishRun(state *session.State, store *session.Store, source, dest *apiclient.Client, logger *zap.Logger, runErr error) {
	if err := store.Save(state); err != nil {
		logger.Error("failed to persist session", zap.Error(err))
	}

	printSummary(state, source, dest)
	if runErr != nil {
		logger.Error("migration completed with errors", zap.Error(runErr))
		os.Exit(1)
	}
}

func runClean(store *session.Store, sessionID string) {
	if sessionID == "" {
		fmt.Fprintln(os.Stderr, "clean requires -session")
		os.Exit(2)
	}
	if err := store.DeleteSession(sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "failed to delete session %s: %v\n", sessionID, err)
		os.Exit(1)
	}
	fmt.Printf("deleted session %s\n", sessionID)
}

func runTest(ctx context.Context, source, dest *apiclient.Client, logger *zap.Logger) {
	okSource, msgSource := source.TestConnection(ctx)
	okDest, msgDest := dest.TestConnection(ctx)
	fmt.Printf("source:      ok=%v %s\n", okSource, msgSource)
	fmt.Printf("destination: ok=%v %s\n", okDest, msgDest)
	if !okSource || !okDest {
		os.Exit(1)
	}
}

func runListProjects(ctx context.Context, source, dest *apiclient.Client, sourceSide, destSide bool) {
	if !sourceSide && !destSide {
		sourceSide, destSide = true, true
	}
	if sourceSide {
		printProjects(ctx, "source", source)
	}
	if destSide {
		printProjects(ctx, "destination", dest)
	}
}

func printProjects(ctx context.Context, label string, client *apiclient.Client) {
	items, err := client.PaginateAll(ctx, "/sessions", nil, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to list projects: %v\n", label, err)
		return
	}
	fmt.Printf("%s projects (%d):\n", label, len(items))
	for _, item := range items {
		fmt.Printf("  %s  %s\n", item.ID(), item.String("name"))
	}
}

func printSummary(state *session.State, source, dest *apiclient.Client) {
	stats := state.Stats()
	b, _ := json.MarshalIndent(map[string]interface{}{
		"session_id":        state.SessionID,
		"statistics":        stats,
		"source_requests":   source.Stats(),
		"destination_requests": dest.Stats(),
	}, "", "  ")
	fmt.Println(string(b))
}

// loadProjectMapping reads a source-project-id -> destination-project-id
// mapping from either JSON or YAML, letting -project-mapping short-circuit
// the rules migrator's by-name lookup for projects an operator has
// already paired up manually.
func loadProjectMapping(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project mapping: %w", err)
	}
	mapping := make(map[string]string)
	if jsonErr := json.Unmarshal(data, &mapping); jsonErr == nil {
		return mapping, nil
	}
	if yamlErr := yaml.Unmarshal(data, &mapping); yamlErr != nil {
		return nil, fmt.Errorf("parse project mapping as JSON or YAML: %w", yamlErr)
	}
	return mapping, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: migrator <command> [flags]

commands:
  test                 verify connectivity to both source and destination
  datasets              migrate datasets (and examples, optionally experiments)
  prompts                migrate prompt repos
  queues                  migrate annotation queues
  rules                    migrate automation rules
  charts                  migrate dashboard charts
  migrate-all            migrate every kind in dependency order
  resume                 resume an interrupted session
  clean                   delete a session's state file
  list-projects          list projects on source and/or destination`)
}
