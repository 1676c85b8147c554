package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/observability"
	"github.com/couplegraph/coupler/pkg/orchestrator"
	"github.com/couplegraph/coupler/pkg/store"
)

// analyzeFlags maps CLI flags onto the engine Configuration.
type analyzeFlags struct {
	repoID            string
	ref               string
	mode              string
	mergeHandling     string
	ticketPattern     string
	windowHours       int
	minRevisions      int
	minCooccurrence   int
	maxChangesetSize  int
	maxLogicalSize    int
	topK              int
	renameThreshold   uint16
	halfLifeDays      float64
	includePaths      []string
	excludePaths      []string
	includeExtensions []string
	excludeExtensions []string
	hotspotSelector   string
	clusterAlgorithm  string
	memoryBudget      string
}

func newAnalyzeCommand(a *app) *cobra.Command {
	flags := &analyzeFlags{}

	cmd := &cobra.Command{
		Use:   "analyze <repo-path> [<repo-path>...]",
		Short: "Run the coupling analysis pipeline over one or more repository mirrors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.memoryBudget != "" {
				a.cfg.Analysis.MemoryBudget = flags.memoryBudget
			}

			o := orchestrator.New(a.cfg, a.logger)
			defer o.Close()

			if am, amErr := observability.NewAnalysisMetrics(a.providers.Meter); amErr == nil {
				o.SetAnalysisMetrics(am)
			}

			if err := a.serveMetrics(); err != nil {
				return err
			}

			// Repositories analyze in parallel, each on its own pooled
			// worker; the orchestrator serialises per repository.
			g, ctx := errgroup.WithContext(cmd.Context())

			for _, path := range args {
				repo := a.repoRef(path, repoIDFor(flags.repoID, len(args), path, a))

				g.Go(func() error {
					return a.runAnalysis(ctx, o, repo, flags)
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&flags.repoID, "repo", "", "repository id (single-repo runs only; default: mirror base name)")
	cmd.Flags().StringVar(&flags.ref, "ref", "HEAD", "reference recorded with the run; the history walk starts at HEAD")
	cmd.Flags().StringVar(&flags.mode, "mode", string(config.ChangesetModeByCommit), "changeset policy: by_commit, by_author_time, by_ticket_id")
	cmd.Flags().StringVar(&flags.mergeHandling, "merge-handling", string(config.MergeHandlingNone), "merge commits: none, first_parent_only, include")
	cmd.Flags().StringVar(&flags.ticketPattern, "ticket-pattern", "", "regex for by_ticket_id grouping")
	cmd.Flags().IntVar(&flags.windowHours, "window-hours", config.DefaultAuthorTimeWindowHours, "session window for by_author_time")
	cmd.Flags().IntVar(&flags.minRevisions, "min-revisions", config.DefaultMinRevisions, "drop files with fewer lifetime commits")
	cmd.Flags().IntVar(&flags.minCooccurrence, "min-cooccurrence", config.DefaultMinCooccurrence, "drop pairs below this co-change count")
	cmd.Flags().IntVar(&flags.maxChangesetSize, "max-changeset-size", config.DefaultMaxChangesetSize, "discard larger raw-commit changesets")
	cmd.Flags().IntVar(&flags.maxLogicalSize, "max-logical-changeset-size", config.DefaultMaxLogicalChangesetSize, "discard larger grouped changesets")
	cmd.Flags().IntVar(&flags.topK, "topk", config.DefaultTopKEdgesPerFile, "neighbours retained per file")
	cmd.Flags().Uint16Var(&flags.renameThreshold, "rename-threshold", config.DefaultRenameThreshold, "rename similarity percent (0-100)")
	cmd.Flags().Float64Var(&flags.halfLifeDays, "half-life-days", 0, "exponential age decay half-life (0 disables)")
	cmd.Flags().StringSliceVar(&flags.includePaths, "include-path", nil, "glob of paths to include")
	cmd.Flags().StringSliceVar(&flags.excludePaths, "exclude-path", nil, "glob of paths to exclude")
	cmd.Flags().StringSliceVar(&flags.includeExtensions, "include-ext", nil, "extensions to include")
	cmd.Flags().StringSliceVar(&flags.excludeExtensions, "exclude-ext", nil, "extensions to exclude")
	cmd.Flags().StringVar(&flags.hotspotSelector, "hotspot-selector", config.DefaultHotspotSelector, "hotspot rule: top_p:<0..1> or top_n:<int>")
	cmd.Flags().StringVar(&flags.clusterAlgorithm, "cluster-algorithm", string(config.ClusterAlgorithmLouvain), "clustering: louvain, hierarchical, dbscan")
	cmd.Flags().StringVar(&flags.memoryBudget, "memory-budget", "", "memory budget, e.g. 2GB")

	return cmd
}

// repoIDFor applies the --repo override only for single-repo invocations;
// multi-repo runs derive ids from paths.
func repoIDFor(override string, repoCount int, _ string, _ *app) string {
	if repoCount == 1 {
		return override
	}

	return ""
}

func (flags *analyzeFlags) configuration(repoID string) config.Configuration {
	cfg := config.DefaultConfiguration()
	cfg.RepoID = repoID
	cfg.Ref = flags.ref
	cfg.ChangesetMode = config.ChangesetMode(flags.mode)
	cfg.MergeHandling = config.MergeHandling(flags.mergeHandling)
	cfg.TicketIDPattern = flags.ticketPattern
	cfg.AuthorTimeWindowHours = flags.windowHours
	cfg.MinRevisions = flags.minRevisions
	cfg.MinCooccurrence = flags.minCooccurrence
	cfg.MaxChangesetSize = flags.maxChangesetSize
	cfg.MaxLogicalChangesetSize = flags.maxLogicalSize
	cfg.TopKEdgesPerFile = flags.topK
	cfg.RenameThreshold = flags.renameThreshold
	cfg.IncludePaths = flags.includePaths
	cfg.ExcludePaths = flags.excludePaths
	cfg.IncludeExtensions = flags.includeExtensions
	cfg.ExcludeExtensions = flags.excludeExtensions
	cfg.HotspotSelector = flags.hotspotSelector
	cfg.Clustering.Algorithm = config.ClusterAlgorithm(flags.clusterAlgorithm)

	if flags.halfLifeDays > 0 {
		halfLife := flags.halfLifeDays
		cfg.DecayHalfLifeDays = &halfLife
	}

	return cfg
}

// runAnalysis starts a run, streams its progress to the terminal, and
// prints the completion summary.
func (a *app) runAnalysis(ctx context.Context, o *orchestrator.Orchestrator, repo orchestrator.RepoRef, flags *analyzeFlags) error {
	runID, err := o.StartAnalysis(ctx, repo, flags.configuration(repo.ID))
	if err != nil {
		return err
	}

	events, cancel, err := o.SubscribeProgress(repo, runID)
	if err == nil {
		defer cancel()

		for ev := range events {
			printProgress(repo.ID, ev)
		}
	}

	run, err := waitTerminal(ctx, o, repo, runID)
	if err != nil {
		return err
	}

	printSummary(repo.ID, run)

	if run.State != store.RunStateCompleted {
		return fmt.Errorf("run %s ended %s", runID, run.State)
	}

	return nil
}

// waitTerminal polls the run record until it reaches a terminal state;
// the progress stream usually gets there first, this is the fallback when
// the run finished before the subscription attached.
func waitTerminal(ctx context.Context, o *orchestrator.Orchestrator, repo orchestrator.RepoRef, runID string) (store.RunRow, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := o.GetRun(ctx, repo, runID)
		if err != nil {
			return store.RunRow{}, err
		}

		switch run.State {
		case store.RunStateCompleted, store.RunStateFailed, store.RunStateCancelled:
			return run, nil
		default:
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printProgress(repoID string, ev orchestrator.ProgressEvent) {
	if ev.Terminal {
		return
	}

	fmt.Fprintf(os.Stderr, "\r%s %s: %s %s/%s (%.0f/s)",
		color.CyanString("[%s]", repoID), ev.Stage,
		progressBarString(ev.Processed, ev.Total),
		humanize.Comma(ev.Processed), humanize.Comma(ev.Total), ev.Rate)
}

func progressBarString(processed, total int64) string {
	if total <= 0 {
		return ""
	}

	const width = 20

	filled := int(processed * width / total)
	if filled > width {
		filled = width
	}

	bar := make([]byte, 0, width)
	for i := range width {
		if i < filled {
			bar = append(bar, '=')
		} else {
			bar = append(bar, ' ')
		}
	}

	return "[" + string(bar) + "]"
}

func printSummary(repoID string, run store.RunRow) {
	fmt.Fprintln(os.Stderr)

	switch run.State {
	case store.RunStateCompleted:
		color.Green("[%s] run %s completed: %s commits analyzed", repoID, run.ID, humanize.Comma(run.ProcessedCommits))
	case store.RunStateCancelled:
		color.Yellow("[%s] run %s cancelled", repoID, run.ID)
	default:
		msg := ""
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage
		}

		color.Red("[%s] run %s %s: %s", repoID, run.ID, run.State, msg)
	}
}
