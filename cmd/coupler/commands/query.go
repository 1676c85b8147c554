package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/couplegraph/coupler/pkg/metrics"
	"github.com/couplegraph/coupler/pkg/query"
)

const (
	tabMinWidth = 2
	tabPadding  = 2
)

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, tabMinWidth, 0, tabPadding, ' ', 0)
}

func header(format string, args ...any) string {
	return color.New(color.Bold).Sprintf(format, args...)
}

func newFilesCommand(a *app) *cobra.Command {
	var (
		repoID    string
		substring string
		headOnly  bool
		minRisk   float64
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List analyzed files with their derived metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			files, err := query.New(s).ListFiles(cmd.Context(), query.ListFilesOptions{
				Substring: substring,
				HeadOnly:  headOnly,
				MinRisk:   minRisk,
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("PATH\tCOMMITS\tAUTHORS\tCHURN/WK\tCOUPLING\tRISK\tLEVEL"))

			for _, f := range files {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\t%.3f\t%.3f\t%s\n",
					f.Path, f.TotalCommits, f.AuthorsCount, f.ChurnRate, f.MaxCoupling, f.RiskScore, riskColored(f.RiskLevel))
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&substring, "match", "", "substring filter on path")
	cmd.Flags().BoolVar(&headOnly, "head-only", false, "only files present at HEAD")
	cmd.Flags().Float64Var(&minRisk, "min-risk", 0, "minimum risk score")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")

	return cmd
}

func riskColored(level metrics.RiskLevel) string {
	switch level {
	case metrics.RiskCritical:
		return color.RedString(string(level))
	case metrics.RiskHigh:
		return color.YellowString(string(level))
	default:
		return string(level)
	}
}

func newCouplingCommand(a *app) *cobra.Command {
	var (
		repoID string
		limit  int
		graph  bool
		root   string
	)

	cmd := &cobra.Command{
		Use:   "coupling [<path>]",
		Short: "Show a file's coupled neighbours, or a subtree's coupling graph",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			q := query.New(s)

			if graph || len(args) == 0 {
				g, graphErr := q.GetCouplingGraph(cmd.Context(), root, query.GraphOptions{Limit: limit})
				if graphErr != nil {
					return graphErr
				}

				w := newTabWriter()
				fmt.Fprintln(w, header("SRC\tDST\tPAIRS\tWEIGHTED JACCARD"))

				for _, e := range g.Edges {
					fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\n", e.SrcPath, e.DstPath, e.PairCount, e.WeightedJaccard)
				}

				return w.Flush()
			}

			coupled, err := q.GetCoupling(cmd.Context(), args[0], query.CouplingOptions{Limit: limit})
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("PATH\tPAIRS\tJACCARD\tWEIGHTED\tP(OTHER|THIS)\tP(THIS|OTHER)"))

			for _, c := range coupled {
				fmt.Fprintf(w, "%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\n",
					c.Path, c.PairCount, c.Jaccard, c.WeightedJaccard, c.POtherGivenThis, c.PThisGivenOther)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum rows/edges")
	cmd.Flags().BoolVar(&graph, "graph", false, "emit the subtree coupling graph instead of one file's neighbours")
	cmd.Flags().StringVar(&root, "root", "", "subtree root for --graph")

	return cmd
}

func newHotspotsCommand(a *app) *cobra.Command {
	var (
		repoID   string
		limit    int
		selector string
	)

	cmd := &cobra.Command{
		Use:   "hotspots",
		Short: "Show the highest-risk files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			q := query.New(s)

			var rows []query.FileInfo

			if selector != "" {
				rows, err = q.GetHotspotsBySelector(cmd.Context(), selector)
			} else {
				rows, err = q.GetHotspots(cmd.Context(), limit)
			}

			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("PATH\tCOMMITS\tCHURN/WK\tMAX COUPLING\tRISK\tLEVEL"))

			for _, f := range rows {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.3f\t%.3f\t%s\n",
					f.Path, f.TotalCommits, f.ChurnRate, f.MaxCoupling, f.RiskScore, riskColored(f.RiskLevel))
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().StringVar(&selector, "selector", "", "hotspot rule, e.g. top_p:0.95 or top_n:20 (overrides --limit)")

	return cmd
}

func newImpactCommand(a *app) *cobra.Command {
	var (
		repoID string
		limit  int
		asGraph bool
		depth  int
	)

	cmd := &cobra.Command{
		Use:   "impact <path>",
		Short: "Show files likely to change when the given file changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			q := query.New(s)

			if asGraph {
				g, graphErr := q.GetImpactGraph(cmd.Context(), args[0], depth, query.GraphOptions{Limit: limit})
				if graphErr != nil {
					return graphErr
				}

				w := newTabWriter()
				fmt.Fprintln(w, header("SRC\tDST\tPAIRS\tWEIGHTED JACCARD"))

				for _, e := range g.Edges {
					fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\n", e.SrcPath, e.DstPath, e.PairCount, e.WeightedJaccard)
				}

				return w.Flush()
			}

			impact, err := q.GetImpact(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("PATH\tP(CHANGES|THIS CHANGES)\tPAIRS"))

			for _, c := range impact {
				fmt.Fprintf(w, "%s\t%.3f\t%d\n", c.Path, c.POtherGivenThis, c.PairCount)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum rows/edges")
	cmd.Flags().BoolVar(&asGraph, "graph", false, "expand the neighbourhood as a graph")
	cmd.Flags().IntVar(&depth, "depth", 2, "hops for --graph")

	return cmd
}

func newLineageCommand(a *app) *cobra.Command {
	var repoID string

	cmd := &cobra.Command{
		Use:   "lineage <path>",
		Short: "Show the path history of a file identity across renames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			lineage, err := query.New(s).GetLineage(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("PATH\tSTART COMMIT\tEND COMMIT"))

			for _, entry := range lineage {
				end := "(live)"
				if entry.EndCommit != nil {
					end = fmt.Sprint(*entry.EndCommit)
				}

				fmt.Fprintf(w, "%s\t%d\t%s\n", entry.Path, entry.StartCommit, end)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")

	return cmd
}

func newComponentCommand(a *app) *cobra.Command {
	var (
		repoID string
		depth  int
	)

	cmd := &cobra.Command{
		Use:   "component <folder>",
		Short: "Roll coupling up to a folder component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			component, err := query.New(s).GetComponentCoupling(cmd.Context(), args[0], depth)
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("PREFIX\tCOMMITS\tAUTHORS\tINTERNAL\tEXTERNAL\tCOHESION"))

			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.3f\n",
				component.Component.Prefix, component.Component.Commits, component.Component.AuthorsCount,
				component.Component.InternalCoupling, component.Component.ExternalCoupling, component.Component.Cohesion)

			for _, child := range component.Children {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.3f\n",
					child.Prefix, child.Commits, child.AuthorsCount,
					child.InternalCoupling, child.ExternalCoupling, child.Cohesion)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().IntVar(&depth, "depth", 1, "child grouping depth below the component")

	return cmd
}

func newMetricsCommand(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Describe the per-file metrics the engine derives",
		RunE: func(_ *cobra.Command, _ []string) error {
			w := newTabWriter()
			fmt.Fprintln(w, header("NAME\tDISPLAY\tDESCRIPTION"))

			for _, m := range metrics.Catalog() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Name(), m.DisplayName(), m.Description())
			}

			return w.Flush()
		},
	}
}
