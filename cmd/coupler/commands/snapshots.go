package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/couplegraph/coupler/pkg/cluster"
	"github.com/couplegraph/coupler/pkg/persist"
	"github.com/couplegraph/coupler/pkg/query"
)

func newSnapshotsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect, compare, and export cluster snapshots",
	}

	cmd.AddCommand(
		newSnapshotsListCommand(a),
		newSnapshotsShowCommand(a),
		newSnapshotsCompareCommand(a),
		newSnapshotsExportCommand(a),
	)

	return cmd
}

func newSnapshotsListCommand(a *app) *cobra.Command {
	var repoID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cluster snapshots for a repository",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			snapshots, err := s.ListSnapshots(cmd.Context(), repoID)
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("ID\tALGORITHM\tCREATED"))

			for _, snap := range snapshots {
				fmt.Fprintf(w, "%s\t%s\t%s\n", snap.ID, snap.Algorithm, snap.CreatedAt.Format("2006-01-02 15:04:05"))
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")

	return cmd
}

func newSnapshotsShowCommand(a *app) *cobra.Command {
	var repoID string

	cmd := &cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Show one snapshot's clusters with derived metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := query.New(s).GetClusterSnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s %s (%s, %d clusters)\n",
				header("snapshot"), snap.SnapshotID, snap.Algorithm, len(snap.Clusters))

			w := newTabWriter()
			fmt.Fprintln(w, header("CLUSTER\tSIZE\tAVG COUPLING\tCHURN\tTOP FILES"))

			for _, c := range snap.Clusters {
				top := ""
				if len(c.TopFiles) > 0 {
					top = c.TopFiles[0]
				}

				fmt.Fprintf(w, "%d\t%d\t%.3f\t%.1f\t%s\n", c.ClusterID, c.Size, c.AvgCoupling, c.InternalChurn, top)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")

	return cmd
}

func newSnapshotsCompareCommand(a *app) *cobra.Command {
	var repoID string

	cmd := &cobra.Command{
		Use:   "compare <base-id> <target-id>",
		Short: "Classify cluster correspondence between two snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			comparison, err := query.New(s).CompareSnapshots(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("BASE\tTARGET\tOVERLAP\tJACCARD\tVERDICT"))

			for _, match := range comparison.Matches {
				base := fmt.Sprint(match.BaseClusterID)
				if match.BaseClusterID < 0 {
					base = "-"
				}

				fmt.Fprintf(w, "%s\t%d\t%d\t%.3f\t%s\n",
					base, match.TargetClusterID, match.Overlap, match.Jaccard, verdictColored(match.Verdict))
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")

	return cmd
}

func verdictColored(v cluster.Verdict) string {
	switch v {
	case cluster.VerdictStable:
		return color.GreenString(string(v))
	case cluster.VerdictDrifted:
		return color.YellowString(string(v))
	case cluster.VerdictDissolved:
		return color.RedString(string(v))
	default:
		return color.CyanString(string(v))
	}
}

func newSnapshotsExportCommand(a *app) *cobra.Command {
	var (
		repoID string
		outDir string
		format string
	)

	cmd := &cobra.Command{
		Use:   "export <snapshot-id>",
		Short: "Export a snapshot for external tooling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			export, err := cluster.BuildExport(cmd.Context(), s, args[0])
			if err != nil {
				return err
			}

			var codec persist.Codec

			switch format {
			case "yaml":
				codec = persist.NewYAMLCodec()
			case "json":
				codec = persist.NewJSONCodec()
			default:
				return fmt.Errorf("unknown export format %q (json or yaml)", format)
			}

			if err := cluster.WriteExport(outDir, codec, export); err != nil {
				return err
			}

			color.Green("exported snapshot %s to %s", args[0], outDir)

			return nil
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	cmd.Flags().StringVar(&format, "format", "json", "export format: json or yaml")

	return cmd
}
