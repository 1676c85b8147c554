package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunsCommand(a *app) *cobra.Command {
	var repoID string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List analysis runs for a repository",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(repoID)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.ListRuns(cmd.Context(), repoID)
			if err != nil {
				return err
			}

			w := newTabWriter()
			fmt.Fprintln(w, header("ID\tSTATE\tSTAGE\tCOMMITS\tSTARTED\tERROR"))

			for _, run := range runs {
				errText := ""
				if run.ErrorCode != nil {
					errText = *run.ErrorCode
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					run.ID, run.State, run.Stage, run.ProcessedCommits, run.TotalCommits,
					run.StartedAt.Format("2006-01-02 15:04:05"), errText)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")

	return cmd
}
