package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

func newRunsCmd(st *cliState) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"run"},
		Short:   "Submit, inspect and abandon extraction runs",
	}
	runsCmd.AddCommand(
		newRunsSubmitCmd(st),
		newRunsListCmd(st),
		newRunsGetCmd(st),
		newRunsStartCmd(st),
		newRunsAbandonCmd(st),
	)
	return runsCmd
}

func printRuns(cmd *cobra.Command, format string, runs []*schemas.Run) error {
	return render(cmd.OutOrStdout(), format, runs, func() error {
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []string{
				r.ID, orDash(r.JobID), string(r.Status), strconv.Itoa(r.AttemptCount),
				fmtStrPtr(r.InterventionID), fmtTime(r.UpdatedAt), r.Target,
			})
		}
		return printTable(cmd.OutOrStdout(), []string{"ID", "JOB", "STATUS", "ATTEMPTS", "INTERVENTION", "UPDATED", "TARGET"}, rows)
	})
}

func printRun(cmd *cobra.Command, format string, r *schemas.Run) error {
	return render(cmd.OutOrStdout(), format, r, func() error {
		rows := [][]string{
			{"ID", r.ID},
			{"Job", orDash(r.JobID)},
			{"Target", r.Target},
			{"Status", string(r.Status)},
			{"Attempts", strconv.Itoa(r.AttemptCount)},
			{"Intervention", fmtStrPtr(r.InterventionID)},
			{"Last error", orDash(r.LastError)},
			{"Created", fmtTime(r.CreatedAt)},
			{"Updated", fmtTime(r.UpdatedAt)},
		}
		return printTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE"}, rows)
	})
}

func newRunsSubmitCmd(st *cliState) *cobra.Command {
	var (
		jobID   string
		noStart bool
	)
	cmd := &cobra.Command{
		Use:   "submit <target>",
		Short: "Create a run for target and start it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			run, err := c.SubmitRun(cmd.Context(), jobID, args[0], !noStart)
			if err != nil {
				return fmt.Errorf("submitting run: %w", err)
			}
			return printRun(cmd, st.output, run)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id the run belongs to")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "create the run without starting it")
	return cmd
}

func newRunsListCmd(st *cliState) *cobra.Command {
	var (
		status string
		jobID  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := schemas.RunFilter{Status: schemas.RunStatus(status), JobID: jobID, Limit: limit}
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown run status %q", status)
			}
			c, err := st.newClient()
			if err != nil {
				return err
			}
			runs, err := c.ListRuns(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}
			return printRuns(cmd, st.output, runs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, waiting_for_human, completed, failed)")
	cmd.Flags().StringVar(&jobID, "job", "", "filter by job id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs")
	return cmd
}

func newRunsGetCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			run, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("getting run: %w", err)
			}
			return printRun(cmd, st.output, run)
		},
	}
}

func newRunsStartCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "start <run-id>",
		Short: "Start a pending run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			run, err := c.StartRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("starting run: %w", err)
			}
			return printRun(cmd, st.output, run)
		},
	}
}

func newRunsAbandonCmd(st *cliState) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <run-id>",
		Short: "Give up on a run; an open intervention is closed without resuming",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			run, err := c.AbandonRun(cmd.Context(), args[0], reason)
			if err != nil {
				return fmt.Errorf("abandoning run: %w", err)
			}
			return printRun(cmd, st.output, run)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the run is abandoned")
	return cmd
}
