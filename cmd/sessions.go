package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-hitl/internal/api"
)

func newSessionsCmd(st *cliState) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect cached session health (values are never shown)",
	}
	sessionsCmd.AddCommand(newSessionsListCmd(st), newSessionsGetCmd(st))
	return sessionsCmd
}

func newSessionsListCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the current session of every domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			views, err := c.ListSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			return render(cmd.OutOrStdout(), st.output, views, func() error {
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{
						v.Domain, string(v.Health), fmt.Sprint(v.IsValid), fmtTime(v.CapturedAt),
						fmtTimePtr(v.LastValidatedAt), fmtTimePtr(v.ExpiresAt),
					})
				}
				return printTable(cmd.OutOrStdout(), []string{"DOMAIN", "HEALTH", "VALID", "CAPTURED", "VALIDATED", "EXPIRES"}, rows)
			})
		},
	}
}

func newSessionsGetCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "get <domain>",
		Short: "Show the current session of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			v, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("getting session: %w", err)
			}
			return printSession(cmd, st.output, v)
		},
	}
}

func printSession(cmd *cobra.Command, format string, v *api.SessionView) error {
	return render(cmd.OutOrStdout(), format, v, func() error {
		rows := [][]string{
			{"ID", v.ID},
			{"Domain", v.Domain},
			{"Health", string(v.Health)},
			{"Valid", fmt.Sprint(v.IsValid)},
			{"Captured", fmtTime(v.CapturedAt)},
			{"Last validated", fmtTimePtr(v.LastValidatedAt)},
			{"Expires", fmtTimePtr(v.ExpiresAt)},
			{"Intervention", fmtStrPtr(v.InterventionID)},
			{"Cookies", orDash(strings.Join(v.CookieNames, ", "))},
			{"Headers", orDash(strings.Join(v.HeaderNames, ", "))},
			{"User agent", fmt.Sprint(v.HasUserAgent)},
			{"Validations", fmt.Sprint(len(v.Validations))},
			{"Notes", orDash(v.Notes)},
		}
		return printTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE"}, rows)
	})
}
