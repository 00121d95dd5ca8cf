package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

func newDomainsCmd(st *cliState) *cobra.Command {
	domainsCmd := &cobra.Command{
		Use:     "domains",
		Aliases: []string{"domain"},
		Short:   "Inspect and correct what has been learned about target domains",
	}
	domainsCmd.AddCommand(
		newDomainsListCmd(st),
		newDomainsGetCmd(st),
		newDomainsRecommendCmd(st),
		newDomainsOverrideCmd(st),
	)
	return domainsCmd
}

func pct(v float64) string { return strconv.FormatFloat(v*100, 'f', 1, 64) + "%" }

func printDomain(cmd *cobra.Command, format string, d *schemas.DomainConfig) error {
	return render(cmd.OutOrStdout(), format, d, func() error {
		signals := make([]string, 0, len(d.BlockSignatures))
		for s, seen := range d.BlockSignatures {
			if seen {
				signals = append(signals, string(s))
			}
		}
		rows := [][]string{
			{"Domain", d.Domain},
			{"Access class", string(d.AccessClass)},
			{"Requires session", string(d.RequiresSession)},
			{"Attempts", strconv.FormatInt(d.TotalAttempts, 10)},
			{"Success rate", pct(d.SuccessRate)},
			{"Block rate", pct(d.BlockRate)},
			{"403 rate", pct(d.Block403Rate)},
			{"CAPTCHA rate", pct(d.BlockCaptchaRate)},
			{"Block signals", orDash(strings.Join(signals, ", "))},
			{"Preferred provider", orDash(d.PreferredProvider)},
			{"Avg session lifetime", strconv.FormatFloat(d.AvgSessionLifetimeSeconds, 'f', 0, 64) + "s"},
			{"Manual override", strconv.FormatBool(d.ManualOverride)},
			{"Notes", orDash(d.Notes)},
			{"Updated", fmtTime(d.UpdatedAt)},
		}
		return printTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE"}, rows)
	})
}

func newDomainsListCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List learned domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			domains, err := c.ListDomains(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing domains: %w", err)
			}
			return render(cmd.OutOrStdout(), st.output, domains, func() error {
				rows := make([][]string, 0, len(domains))
				for _, d := range domains {
					rows = append(rows, []string{
						d.Domain, string(d.AccessClass), string(d.RequiresSession),
						strconv.FormatInt(d.TotalAttempts, 10), pct(d.SuccessRate), pct(d.BlockRate),
					})
				}
				return printTable(cmd.OutOrStdout(), []string{"DOMAIN", "ACCESS", "SESSION", "ATTEMPTS", "SUCCESS", "BLOCKED"}, rows)
			})
		},
	}
}

func newDomainsGetCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "get <domain>",
		Short: "Show statistics and classification for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			d, err := c.GetDomain(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("getting domain: %w", err)
			}
			return printDomain(cmd, st.output, d)
		},
	}
}

func newDomainsRecommendCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "recommend <domain>",
		Short: "Show the engine order and session strategy the next run would use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := st.newClient()
			if err != nil {
				return err
			}
			rec, err := c.Recommend(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("getting recommendation: %w", err)
			}
			return render(cmd.OutOrStdout(), st.output, rec, func() error {
				rows := [][]string{
					{"Domain", rec.Domain},
					{"Engines", strings.Join(rec.Engines, " -> ")},
					{"Try session first", strconv.FormatBool(rec.TrySessionFirst)},
					{"Requires session", string(rec.RequiresSession)},
					{"Access class", string(rec.AccessClass)},
					{"Preferred provider", orDash(rec.PreferredProvider)},
				}
				return printTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE"}, rows)
			})
		},
	}
}

func newDomainsOverrideCmd(st *cliState) *cobra.Command {
	var (
		access  string
		session string
		notes   string
	)
	cmd := &cobra.Command{
		Use:   "override <domain>",
		Short: "Pin a domain's access class or session requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var o schemas.DomainOverride
			if cmd.Flags().Changed("access") {
				ac := schemas.AccessClass(access)
				o.AccessClass = &ac
			}
			if cmd.Flags().Changed("session") {
				sr := schemas.SessionRequirement(session)
				o.RequiresSession = &sr
			}
			if cmd.Flags().Changed("notes") {
				o.Notes = &notes
			}
			if o.AccessClass == nil && o.RequiresSession == nil && o.Notes == nil {
				return fmt.Errorf("nothing to override: set --access, --session or --notes")
			}
			c, err := st.newClient()
			if err != nil {
				return err
			}
			d, err := c.Override(cmd.Context(), args[0], o)
			if err != nil {
				return fmt.Errorf("overriding domain: %w", err)
			}
			return printDomain(cmd, st.output, d)
		},
	}
	cmd.Flags().StringVar(&access, "access", "", "access class: public, infra or human")
	cmd.Flags().StringVar(&session, "session", "", "session requirement: no, optional or required")
	cmd.Flags().StringVar(&notes, "notes", "", "operator notes")
	return cmd
}
