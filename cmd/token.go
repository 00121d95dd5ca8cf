package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-hitl/internal/api"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
)

func newTokenCmd(st *cliState) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an API bearer token signed with server.auth_secret",
		Long: `Issue an API bearer token for subject, signed with the secret in
` + config.EnvPrefix + `_AUTH_SECRET. The subject is recorded as the resolver
when the token holder resolves an intervention without naming one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := st.cfg.Server().AuthSecret
			if secret == "" {
				return fmt.Errorf("no auth secret configured (hint: set %s_AUTH_SECRET)", config.EnvPrefix)
			}
			token, err := api.IssueToken(secret, args[0], ttl, time.Now())
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
