// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/internal/client"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// cliState is what one command tree shares between its commands. Each call
// to NewRootCommand gets its own, so interactive and test runs never leak
// flags or config into each other.
type cliState struct {
	cfgFile   string
	serverURL string
	token     string
	output    string

	v   *viper.Viper
	cfg *config.Config
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	st := &cliState{}
	rootCmd := &cobra.Command{
		Use:   "scalpel-hitl",
		Short: "Scalpel HITL pauses extraction runs for a human and resumes them.",
		Long: `Scalpel HITL orchestrates extraction runs against targets that defend
themselves. When a run hits a login wall or a CAPTCHA it is paused, an
intervention task is raised for a human, and the run resumes once the task
is resolved.`,
		// Version is dynamically set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// This function runs before any command, setting up config and logging.
			if err := st.initializeConfig(); err != nil {
				// Initialize a fallback logger so the failure is still reported.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-hitl"})
				return err
			}
			observability.InitializeLogger(st.cfg.Logger())
			observability.GetLogger().Debug("Starting scalpel-hitl", zap.String("version", Version), zap.String("command", cmd.CommandPath()))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&st.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&st.serverURL, "server", "", "server URL for client commands (default http://<server.addr>)")
	rootCmd.PersistentFlags().StringVar(&st.token, "token", "", "bearer token for client commands (env "+config.EnvPrefix+"_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&st.output, "output", "o", "table", "output format for client commands: table or json")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(
		newServeCmd(st),
		newRunsCmd(st),
		newInterventionsCmd(st),
		newDomainsCmd(st),
		newSessionsCmd(st),
		newTokenCmd(st),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree against os.Args with ctx as the base context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Use the logger if available, otherwise fallback to stderr.
		if logger := observability.GetLogger(); logger != nil {
			logger.Debug("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// initializeConfig reads in config file and ENV variables if set.
func (st *cliState) initializeConfig() error {
	v := viper.New()
	config.SetDefaults(v)

	if st.cfgFile != "" {
		v.SetConfigFile(st.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return err
	}
	_ = v.BindEnv("client.token", config.EnvPrefix+"_TOKEN")
	_ = v.BindEnv("client.server", config.EnvPrefix+"_SERVER")

	st.v = v
	st.cfg = cfg
	return nil
}

// newClient builds an API client from flags, env and config, in that order.
func (st *cliState) newClient() (*client.Client, error) {
	server := st.serverURL
	if server == "" && st.v != nil {
		server = st.v.GetString("client.server")
	}
	if server == "" {
		addr := config.NewDefaultConfig().Server().Addr
		if st.cfg != nil {
			addr = st.cfg.Server().Addr
		}
		server = "http://" + addr
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}

	token := st.token
	if token == "" && st.v != nil {
		token = st.v.GetString("client.token")
	}
	return client.New(server, client.WithToken(token), client.WithLogger(observability.GetLogger()))
}
