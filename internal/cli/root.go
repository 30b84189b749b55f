// Package cli implements the council command line
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"council/internal/config"
	"council/internal/logging"
	"council/internal/models"
)

var (
	appVersion = "dev"
	appCommit  = "none"
)

// SetVersionInfo allows the main package to inject build-time variables
func SetVersionInfo(version, commit string) {
	appVersion = version
	appCommit = commit
}

// Option customizes the root command; tests use it to swap the backend
type Option func(*rootState)

// WithEndpoint replaces the HTTP model backend
func WithEndpoint(f EndpointFactory) Option {
	return func(s *rootState) { s.endpoint = f }
}

// WithResilientOptions passes options to the resilient client
func WithResilientOptions(opts ...models.ResilientOption) Option {
	return func(s *rootState) { s.resilientOpts = append(s.resilientOpts, opts...) }
}

// rootState is shared by every subcommand of one invocation
type rootState struct {
	v             *viper.Viper
	endpoint      EndpointFactory
	resilientOpts []models.ResilientOption

	cfg *config.Config
	log *logging.Logger
	app *app
}

// NewRootCmd builds the command tree. Flags can also be set through
// COUNCIL_* environment variables, e.g. COUNCIL_METHOD=borda.
func NewRootCmd(opts ...Option) *cobra.Command {
	s := &rootState{v: viper.New(), endpoint: defaultEndpoint}
	for _, opt := range opts {
		opt(s)
	}
	s.v.SetEnvPrefix("COUNCIL")
	s.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	s.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "council",
		Short:         "council asks several LLMs, has them rank each other, and synthesizes one answer",
		Version:       fmt.Sprintf("%s (commit: %s)", appVersion, appCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return s.log.Close()
		},
	}

	root.PersistentFlags().String("config", config.ConfigPath(), "config file")
	root.PersistentFlags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")
	root.PersistentFlags().String("store", "", "results database path")
	_ = s.v.BindPFlags(root.PersistentFlags())

	root.AddCommand(
		newAskCmd(s),
		newHistoryCmd(s),
		newShowCmd(s),
		newCircuitsCmd(s),
		newServeCmd(s),
	)
	return root
}

// load reads config and wires the app once per invocation
func (s *rootState) load() error {
	cfg, err := config.LoadFrom(s.v.GetString("config"))
	if err != nil {
		return err
	}
	if level := s.v.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if file := s.v.GetString("log-file"); file != "" {
		cfg.Log.File = file
	}
	if path := s.v.GetString("store"); path != "" {
		cfg.Store.Path = path
	}

	log, err := logging.New(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	s.cfg = cfg
	s.log = log
	s.app = newApp(cfg, log, s.endpoint(cfg), s.resilientOpts...)
	return nil
}

// Execute runs the CLI and exits non-zero on error
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
