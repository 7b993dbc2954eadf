package main

import (
	"github.com/Sternrassler/odata-batch/pkg/config"
	"github.com/Sternrassler/odata-batch/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries the loaded configuration to the subcommands.
type app struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "odata-batch",
		Short: "OData $batch processor",
		Long: `odata-batch executes OData $batch requests (multipart/mixed and JSON)
against an upstream OData service.

Configuration is read from an optional YAML file and ODATA_BATCH_* environment
variables; flags override both.`,
		Example: rootCmdExample,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	cmd.SilenceUsage = true
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "human-readable log output")

	cmd.AddCommand(newServeCmd(a), newRunCmd(a), newConvertCmd(a))
	return cmd
}

// setup loads the configuration, applies flag overrides and installs the
// logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Log.Pretty = a.pretty
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := cfg.Log.Logging()
	logCfg.Output = cmd.ErrOrStderr()
	logging.Setup(logCfg)

	a.cfg = cfg
	a.logger = logging.NewLogger("cli")
	return nil
}

const rootCmdExample = `  # Serve /$batch, forwarding sub-requests to a service
  odata-batch serve --base-url https://services.example.com/odata/

  # Execute a batch file once and print the composite response
  odata-batch run batch.json --base-url https://services.example.com/odata/

  # Convert a multipart batch to JSON
  odata-batch convert batch.txt`
