// Package main is the entry point for the TestFlow server and CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/testflowpro/testflow/internal/config"
	"github.com/testflowpro/testflow/internal/jenkins"
	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/services"
	"github.com/testflowpro/testflow/internal/version"
)

var (
	flagConfigPath string
	flagPreviewN   int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "config.yaml", "path to the YAML config file")
	cronPreviewCmd.Flags().IntVarP(&flagPreviewN, "count", "n", 5, "number of fire times to print")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(cronPreviewCmd)
	rootCmd.AddCommand(jobsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "testflow: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "testflow",
	Short:         "Execution lifecycle and reconciliation engine for Jenkins test jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, reconciler and scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
	},
}

var cronPreviewCmd = &cobra.Command{
	Use:   "cron-preview <expr>",
	Short: "Print the next fire times of a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc := time.Local
		if cfg, err := config.Load(optionalConfig()); err == nil {
			loc = cfg.Scheduler.GetLocation()
		}
		n := flagPreviewN
		if n <= 0 {
			n = 5
		}
		times, err := services.NextFireTimes(args[0], n, time.Now().In(loc))
		if err != nil {
			return err
		}
		for _, t := range times {
			fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the jobs visible on the configured Jenkins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logger.New(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		jobs, err := jenkins.New(cfg.Jenkins, log).ListJobs(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCOLOR\tURL")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", j.Name, j.Color, j.URL)
		}
		return w.Flush()
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(optionalConfig())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// optionalConfig returns the config path, or "" when the default file is absent
// so that environment variables and defaults alone can drive the process.
func optionalConfig() string {
	if _, err := os.Stat(flagConfigPath); err != nil && !rootCmd.PersistentFlags().Changed("config") {
		return ""
	}
	return flagConfigPath
}
