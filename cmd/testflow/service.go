package main

import (
	"encoding/json"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/testflowpro/testflow/internal/service"
)

var (
	flagUnitUser    string
	flagUnitWorkDir string
)

func init() {
	installCmd.Flags().StringVar(&flagUnitUser, "user", "", "account the unit runs as")
	installCmd.Flags().StringVar(&flagUnitWorkDir, "workdir", "", "working directory of the unit")

	serviceCmd.AddCommand(installCmd, uninstallCmd, statusCmd)
	rootCmd.AddCommand(serviceCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the testflow systemd unit",
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install, enable and start the systemd unit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := service.NewManager()
		if err != nil {
			return err
		}
		cfg := service.DefaultUnitConfig()
		if rootCmd.PersistentFlags().Changed("config") {
			abs, err := filepath.Abs(flagConfigPath)
			if err != nil {
				return err
			}
			cfg.ConfigPath = abs
		}
		if flagUnitUser != "" {
			cfg.User = flagUnitUser
		}
		if flagUnitWorkDir != "" {
			cfg.WorkingDir = flagUnitWorkDir
		}
		if err := m.Install(cfg); err != nil {
			return err
		}
		cmd.Printf("installed %s\n", service.UnitFilePath)
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the systemd unit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := service.NewManager()
		if err != nil {
			return err
		}
		return m.Uninstall()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the systemd unit state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := service.NewManager()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(m.Status())
	},
}
