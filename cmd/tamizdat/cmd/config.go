package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/tamizdat/configs"
	"github.com/Aman-CERP/tamizdat/internal/config"
	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/output"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Inspect and create tamizdat configuration.

Configuration precedence (lowest to highest):
  1. Defaults
  2. User config (~/.config/tamizdat/config.yaml)
  3. Project config (.tamizdat.yaml) or --config
  4. Environment variables (TAMIZDAT_*)`,
		Example: `  tamizdat config init
  tamizdat config show --json
  tamizdat config path
  tamizdat config restore --list`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigRestoreCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the user configuration file",
		Long: `Create ~/.config/tamizdat/config.yaml (or under $XDG_CONFIG_HOME) from
the commented template. With --force an existing file is backed up and
rewritten with current defaults filled in, keeping your values.`,
		Annotations: map[string]string{annotationRepairsConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Upgrade an existing configuration (a backup is kept)")
	return cmd
}

func runConfigInit(cmd *cobra.Command, force bool) error {
	out := output.New(cmd.OutOrStdout())
	path := config.GetUserConfigPath()

	if config.UserConfigExists() {
		if !force {
			out.Warning("User configuration already exists")
			out.Statusf("📁", "Location: %s", path)
			out.Status("💡", "Use --force to upgrade it with new defaults")
			return nil
		}
		return runConfigUpgrade(out, path)
	}

	if err := os.MkdirAll(config.GetUserConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configs.UserConfigTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Success("Created user configuration")
	out.Statusf("📁", "Location: %s", path)
	out.Status("💡", "Run 'tamizdat config show' to check the effective settings")
	return nil
}

// runConfigUpgrade backs up the user config, then rewrites it with the
// user's values layered over current defaults.
func runConfigUpgrade(out *output.Writer, path string) error {
	cfg, err := readConfigFile(path)
	if err != nil {
		return err
	}
	backup, err := config.BackupConfig(path)
	if err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}
	cfg.Version = config.CurrentVersion
	if err := cfg.WriteYAML(path); err != nil {
		return err
	}

	out.Success("Configuration upgraded")
	out.Statusf("📁", "Location: %s", path)
	out.Statusf("💾", "Backup: %s", backup)
	return nil
}

func newConfigShowCmd(a *app) *cobra.Command {
	var (
		jsonOutput bool
		source     string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Example: `  tamizdat config show
  tamizdat config show --source user
  tamizdat config show --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, a, jsonOutput, source)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&source, "source", "merged", "Config source: merged, user, defaults")
	return cmd
}

func runConfigShow(cmd *cobra.Command, a *app, jsonOutput bool, source string) error {
	out := output.New(cmd.OutOrStdout())

	var (
		cfg  *config.Config
		desc string
	)
	switch source {
	case "merged":
		cfg = a.cfg
		desc = "merged (defaults + user + project + env + flags)"
	case "user":
		path := config.GetUserConfigPath()
		if !config.UserConfigExists() {
			out.Warning("No user configuration file found")
			out.Statusf("📁", "Expected at: %s", path)
			out.Status("💡", "Run 'tamizdat config init' to create one")
			return nil
		}
		var err error
		if cfg, err = readConfigFile(path); err != nil {
			return err
		}
		desc = fmt.Sprintf("user (%s)", path)
	case "defaults":
		cfg = config.NewConfig()
		desc = "defaults"
	default:
		return fmt.Errorf("invalid source: %s (use: merged, user, defaults)", source)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	out.Statusf("📋", "Configuration source: %s", desc)
	out.Newline()
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func readConfigFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := config.NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print user config file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return nil
		},
	}
}

func newConfigRestoreCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "restore [backup]",
		Short: "Restore the user configuration from a backup",
		Long: `Replace the user configuration with a backup made by 'config init --force'.
Without an argument the newest backup is used. The file being replaced is
backed up first.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{annotationRepairsConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigRestore(cmd, args, list)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List available backups, newest first")
	return cmd
}

func runConfigRestore(cmd *cobra.Command, args []string, list bool) error {
	out := output.New(cmd.OutOrStdout())
	path := config.GetUserConfigPath()

	backups, err := config.ListBackups(path)
	if err != nil {
		return err
	}
	if list {
		if len(backups) == 0 {
			out.Status("💡", "No configuration backups")
			return nil
		}
		for _, b := range backups {
			fmt.Fprintln(cmd.OutOrStdout(), b)
		}
		return nil
	}

	var backup string
	switch {
	case len(args) == 1:
		backup = args[0]
	case len(backups) > 0:
		backup = backups[0]
	default:
		return tzerrors.New(tzerrors.ErrCodeConfigNotFound, "no configuration backups found", nil).
			WithSuggestion("Backups are created by 'tamizdat config init --force'")
	}

	if _, err := readConfigFile(backup); err != nil {
		return tzerrors.ConfigError("backup is not a valid configuration", err).
			WithDetail("path", backup)
	}
	if err := config.RestoreConfig(path, backup); err != nil {
		return err
	}

	out.Success("Configuration restored")
	out.Statusf("💾", "From: %s", backup)
	return nil
}
