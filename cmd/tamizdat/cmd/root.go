// Package cmd provides the CLI commands for tamizdat.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tamizdat/internal/config"
	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/logging"
	"github.com/Aman-CERP/tamizdat/internal/profiling"
	"github.com/Aman-CERP/tamizdat/pkg/version"
)

// app carries global flags and the state set up before each command.
type app struct {
	configPath string
	dataDir    string
	debug      bool
	profile    profiling.Options

	cfg        *config.Config
	logCleanup func()
	session    *profiling.Session
}

// NewRootCmd creates the root command for the tamizdat CLI.
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "tamizdat",
		Short: "Import a bibliographic catalog and search it",
		Long: `tamizdat imports a semicolon-delimited book catalog into a local
index and answers searches over titles, subtitles, series and authors.

Start with:
  tamizdat import catalog.txt
  tamizdat search Стругацкий пикник`,
		Version:           version.Short(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.before,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.after()
		},
	}
	cmd.SetVersionTemplate("tamizdat version {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.BoolVar(&a.debug, "debug", false, "Enable debug logging to ~/.tamizdat/logs/")
	pf.StringVar(&a.configPath, "config", "", "Config file (default: ./.tamizdat.yaml, then user config)")
	pf.StringVar(&a.dataDir, "data-dir", "", "Directory holding the catalog database")
	pf.StringVar(&a.profile.CPUPath, "profile-cpu", "", "Write CPU profile to file")
	pf.StringVar(&a.profile.MemPath, "profile-mem", "", "Write memory profile to file")

	cmd.AddCommand(
		newImportCmd(a),
		newSearchCmd(a),
		newGetCmd(a),
		newEnrichCmd(a),
		newStatsCmd(a),
		newVerifyCmd(a),
		newDoctorCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
		newLogsCmd(),
		newVersionCmd(),
	)
	return cmd
}

// annotationRepairsConfig marks commands that fall back to defaults when
// the configuration cannot be loaded.
const annotationRepairsConfig = "repairs-config"

// before loads configuration, installs logging and starts profiling.
func (a *app) before(cmd *cobra.Command, _ []string) error {
	cwd, _ := os.Getwd()
	cfg, err := config.Load(a.configPath, cwd)
	if err != nil {
		// Repair commands must run even when the file they repair is broken.
		if cmd.Annotations[annotationRepairsConfig] == "" {
			return err
		}
		fmt.Fprint(cmd.ErrOrStderr(), tzerrors.FormatForCLI(err))
		cfg = config.NewConfig()
	}
	if a.dataDir != "" {
		cfg.Paths.DataDir = a.dataDir
	}
	a.cfg = cfg

	// serve installs its own file-only logger.
	if cmd.Name() != "serve" {
		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Server.LogLevel
		if a.debug {
			logCfg = logging.DebugConfig()
		}
		logCfg.WriteToStderr = false
		logger, cleanup, err := logging.Setup(logCfg)
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		slog.SetDefault(logger)
		a.logCleanup = cleanup
	}

	if a.profile.Enabled() {
		s, err := profiling.Start(a.profile)
		if err != nil {
			return err
		}
		a.session = s
	}
	slog.Debug("command_started",
		slog.String("command", cmd.CommandPath()),
		slog.String("data_dir", cfg.Paths.DataDir))
	return nil
}

func (a *app) after() error {
	var err error
	if a.session != nil {
		if err = a.session.Stop(); err != nil {
			err = fmt.Errorf("failed to write profile: %w", err)
		}
		a.session = nil
	}
	if a.logCleanup != nil {
		a.logCleanup()
		a.logCleanup = nil
	}
	return err
}

// level returns the effective log level for commands that set up their own
// logger.
func (a *app) level() string {
	if a.debug {
		return "debug"
	}
	return a.cfg.Server.LogLevel
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		debug, _ := root.PersistentFlags().GetBool("debug")
		fmt.Fprint(os.Stderr, tzerrors.FormatForUser(err, debug))
		return 1
	}
	return 0
}
