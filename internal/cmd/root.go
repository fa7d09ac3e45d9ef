// Package cmd provides CLI commands for the killswitch tool.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/killswitch/internal/config"
	"github.com/steveyegge/killswitch/internal/style"
)

// Command group IDs - used by subcommands to organize help output
const (
	GroupSwitch = "switch"
	GroupAgents = "agents"
	GroupState  = "state"
	GroupDiag   = "diag"
)

// app carries what every command needs: resolved config and a logger.
// It is filled in by the root command's PersistentPreRunE.
type app struct {
	configPath string
	stateDir   string
	logLevel   string
	natsURL    string
	noColor    bool

	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "killswitch",
		Short:   "Fleet-wide emergency stop for autonomous agents",
		Version: Version,
		Long: `killswitch halts every registered agent in a fleet.

A trigger is persisted to the state document, broadcast on the event bus
(or written to the backup trigger file when the bus is down), and then
verified: each expected agent is checked independently and force-stopped
if it is still running. Recovery is an explicit, audited operator action.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default $KILLSWITCH_CONFIG or <state-dir>/killswitch.toml)")
	pf.StringVar(&a.stateDir, "state-dir", "", "directory holding the state document")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.natsURL, "nats-url", "", "NATS server URL for the event bus")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddGroup(
		&cobra.Group{ID: GroupSwitch, Title: "Kill Switch:"},
		&cobra.Group{ID: GroupAgents, Title: "Agents:"},
		&cobra.Group{ID: GroupState, Title: "State:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	root.SetHelpCommandGroupID(GroupDiag)
	root.SetCompletionCommandGroupID(GroupDiag)

	root.AddCommand(
		newTriggerCmd(a),
		newRecoverCmd(a),
		newStatusCmd(a),
		newVerifyCmd(a),
		newTestRecoveryCmd(a),
		newServeCmd(a),
		newAgentCmd(a),
		newInitCmd(a),
		newStateCmd(a),
		newHistoryCmd(a),
		newVersionCmd(),
	)
	return root
}

// Commands that run without loading configuration.
var configExemptCommands = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
}

// load resolves configuration for the command being run. Flags override the
// environment, which overrides the config file.
func (a *app) load(cmd *cobra.Command, _ []string) error {
	if a.noColor {
		style.SetColor(false)
	}
	if configExemptCommands[cmd.Name()] {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.stateDir != "" {
		cfg.StateDir = a.stateDir
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.natsURL != "" {
		cfg.NATS.URL = a.natsURL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.log = setupLogger(cfg.LogLevel, cmd.ErrOrStderr())
	slog.SetDefault(a.log)
	if cfg.Source != "" {
		a.log.Debug("loaded config", "path", cfg.Source)
	}
	return nil
}

// setupLogger builds the text logger used by every command.
func setupLogger(level string, w io.Writer) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	return run(newRootCmd(), os.Args[1:], os.Stderr)
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	err = classify(err)
	var silent *silentExit
	if !errors.As(err, &silent) {
		fmt.Fprintf(stderr, "%s %v\n", style.ErrorPrefix, err)
	}
	return exitCode(err)
}

// buildCommandPath walks the command hierarchy to build the full command path.
// For example: "killswitch agent list".
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand returns a RunE function for parent commands that require
// a subcommand. Without this, Cobra silently shows help and exits 0 for
// unknown subcommands like "killswitch agent foobar", masking errors.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], buildCommandPath(cmd), buildCommandPath(cmd))
}
