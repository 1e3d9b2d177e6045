package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BuzzLyutic/triage/internal/config"
	"github.com/BuzzLyutic/triage/internal/handler"
	"github.com/BuzzLyutic/triage/internal/quadrant"
)

type rootFlags struct {
	configPath  string
	driver      string
	dbPath      string
	databaseURL string
	logLevel    string
	metricsFile string
}

func newRootCmd(a *app) *cobra.Command {
	var f rootFlags

	root := &cobra.Command{
		Use:          "triage",
		Short:        "Sort tasks into the four quadrants of the priority matrix",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return a.setup(cmd.Context(), cfg)
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", config.DefaultPath(), "path to the YAML config file")
	pf.StringVar(&f.driver, "driver", "", "store driver: sqlite or postgres")
	pf.StringVar(&f.dbPath, "db", "", "SQLite database path")
	pf.StringVar(&f.databaseURL, "database-url", "", "PostgreSQL connection URL")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&f.metricsFile, "metrics-file", "", "write prometheus metrics to this file on exit")

	root.AddCommand(
		newAddCmd(a),
		newListCmd(a),
		newRenameCmd(a),
		newToggleCmd(a),
		newDeleteCmd(a),
		newMoveCmd(a),
		newDragCmd(a),
		newStatsCmd(a),
	)
	return root
}

// loadConfig applies explicitly set flags on top of file and environment.
func loadConfig(cmd *cobra.Command, f rootFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Driver = f.driver
	}
	if flags.Changed("db") {
		cfg.DBPath = f.dbPath
	}
	if flags.Changed("database-url") {
		cfg.DatabaseURL = f.databaseURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = f.metricsFile
	}
	return cfg, cfg.Validate()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func newAddCmd(a *app) *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "add <description>",
		Short: "Add a task to the inbox",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.handler.Add(cmd.Context(), strings.Join(args, " "), priority)
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "file straight into a bucket: do, decide, delegate or delete")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [inbox|do|decide|delegate|delete]",
		Short: "List a partition in position order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition := ""
			if len(args) == 1 {
				partition = args[0]
			}
			return a.handler.List(cmd.Context(), partition)
		},
	}
}

func newRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> [description]",
		Short: "Change a description; an empty one deletes the task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.handler.Rename(cmd.Context(), id, strings.Join(args[1:], " "))
		},
	}
}

func newToggleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip the completed state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.handler.Toggle(cmd.Context(), id)
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.handler.Delete(cmd.Context(), id)
		},
	}
}

func newMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "move <partition> <from> <to>",
		Short: "Move the task at rank from to rank to",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid from index %q", args[1])
			}
			to, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid to index %q", args[2])
			}
			return a.handler.Move(cmd.Context(), args[0], from, to)
		},
	}
}

func newDragCmd(a *app) *cobra.Command {
	var dx, dy float64
	cmd := &cobra.Command{
		Use:   "drag <id>",
		Short: "Drag a task from the inbox toward a quadrant",
		Long: `Drag replays pointer displacements relative to the grab point.
With --dx/--dy a single release is used. Otherwise "dx dy" lines are read
from stdin and the last line is the release.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var samples []quadrant.Displacement
			if cmd.Flags().Changed("dx") || cmd.Flags().Changed("dy") {
				samples = []quadrant.Displacement{{DX: dx, DY: dy}}
			} else if samples, err = handler.ParseSamples(cmd.InOrStdin()); err != nil {
				return err
			}
			return a.handler.Drag(cmd.Context(), id, samples)
		},
	}
	cmd.Flags().Float64Var(&dx, "dx", 0, "horizontal release offset, negative is left")
	cmd.Flags().Float64Var(&dy, "dy", 0, "vertical release offset, negative is up")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks per partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.handler.Stats(cmd.Context())
		},
	}
}
