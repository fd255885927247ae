// Command weaver drives the asset generation pipeline from the shell:
// it loads the unit manifest, plans a dependency-ordered batch, and renders
// scripts and assets into the output directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"assetweaver/internal/cli"
)

var (
	flagConfig  string
	flagWorkdir string
)

var rootCmd = &cobra.Command{
	Use:   "weaver",
	Short: "Procedural script and asset generation",
	Long: `weaver generates scripts and assets from a declarative TOML manifest.

Units declare what to generate; weaver plans the dependency order, runs each
unit through the producer for its kind, and only rewrites outputs whose
content actually changed.

Examples:
  weaver generate                # generate every unit in weaver.toml
  weaver generate layers tags    # generate two units and their dependencies
  weaver list                    # show units, outputs, and dependencies
  weaver watch                   # regenerate when sources change`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var generateCmd = &cobra.Command{
	Use:   "generate [unit...]",
	Short: "Run one generation session",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		return app.Generate(cmd.Context(), args...)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the manifest's units",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		if last, _ := cmd.Flags().GetBool("last"); last {
			return renderLastSession(app)
		}

		rows := pterm.TableData{{"UNIT", "KIND", "OUTPUT", "DEPENDS ON"}}
		for _, info := range app.ListUnits() {
			deps := ""
			for i, d := range info.Dependencies {
				if i > 0 {
					deps += ", "
				}
				deps += d
			}
			rows = append(rows, []string{info.Name, info.Kind, info.Output, deps})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

// renderLastSession prints the most recent session's journal.
func renderLastSession(app *cli.App) error {
	j, err := app.LastJournal()
	if err != nil {
		return err
	}
	if j == nil {
		pterm.Info.Println("no sessions recorded yet")
		return nil
	}

	pterm.DefaultSection.Printfln("session %s", j.SessionID)
	rows := pterm.TableData{{"EVENT", "UNIT", "CAUSE", "DETAIL"}}
	for _, ev := range j.Events {
		rows = append(rows, []string{string(ev.Kind), ev.Unit, ev.Cause, ev.Detail})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Regenerate whenever manifest sources change",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		return app.Watch(cmd.Context())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Optional TOML config file")
	pf.StringVar(&flagWorkdir, "workdir", "", "Working directory all relative paths resolve under (default: current directory)")
	pf.String("manifest", "weaver.toml", "Unit manifest path")
	pf.String("output", "generated", "Output directory")
	pf.String("state", ".weaver-state", "Durable state directory")
	pf.Bool("force", false, "Rebuild scripts even when their members are unchanged")
	pf.Bool("no-retain", false, "Drop obsolete script members instead of keeping deprecated declarations")
	pf.Bool("interactive", false, "Prompt on faults instead of aborting")
	pf.Bool("json-logs", false, "Emit structured JSON logs")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.Int("debounce-ms", 250, "Watch mode settle time in milliseconds")

	listCmd.Flags().Bool("last", false, "Show the most recent session's journal instead of the unit table")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
}

// buildApp resolves the effective config from flags, environment, and the
// optional config file, then wires the pipeline.
func buildApp(cmd *cobra.Command) (*cli.App, error) {
	v := cli.NewViper()
	for _, name := range []string{"manifest", "output", "state", "force", "interactive", "json-logs", "verbose", "debounce-ms"} {
		if err := v.BindPFlag(configKey(name), cmd.Flags().Lookup(name)); err != nil {
			return nil, err
		}
	}
	if err := v.BindPFlag("no_retain", cmd.Flags().Lookup("no-retain")); err != nil {
		return nil, err
	}

	workdir := flagWorkdir
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workdir = wd
	}
	v.Set("workdir", workdir)

	cfg, err := cli.LoadConfig(v, flagConfig)
	if err != nil {
		return nil, err
	}
	return cli.NewApp(cfg)
}

func configKey(flag string) string {
	switch flag {
	case "json-logs":
		return "json_logs"
	case "debounce-ms":
		return "debounce_ms"
	default:
		return flag
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "weaver:", err)
		os.Exit(cli.ExitCode(err))
	}
}
