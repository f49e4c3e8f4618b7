// mint transforms and runs IL images.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/mint/config"
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// settings shared by every command, filled in by the root pre-run hook.
var (
	cfg        *config.Config
	configPath string
	verbosity  int
	noColor    bool
)

func fatal(msg any) {
	var s string
	switch msg := msg.(type) {
	case error:
		s = msg.Error()
	default:
		s = fmt.Sprintf("%v", msg)
	}
	fmt.Fprintf(os.Stderr, "%s\n", red(s))
	os.Exit(1)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mint",
		Short:         "Transform and run IL images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			var err error
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg, err = config.FindAndLoad(".")
			}
			if err != nil {
				return err
			}
			cfg.ConfigureLogging(verbosity)
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	pf.StringVar(&configPath, "config", "", "configuration file (default: nearest "+config.FileName+")")
	pf.BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	root.AddCommand(
		newBuildCmd(),
		newRunCmd(),
		newDisCmd(),
		newStatsCmd(),
		newStoreCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal(err)
	}
}
