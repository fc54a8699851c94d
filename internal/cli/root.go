// Package cli provides the Cobra command structure for skein.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/phroun/skein"
	"github.com/phroun/skein/internal/config"
	"github.com/phroun/skein/internal/logging"
)

// BuildInfo holds build-time version information.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// app is the state shared by subcommands once flags are parsed.
type app struct {
	configPath string
	debug      bool
	color      string

	cfg *config.Config
}

// options returns handle options from the loaded configuration.
func (a *app) options() skein.Options {
	if a.cfg == nil {
		return skein.DefaultOptions()
	}
	return a.cfg.Options()
}

// NewRootCommand creates the root skein command with all subcommands.
func NewRootCommand(info BuildInfo) *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "skein",
		Short: "Piece-tree text buffer with edit-aware cursors",
		Long: `skein is the content-storage core of a text editor: a persistent piece
tree with logarithmic edits, a region cache, a versioned edit journal and
cursors that stay valid while the document changes.

The commands here exercise that core interactively and under load.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logging.SetLevel(cfg.Log.Level)
			if a.debug {
				logging.SetLevel("debug")
			}
			cmd.SetContext(logging.WithLogger(cmd.Context(), logging.Default()))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&a.color, "color", "auto",
		"colorize output: auto, always, never")

	rootCmd.AddCommand(newReplCommand(a))
	rootCmd.AddCommand(newBenchCommand(a))
	rootCmd.AddCommand(newConfigCommand(a))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}
