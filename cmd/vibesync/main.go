package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hulylabs/vibesync/internal/config"
	"github.com/hulylabs/vibesync/internal/debug"
)

var (
	// Version is set at build time via -ldflags.
	Version = "dev"
	// Build is the git commit, set at build time.
	Build = "unknown"
)

var (
	verboseFlag bool
	quietFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "vibesync",
	Short: "vibesync - bidirectional PM / tracker / agent issue sync",
	Long: `Keeps a project-management service, git-resident issue trackers, and
AI agent memory in sync. Run "vibesync serve" for the long-lived daemon,
or the one-shot subcommands for targeted operations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("vibesync version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		if err := config.Initialize(); err != nil {
			return exitWith(1, err)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().BoolP("version", "V", false, "Print version and exit")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
}

// exitError carries a process exit code up through cobra. Codes: 1 for
// configuration errors, 2 when a required dependency is unreachable at
// startup.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error { return &exitError{code: code, err: err} }

// loadSettings resolves config and maps validation failures to exit
// code 1.
func loadSettings() (*config.Settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, exitWith(1, err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
