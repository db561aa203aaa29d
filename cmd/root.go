// Package cmd is the budget-cli command tree.
package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagServerURL string
	flagStore     string
	flagTokenFile string
	flagProfile   string
	flagTimeout   time.Duration
	flagLogLevel  string
	flagLogFile   string
	flagPlain     bool
)

var rootCmd = &cobra.Command{
	Use:           "budget-cli",
	Short:         "Budget backend client",
	Long:          "Log in to the budget backend and browse its paginated lists, refreshing the session as needed.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default: $XDG_CONFIG_HOME/budget-cli/config.toml)")
	pf.StringVar(&flagServerURL, "server-url", "", "Backend URL (or SERVER_URL env)")
	pf.StringVar(&flagStore, "store", "", "Credential store: file, sqlite or memory (or TOKEN_STORE env)")
	pf.StringVar(&flagTokenFile, "token-file", "", "Credential file or database (or TOKEN_FILE env)")
	pf.StringVar(&flagProfile, "profile", "", "Credential profile (or PROFILE env)")
	pf.DurationVar(&flagTimeout, "timeout", 0, "Per-request timeout (or TIMEOUT env)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (or LOG_LEVEL env)")
	pf.StringVar(&flagLogFile, "log-file", "", "Write logs to a rotated file (or LOG_FILE env)")
	pf.BoolVar(&flagPlain, "plain", false, "Plain progress output even on a terminal")
}
