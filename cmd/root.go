package cmd

import (
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// cache settings are persistent flags so every subcommand that memoizes
// registry calls shares one cache location and freshness window.
var (
	verbose  bool
	cacheDir string
	cacheTTL time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "dirpull",
	Short: "pull container images over unreliable networks",
	Long: `
pulls image layers with resumable segmented downloads and writes them to a
dir-transport directory that a local runtime can load. Re-running after a
failure continues from the bytes already on disk.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetLevel(log.InfoLevel)
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", filepath.Join(os.TempDir(), "dirpull-cache"), "directory for memoized registry calls")
	rootCmd.PersistentFlags().DurationVar(&cacheTTL, "cache-ttl", 5*time.Minute, "how long memoized registry calls stay fresh")
}
