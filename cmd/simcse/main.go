package main

import (
	"fmt"
	"os"

	"simcse-runner/cmd"
	"simcse-runner/internal/config"

	"github.com/spf13/cobra"
)

var (
	envFile string
	logFile string
	debug   bool

	appConfig *config.Config
	closeLog  = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "simcse",
	Short: "Contrastive sentence embedding fine-tuning runner",
	Long:  `Runs SimCSE style contrastive fine-tuning experiments locally, as a queue worker, or behind an HTTP API.`,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(envFile)
		if err != nil {
			return err
		}
		appConfig = cfg

		closer, err := cmd.SetupLogging(logFile, debug)
		if err != nil {
			return err
		}
		closeLog = closer
		return nil
	},
	PersistentPostRun: func(c *cobra.Command, args []string) {
		closeLog()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "env file to load before reading the environment (default is ./.env)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, prepareCmd, workerCmd, serveCmd, profilesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
