package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "saturn",
	Short: "Saturn - protocol-translating LLM reverse proxy",
	Long: `Saturn is a reverse proxy that serves the OpenAI, Anthropic, Gemini,
and Ollama APIs from a shared pool of upstream accounts.

It translates every request into the upstream's native protocol, selects a
healthy account with LRU fairness, retries streaming requests on another
account while nothing has been sent, and keeps per-account health and token
lifecycle state in Redis or on the local filesystem.`,
	Version: Version,
	// Bare invocation starts the server, matching the packaged entrypoint.
	RunE: runServer,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	addRunFlags(rootCmd)
}
