package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "mailroom",
	Short:   "Inbound journaling-mail ingestion service",
	Version: version,
	Long: `mailroom receives inbound email webhooks from the mail relay, queues them
durably, and processes each message into a journal entry or a threaded
conversational reply.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, jobsCmd, messagesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
