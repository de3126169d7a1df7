package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/quillpost/mailroom/internal/config"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the ingestion queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		jobs, err := newAPIClient(cfg).listJobs(context.Background(), status, limit)
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			printStatus("Queue", "empty")
			return nil
		}
		for _, j := range jobs {
			line := fmt.Sprintf("#%d  %-10s  attempts=%d  %s", j.ID, j.Status, j.Attempts, j.CreatedAt)
			if j.ErrorMessage != "" {
				line += "  error=" + j.ErrorMessage
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if err := newAPIClient(cfg).retryJob(context.Background(), id); err != nil {
			return err
		}
		printSuccess("Requeued job #%d", id)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List recent pipeline messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		msgs, err := newAPIClient(cfg).listMessages(context.Background(), limit)
		if err != nil {
			return err
		}

		if len(msgs) == 0 {
			printStatus("Messages", "none")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("%-8s  %-24s  conv=%s  %s\n", m.Direction, m.Sender, m.ConversationID, m.Subject)
		}
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	jobsListCmd.Flags().Int("limit", 20, "maximum jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsRetryCmd)

	messagesCmd.Flags().Int("limit", 20, "maximum messages to list")
}
