package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	job, err := apiClient.CancelJob(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	fmt.Printf("Job %s cancelled after %d of %d keys\n", job.ID, job.Processed, job.Total)
	return nil
}
