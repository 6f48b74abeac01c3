package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"kvadmin/internal/timeline"
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <job-id>",
	Short: "Show the event timeline of a job",
	Long: `Show the recorded lifecycle events of a job: start, progress
milestones and the terminal outcome, with who triggered them and when.`,
	Args: cobra.ExactArgs(1),
	RunE: runTimeline,
}

func init() {
	rootCmd.AddCommand(timelineCmd)
}

func runTimeline(cmd *cobra.Command, args []string) error {
	reader := timeline.NewReader(apiClient)

	entries, err := reader.Timeline(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("load timeline: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No events recorded yet")
		return nil
	}

	for _, e := range entries {
		marker := " "
		if e.Terminal {
			marker = "*"
		}
		line := fmt.Sprintf("%s #%-2d %-15s %-14s %s", marker, e.Event.Seq, e.Label, e.Age, e.Event.Actor)
		if e.Detail != "" {
			line += "  (" + e.Detail + ")"
		}
		fmt.Println(line)
	}
	return nil
}
