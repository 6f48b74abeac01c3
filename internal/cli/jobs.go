package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"kvadmin/internal/models"
)

var (
	jobsStatus    string
	jobsOperation string
	jobsNamespace string
	jobsContains  string
	jobsMinErrors int
	jobsSortBy    string
	jobsSortOrder string
	jobsLimit     int
	jobsOffset    int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect bulk operation jobs",
	Long: `List the job history or inspect a specific job by ID.

Examples:
  kvadmin jobs                                # List recent jobs
  kvadmin jobs ab12cd34                       # Show details for one job
  kvadmin jobs --status failed --min-errors 1 # Failed jobs with errors
  kvadmin jobs --namespace tenant-a --operation delete`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsCmd.Flags().StringVar(&jobsOperation, "operation", "", "filter by operation type")
	jobsCmd.Flags().StringVar(&jobsNamespace, "namespace", "", "filter by namespace")
	jobsCmd.Flags().StringVar(&jobsContains, "contains", "", "filter by job id substring")
	jobsCmd.Flags().IntVar(&jobsMinErrors, "min-errors", 0, "only jobs with at least this many errors")
	jobsCmd.Flags().StringVar(&jobsSortBy, "sort", "", "sort key: started_at, completed_at, errors, processed")
	jobsCmd.Flags().StringVar(&jobsSortOrder, "order", "", "sort order: asc or desc")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum jobs to list")
	jobsCmd.Flags().IntVar(&jobsOffset, "offset", 0, "jobs to skip")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	q := models.JobQuery{
		IDContains: jobsContains,
		SortBy:     jobsSortBy,
		SortOrder:  jobsSortOrder,
		Limit:      jobsLimit,
		Offset:     jobsOffset,
	}
	if jobsStatus != "" {
		status := models.JobStatus(jobsStatus)
		q.Status = &status
	}
	if jobsOperation != "" {
		op := models.OperationType(jobsOperation)
		q.Operation = &op
	}
	if jobsNamespace != "" {
		q.Namespace = &jobsNamespace
	}
	if jobsMinErrors > 0 {
		q.MinErrors = &jobsMinErrors
	}

	list, err := apiClient.ListJobs(ctx, q)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(list.Items) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-10s %-12s %-12s %-12s %-10s %-7s %s\n", "ID", "OPERATION", "NAMESPACE", "STATUS", "PROGRESS", "ERRORS", "STARTED")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, job := range list.Items {
		progress := ""
		if job.Total > 0 {
			progress = fmt.Sprintf("%d/%d", job.Processed, job.Total)
		}
		started := job.StartedAt.Local().Format("Jan 02 15:04:05")
		fmt.Printf("%-10s %-12s %-12s %-12s %-10s %-7d %s\n",
			job.ID, job.Operation, job.Namespace, job.Status, progress, job.Errors, started)
	}

	if list.Total > len(list.Items) {
		fmt.Printf("\nShowing %d of %d matching jobs\n", len(list.Items), list.Total)
	}
	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Operation: %s\n", job.Operation)
	fmt.Printf("  Namespace: %s\n", job.Namespace)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Owner: %s\n", job.Owner)
	if job.Total > 0 {
		fmt.Printf("  Progress: %d/%d (%.1f%%)\n", job.Processed, job.Total, job.Percentage)
	}
	if job.Errors > 0 {
		fmt.Printf("  Errors: %d\n", job.Errors)
	}
	if job.CurrentKey != "" {
		fmt.Printf("  Current key: %s\n", job.CurrentKey)
	}
	fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		duration := job.CompletedAt.Sub(job.StartedAt)
		fmt.Printf("  Duration: %s\n", duration.Round(time.Second))
	}

	if job.Error != nil && *job.Error != "" {
		fmt.Printf("  Error: %s\n", *job.Error)
	}

	if len(job.Result) > 0 {
		fmt.Println("\nResult:")
		keys := make([]string, 0, len(job.Result))
		for k := range job.Result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, job.Result[k])
		}
	}

	return nil
}
