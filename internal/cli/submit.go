package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kvadmin/internal/models"
)

var (
	submitDestination string
	submitTTL         time.Duration
	submitTag         string
	submitArtifact    string
	submitEntries     string
	submitWatch       bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <operation> <namespace>",
	Short: "Submit a bulk operation job",
	Long: `Submit a bulk operation against every key of a namespace.

Examples:
  kvadmin submit delete tenant-a
  kvadmin submit copy tenant-a --destination tenant-b
  kvadmin submit ttl_update tenant-a --ttl 24h
  kvadmin submit tag tenant-a --tag stale
  kvadmin submit import tenant-a --entries data.json
  kvadmin submit restore tenant-a --artifact backups/ab12cd34.jsonl`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitDestination, "destination", "", "destination namespace (copy)")
	submitCmd.Flags().DurationVar(&submitTTL, "ttl", 0, "new TTL to apply (ttl_update)")
	submitCmd.Flags().StringVar(&submitTag, "tag", "", "tag to apply (tag)")
	submitCmd.Flags().StringVar(&submitArtifact, "artifact", "", "artifact to restore from (restore)")
	submitCmd.Flags().StringVar(&submitEntries, "entries", "", "JSON file with entries to import (import)")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "follow the job's progress after submitting")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	op := models.OperationType(args[0])
	if !op.Valid() {
		return fmt.Errorf("unknown operation %q", args[0])
	}

	params, err := submitParams(op)
	if err != nil {
		return err
	}

	job, err := apiClient.SubmitJob(context.Background(), models.SubmitRequest{
		Operation: op,
		Namespace: args[1],
		Params:    params,
	})
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	fmt.Printf("Submitted job %s (%s on %s)\n", job.ID, job.Operation, job.Namespace)

	if submitWatch {
		return watchJob(job.ID)
	}
	fmt.Printf("Use 'kvadmin watch %s' to follow its progress.\n", job.ID)
	return nil
}

func submitParams(op models.OperationType) (map[string]any, error) {
	params := map[string]any{}

	switch op {
	case models.OpCopy:
		if submitDestination == "" {
			return nil, fmt.Errorf("copy requires --destination")
		}
		params["destination_namespace"] = submitDestination

	case models.OpTTLUpdate:
		if submitTTL <= 0 {
			return nil, fmt.Errorf("ttl_update requires a positive --ttl")
		}
		params["ttl_seconds"] = int(submitTTL.Seconds())

	case models.OpTag:
		if submitTag == "" {
			return nil, fmt.Errorf("tag requires --tag")
		}
		params["tag"] = submitTag

	case models.OpRestore:
		if submitArtifact == "" {
			return nil, fmt.Errorf("restore requires --artifact")
		}
		params["artifact"] = submitArtifact

	case models.OpImport:
		if submitEntries == "" {
			return nil, fmt.Errorf("import requires --entries")
		}
		data, err := os.ReadFile(submitEntries)
		if err != nil {
			return nil, fmt.Errorf("read entries file: %w", err)
		}
		var entries []any
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse entries file: %w", err)
		}
		params["entries"] = entries
	}

	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}
