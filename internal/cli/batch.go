package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewBatchCmd создаёт группу команд для управления batches.
func NewBatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage batches",
	}

	cmd.AddCommand(
		newBatchListCmd(clientFn, outputFn),
		newBatchCreateCmd(clientFn, outputFn),
		newBatchShowCmd(clientFn, outputFn),
		newBatchTasksCmd(clientFn, outputFn),
		newBatchCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newBatchListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			batches, err := client.ListBatches(ListBatchesOpts{
				Owner:  owner,
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "OWNER", "SUBJECTS", "STATUS", "CREATED"}
			rows := make([][]string, len(batches))
			for i, b := range batches {
				rows[i] = []string{b.ID, b.Owner, strconv.Itoa(len(b.Subjects)), b.Status, b.CreatedAt}
			}

			out.Print(headers, rows, batches)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, AGGREGATING, COMPLETED, ERROR, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newBatchCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string
	var subjects []string
	var skipPhases []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch of analysis tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if len(subjects) == 0 {
				return fmt.Errorf("at least one --subject is required")
			}

			batch, err := client.CreateBatch(CreateBatchRequest{
				Owner:          owner,
				Subjects:       subjects,
				SkipPhases:     skipPhases,
				IdempotencyKey: idempotencyKey,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Batch created: %s", batch.ID))
			out.Print(
				[]string{"ID", "OWNER", "SUBJECTS", "STATUS", "CREATED"},
				[][]string{{batch.ID, batch.Owner, strings.Join(batch.Subjects, ","), batch.Status, batch.CreatedAt}},
				batch,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Batch owner (required)")
	cmd.Flags().StringSliceVar(&subjects, "subject", nil, "Subject to analyze (repeatable)")
	cmd.Flags().StringSliceVar(&skipPhases, "skip-phase", nil, "Optional phase to skip (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for safe retries")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func newBatchShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show batch details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			batch, err := client.GetBatch(args[0])
			if err != nil {
				return err
			}

			out.Details([][2]string{
				{"ID", batch.ID},
				{"Owner", batch.Owner},
				{"Subjects", strings.Join(batch.Subjects, ",")},
				{"Status", batch.Status},
				{"Aggregated", strconv.FormatBool(batch.AggregateTriggered)},
				{"Error", batch.Error},
				{"Created", batch.CreatedAt},
			}, batch)
			return nil
		},
	}
}

func newBatchTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks BATCH_ID",
		Short: "List member tasks of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListBatchTasks(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "SUBJECT", "STATUS", "PHASE", "ERROR"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{t.ID, t.Subject, t.Status, t.CurrentPhase, t.Error}
			}

			out.Print(headers, rows, tasks)
			return nil
		},
	}
}

func newBatchCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a batch and its member tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			batch, err := client.CancelBatch(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Cancel requested: %s", batch.ID))
			return nil
		},
	}
}
