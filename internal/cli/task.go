package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для управления tasks.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage analysis tasks",
	}

	cmd.AddCommand(
		newTaskListCmd(clientFn, outputFn),
		newTaskStartCmd(clientFn, outputFn),
		newTaskShowCmd(clientFn, outputFn),
		newTaskResultsCmd(clientFn, outputFn),
		newTaskCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string
	var batchID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(ListTasksOpts{
				Owner:   owner,
				BatchID: batchID,
				Status:  status,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "SUBJECT", "OWNER", "STATUS", "PHASE", "CREATED"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{t.ID, t.Subject, t.Owner, t.Status, t.CurrentPhase, t.CreatedAt}
			}

			out.Print(headers, rows, tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "Filter by batch ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, COMPLETED, ERROR, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newTaskStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string
	var skipPhases []string

	cmd := &cobra.Command{
		Use:   "start SUBJECT",
		Short: "Start analysis of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.CreateTask(CreateTaskRequest{
				Subject:    args[0],
				Owner:      owner,
				SkipPhases: skipPhases,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Task started: %s", task.ID))
			out.Print(
				[]string{"ID", "SUBJECT", "OWNER", "STATUS", "CREATED"},
				[][]string{{task.ID, task.Subject, task.Owner, task.Status, task.CreatedAt}},
				task,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Task owner (required)")
	cmd.Flags().StringSliceVar(&skipPhases, "skip-phase", nil, "Optional phase to skip (repeatable)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.GetTask(args[0])
			if err != nil {
				return err
			}

			out.Details([][2]string{
				{"ID", task.ID},
				{"Subject", task.Subject},
				{"Owner", task.Owner},
				{"Status", task.Status},
				{"Phase", task.CurrentPhase},
				{"Error", task.Error},
				{"Created", task.CreatedAt},
			}, task)
			return nil
		},
	}
}

func newTaskResultsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "results ID",
		Short: "Show worker results by phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			results, err := client.GetTaskResults(args[0])
			if err != nil {
				return err
			}

			headers := []string{"PHASE", "ROLE"}
			var rows [][]string

			phases := make([]string, 0, len(results.PhaseResults))
			for phase := range results.PhaseResults {
				phases = append(phases, phase)
			}
			sort.Strings(phases)

			for _, phase := range phases {
				roles := make([]string, 0, len(results.PhaseResults[phase]))
				for role := range results.PhaseResults[phase] {
					roles = append(roles, role)
				}
				sort.Strings(roles)
				for _, role := range roles {
					rows = append(rows, []string{phase, role})
				}
			}

			out.Print(headers, rows, results)
			return nil
		},
	}
}

func newTaskCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.CancelTask(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Cancel requested: %s", task.ID))
			return nil
		},
	}
}
