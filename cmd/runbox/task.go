package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/runbox/internal/apiclient"
	"github.com/fentz26/runbox/internal/controlplane"
	"github.com/fentz26/runbox/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task on behalf of an owner",
	RunE:  runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history [task-id]",
	Short: "Show the decision records of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskHistory,
}

var (
	taskOwner     string
	taskType      string
	taskInput     string
	taskInputFile string
	taskID        string
	taskStatus    string
	taskLimit     int
	taskWait      time.Duration
)

// waitPollInterval is how often submit --wait polls the task.
const waitPollInterval = 500 * time.Millisecond

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskHistoryCmd)

	taskSubmitCmd.Flags().StringVar(&taskOwner, "owner", "", "Owner identity (required)")
	taskSubmitCmd.Flags().StringVar(&taskType, "type", "", "Task type, e.g. math-worker (required)")
	taskSubmitCmd.Flags().StringVar(&taskInput, "input", "{}", "Task input as JSON")
	taskSubmitCmd.Flags().StringVar(&taskInputFile, "input-file", "", "Read task input from a file (- for stdin)")
	taskSubmitCmd.Flags().StringVar(&taskID, "id", "", "Caller-chosen task ID (UUID)")
	taskSubmitCmd.Flags().DurationVar(&taskWait, "wait", 0, "Wait up to this long for the task to finish")
	taskSubmitCmd.MarkFlagRequired("owner")
	taskSubmitCmd.MarkFlagRequired("type")

	taskListCmd.Flags().StringVar(&taskOwner, "owner", "", "Filter by owner")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, queued, running, completed, failed, canceled)")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum number of tasks")
}

func readInput(stdin io.Reader) (json.RawMessage, error) {
	if taskInputFile == "" {
		return json.RawMessage(taskInput), nil
	}
	var (
		data []byte
		err  error
	)
	if taskInputFile == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(taskInputFile)
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return json.RawMessage(data), nil
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	input, err := readInput(cmd.InOrStdin())
	if err != nil {
		return err
	}
	if !json.Valid(input) {
		return fmt.Errorf("input is not valid JSON")
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	c := newClient()
	resp, err := c.SubmitTask(ctx, controlplane.StartRequest{
		TaskID: taskID,
		Owner:  taskOwner,
		Type:   taskType,
		Input:  input,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submitted task: %s (plan %s)\n", resp.TaskID, resp.Plan)
	if resp.Overage {
		fmt.Fprintln(out, "Note: the owner is past the monthly quota; this task is billed as overage")
	}
	if taskWait <= 0 {
		return nil
	}

	task, err := waitForTask(cmd.Context(), c, resp.TaskID, taskWait)
	if err != nil {
		return err
	}
	printTask(out, task)
	return nil
}

// waitForTask polls until the task is terminal or timeout passes.
func waitForTask(ctx context.Context, c *apiclient.Client, id string, timeout time.Duration) (*models.Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("task %s still %s after %s", truncateID(id), task.Status, timeout)
		case <-ticker.C:
		}
	}
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	tasks, err := newClient().ListTasks(ctx, apiclient.TaskQuery{Owner: taskOwner, Status: taskStatus, Limit: taskLimit})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tTYPE\tPLAN\tSTATUS\tCREATED")
	for _, t := range tasks {
		plan := t.Plan
		if t.Overage {
			plan += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(t.ID), t.Owner, t.Type, plan, t.Status, t.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	task, err := newClient().GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	printTask(cmd.OutOrStdout(), task)
	return nil
}

func printTask(out io.Writer, task *models.Task) {
	fmt.Fprintf(out, "ID:        %s\n", task.ID)
	fmt.Fprintf(out, "Owner:     %s\n", task.Owner)
	fmt.Fprintf(out, "Type:      %s\n", task.Type)
	fmt.Fprintf(out, "Plan:      %s\n", task.Plan)
	fmt.Fprintf(out, "Status:    %s\n", task.Status)
	if task.Overage {
		fmt.Fprintln(out, "Overage:   yes")
	}
	fmt.Fprintf(out, "Limits:    cpu %.2f, memory %d MB, timeout %ds\n", task.Limits.CPUShare, task.Limits.MemoryMB, task.Limits.TimeoutSec)
	fmt.Fprintf(out, "Created:   %s\n", task.CreatedAt.Local().Format(time.DateTime))
	if task.StartedAt != nil {
		fmt.Fprintf(out, "Started:   %s\n", task.StartedAt.Local().Format(time.DateTime))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(out, "Completed: %s\n", task.CompletedAt.Local().Format(time.DateTime))
	}
	if task.Usage != nil {
		fmt.Fprintf(out, "Usage:     %.2fs wall, %.2f cpu-seconds, %.0f MB-seconds\n",
			task.Usage.WallSeconds, task.Usage.CPUSeconds, task.Usage.MemoryMBSeconds)
	}
	if len(task.Output) > 0 {
		fmt.Fprintf(out, "Output:    %s\n", strings.TrimSpace(string(task.Output)))
	}
	if task.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", task.Error)
	}
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	resp, err := newClient().CancelTask(ctx, args[0])
	if err != nil {
		return err
	}
	if resp.Status == models.TaskStatusCanceled {
		fmt.Fprintf(cmd.OutOrStdout(), "Canceled task %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s already %s\n", args[0], resp.Status)
	}
	return nil
}

func runTaskHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	entries, err := newClient().TaskHistory(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No decision records found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Action, e.Outcome, truncate(e.Details, 60))
	}
	return w.Flush()
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
