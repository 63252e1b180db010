package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/runbox/internal/controlplane"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/sandbox"
	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Show worker slots and queue depth",
	RunE:  runWorkers,
}

var sandboxesCmd = &cobra.Command{
	Use:   "sandboxes",
	Short: "List platform-managed sandbox containers",
	RunE:  runSandboxes,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show usage records",
	RunE:  runUsage,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect and set owner subscriptions",
}

var planShowCmd = &cobra.Command{
	Use:   "show [owner]",
	Short: "Show an owner's subscription and effective plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanShow,
}

var planSetCmd = &cobra.Command{
	Use:   "set [owner] [plan]",
	Short: "Set an owner's subscription",
	Args:  cobra.ExactArgs(2),
	RunE:  runPlanSet,
}

var (
	usagePeriod string
	usageOwner  string
	planStatus  string
)

func init() {
	usageCmd.Flags().StringVar(&usagePeriod, "period", "", "Billing period YYYY-MM (default: all periods)")
	usageCmd.Flags().StringVar(&usageOwner, "owner", "", "Filter by owner")

	planSetCmd.Flags().StringVar(&planStatus, "status", string(models.SubscriptionActive), "Subscription status (active, past_due, canceled)")
	planCmd.AddCommand(planShowCmd, planSetCmd)
}

func runWorkers(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	st, err := newClient().WorkerStatus(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Slots:   %d busy / %d\n", st.RunningCount, st.Slots)
	fmt.Fprintf(out, "Sandbox: %d live\n", len(st.SandboxTaskIDs))
	fmt.Fprintf(out, "Queue:   ready %d, leased %d, dead %d\n",
		st.QueueDepth[models.JobStateReady], st.QueueDepth[models.JobStateLeased], st.QueueDepth[models.JobStateDead])
	fmt.Fprintf(out, "Tasks:   %d queued, %d running, %d completed, %d failed, %d canceled\n",
		st.Tasks[models.TaskStatusQueued], st.Tasks[models.TaskStatusRunning], st.Tasks[models.TaskStatusCompleted],
		st.Tasks[models.TaskStatusFailed], st.Tasks[models.TaskStatusCanceled])
	if len(st.RunningTaskIDs) > 0 {
		fmt.Fprintln(out, "Running:")
		for _, id := range st.RunningTaskIDs {
			fmt.Fprintf(out, "  %s\n", id)
		}
	}
	return nil
}

func runSandboxes(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	containers, err := newClient().Sandboxes(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(containers) == 0 {
		fmt.Fprintln(out, "No sandboxes running")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER\tNAME\tTASK\tIMAGE\tSTATE\tCREATED")
	for _, c := range containers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(c.ID, 12), c.Name, truncateID(c.Labels[sandbox.LabelTaskID]), c.Image, c.State, c.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	records, err := newClient().Usage(ctx, usagePeriod)
	if err != nil {
		return err
	}
	if usageOwner != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.Owner == usageOwner {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No usage recorded")
		return nil
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Period != records[j].Period {
			return records[i].Period > records[j].Period
		}
		return records[i].Owner < records[j].Owner
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tOWNER\tTASKS\tOVERAGE\tWALL(s)\tCPU(s)\tMEM(MB*s)\tCOST")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f\t%.1f\t%.0f\t%.2f\n",
			r.Period, r.Owner, r.TaskCount, r.OverageTasks, r.WallSeconds, r.CPUSeconds, r.MemoryMBSeconds, r.Cost)
	}
	return w.Flush()
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	view, err := newClient().Plan(ctx, args[0])
	if err != nil {
		return err
	}
	printPlan(cmd, view)
	return nil
}

func printPlan(cmd *cobra.Command, view *controlplane.PlanView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Owner:         %s\n", view.Owner)
	if view.Subscription != nil {
		fmt.Fprintf(out, "Subscription:  %s (%s)\n", view.Subscription.Plan, view.Subscription.Status)
	} else {
		fmt.Fprintln(out, "Subscription:  none")
	}

	p := view.Effective
	quota := fmt.Sprintf("%d/month", p.TasksPerMonth)
	if p.Unlimited() {
		quota = "unlimited"
	}
	var extras []string
	if p.AllowOverage {
		extras = append(extras, fmt.Sprintf("overage %.4f/task", p.OverageRate))
	}
	fmt.Fprintf(out, "Effective:     %s\n", p.Name)
	fmt.Fprintf(out, "  Tasks:       %s %s\n", quota, strings.Join(extras, ", "))
	fmt.Fprintf(out, "  Concurrency: %d\n", p.MaxConcurrent)
	fmt.Fprintf(out, "  Sandbox:     cpu %.2f, memory %d MB, max %ds\n", p.CPUShare, p.MemoryMB, p.MaxDurationSec)
}

func runPlanSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	c := newClient()
	sub, err := c.SetPlan(ctx, args[0], controlplane.SubscriptionRequest{
		Plan:   args[1],
		Status: models.SubscriptionStatus(planStatus),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Owner %s is now on %s (%s)\n", sub.Owner, sub.Plan, sub.Status)
	return nil
}
