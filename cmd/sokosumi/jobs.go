package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"Sokosumi-Chain/internal/hire"
	"Sokosumi-Chain/internal/tracking"
)

func newHireCmd(a *app) *cobra.Command {
	var sharePublic, shareOrg bool
	cmd := &cobra.Command{
		Use:     "hire <agent-id> <input-json> <max-credits> [name]",
		Aliases: []string{"hire-auto"},
		Short:   "Hire an agent and wait for its payment to lock",
		Args:    cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input map[string]any
			if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
				return fmt.Errorf("input must be a JSON object: %w", err)
			}
			credits, err := decimal.NewFromString(args[2])
			if err != nil {
				return fmt.Errorf("invalid max credits %q: %w", args[2], err)
			}
			req := hire.HireRequest{
				AgentID:            args[0],
				InputData:          input,
				MaxAcceptedCredits: credits,
				SharePublic:        sharePublic,
				ShareOrganization:  shareOrg,
			}
			if len(args) == 4 {
				req.JobName = args[3]
			}

			svc, err := a.service()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			result, err := svc.Hire(cmd.Context(), req)
			if result != nil && result.Job != nil {
				fmt.Fprintf(out, "Job:     %s\n", result.Job.ID)
				fmt.Fprintf(out, "Status:  %s\n", result.Job.Status)
				if result.Job.MasumiJobID != "" {
					fmt.Fprintf(out, "Masumi:  %s\n", result.Job.MasumiJobID)
				}
				if result.Payment != nil {
					fmt.Fprintf(out, "Payment: %s\n", result.Payment.OnChainState)
				}
				if result.Message != "" && err == nil {
					fmt.Fprintln(out, result.Message)
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&sharePublic, "share-public", false, "share the job publicly")
	cmd.Flags().BoolVar(&shareOrg, "share-org", false, "share the job with the organization")
	return cmd
}

func newMonitorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Check every active job once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			report, err := svc.Monitor(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if report.Checked == 0 {
				fmt.Fprintln(out, "No active jobs")
				return nil
			}
			for _, job := range report.Jobs {
				line := fmt.Sprintf("  %s  %s (check %d/%d)", job.ID, job.Status, job.CheckCount, job.MaxChecks)
				if msg, ok := report.Errors[job.ID]; ok {
					line += "  error: " + msg
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "Summary: %d completed, %d failed or timed out, %d still active.\n",
				report.Completed, report.Failed, report.Active)
			return nil
		},
	}
}

func newStatusAllCmd(a *app) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status-all",
		Short: "List tracked jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			jobs, err := svc.List(cmd.Context(), tracking.WithLimit(limit))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if jobs == nil {
					jobs = []*tracking.Job{}
				}
				return printJSON(out, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No tracked jobs")
				return nil
			}
			return writeJobTable(out, jobs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print jobs as JSON")
	return cmd
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Mark every active job as timed out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			n, err := svc.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up %d active job(s)\n", n)
			return nil
		},
	}
}

func writeJobTable(w io.Writer, jobs []*tracking.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tSTATUS\tPAYMENT\tCHECKS\tHIRED")
	for _, job := range jobs {
		agent := job.AgentName
		if agent == "" {
			agent = job.AgentID
		}
		payment := job.PaymentState
		if payment == "" {
			payment = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			job.ID, agent, job.Status, payment, job.CheckCount, job.MaxChecks,
			time.Unix(job.HiredAt, 0).UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
