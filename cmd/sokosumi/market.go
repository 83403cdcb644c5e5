package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"Sokosumi-Chain/internal/sokosumi"
)

const descriptionWidth = 100

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents available on the marketplace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := a.marketClient()
			if err != nil {
				return err
			}
			agents, err := market.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "No agents available")
				return nil
			}
			fmt.Fprintf(out, "Available agents (%d):\n", len(agents))
			for _, agent := range agents {
				line := fmt.Sprintf("  %s  %s", agent.ID, agent.Name)
				if price := agent.Pricing.Summary(); price != "" {
					line += " (" + price + ")"
				}
				fmt.Fprintln(out, line)
				if agent.Description != "" {
					fmt.Fprintf(out, "      %s\n", truncate(agent.Description, descriptionWidth))
				}
			}
			return nil
		},
	}
}

func newAgentCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agent <agent-id>",
		Short: "Show an agent and its input schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := a.marketClient()
			if err != nil {
				return err
			}
			raw, err := market.GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRaw(cmd.OutOrStdout(), raw)
		},
	}
}

func newOrgsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "orgs",
		Short: "List organizations visible to the API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := a.marketClient()
			if err != nil {
				return err
			}
			orgs, err := market.ListOrganizations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(orgs) == 0 {
				fmt.Fprintln(out, "No organizations")
				return nil
			}
			for _, org := range orgs {
				if org.Slug != "" {
					fmt.Fprintf(out, "  %s  %s (%s)\n", org.ID, org.Name, org.Slug)
				} else {
					fmt.Fprintf(out, "  %s  %s\n", org.ID, org.Name)
				}
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the marketplace status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := a.marketClient()
			if err != nil {
				return err
			}
			job, err := market.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:    %s\n", job.Identifier())
			fmt.Fprintf(out, "Status: %s\n", job.Status)
			if job.MasumiJobID != "" {
				fmt.Fprintf(out, "Masumi: %s\n", job.MasumiJobID)
			}
			return nil
		},
	}
}

func newResultCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Print the result of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := a.marketClient()
			if err != nil {
				return err
			}
			job, err := market.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if job.Status != sokosumi.JobStatusCompleted {
				fmt.Fprintf(out, "Job not completed yet. Status: %s\n", job.Status)
				return nil
			}
			payload := job.Payload()
			if payload == nil {
				fmt.Fprintln(out, "Job completed without a result")
				return nil
			}
			return printRaw(out, payload)
		},
	}
}

func printRaw(w io.Writer, raw json.RawMessage) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		_, err = fmt.Fprintln(w, text)
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
