package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"Sokosumi-Chain/internal/masumi"
)

func newCreatePaymentCmd(a *app) *cobra.Command {
	var (
		purchaserID string
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "create-payment <agent-identifier> [input-json]",
		Short: "Open a payment hold for an agent",
		Long: `Open a payment hold on the configured Masumi network and print the
payment record. With --wait the command then polls until the funds are locked.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
					return fmt.Errorf("input-json must be a JSON object: %w", err)
				}
			}
			client, err := a.paymentClient()
			if err != nil {
				return err
			}
			if purchaserID == "" {
				purchaserID = uuid.NewString()
			}
			record, err := client.CreatePayment(cmd.Context(), masumi.PaymentInput{
				AgentIdentifier:         args[0],
				IdentifierFromPurchaser: purchaserID,
				InputData:               input,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printJSON(out, record); err != nil {
				return err
			}
			if !wait {
				return nil
			}
			opts := a.cfg.WaitOptions()
			opts.OnUpdate = func(state masumi.OnChainState) {
				fmt.Fprintf(out, "Payment state: %s\n", state)
			}
			status, err := client.WaitForPaymentLocked(cmd.Context(), record.BlockchainIdentifier, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Funds locked for %s\n", status.BlockchainIdentifier)
			return nil
		},
	}
	cmd.Flags().StringVar(&purchaserID, "purchaser-id", "", "identifier from purchaser (random when empty)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the funds are locked")
	return cmd
}

func newPaymentStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "payment-status <blockchain-identifier>",
		Short: "Show the on-chain state of a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.paymentClient()
			if err != nil {
				return err
			}
			status, err := client.GetPaymentStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newWaitPaymentCmd(a *app) *cobra.Command {
	var maxWait, interval time.Duration
	cmd := &cobra.Command{
		Use:   "wait-payment <blockchain-identifier>",
		Short: "Poll a payment until its funds are locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.paymentClient()
			if err != nil {
				return err
			}
			opts := a.cfg.WaitOptions()
			if maxWait > 0 {
				opts.MaxWait = maxWait
			}
			if interval > 0 {
				opts.PollInterval = interval
			}
			out := cmd.OutOrStdout()
			opts.OnUpdate = func(state masumi.OnChainState) {
				fmt.Fprintf(out, "Payment state: %s\n", state)
			}

			status, err := client.WaitForPaymentLocked(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Funds locked for %s\n", status.BlockchainIdentifier)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "give up after this long (defaults to the configured budget)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "delay between polls (defaults to the configured interval)")
	return cmd
}

func newSubmitResultCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "submit-result <blockchain-identifier> <result>",
		Short: "Hash a job result and submit it to release the payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.paymentClient()
			if err != nil {
				return err
			}
			hash := masumi.HashResult([]byte(args[1]))
			resp, err := client.SubmitResult(cmd.Context(), args[0], hash)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Result hash: %s\n", hash)
			if len(resp) > 0 {
				return printRaw(out, resp)
			}
			return nil
		},
	}
}
