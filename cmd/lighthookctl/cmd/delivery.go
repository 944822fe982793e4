package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lighthook/lighthook/internal/deliverylog"
	"github.com/lighthook/lighthook/internal/dispatcher"
	"github.com/lighthook/lighthook/internal/domain"
)

var (
	deliveryLimit int
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and requeue deliveries",
}

var getDeliveryCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Get a delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := st.Deliveries().Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		if outputJSON {
			printOutput(d)
			return nil
		}
		printDelivery(d)
		return nil
	},
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list [event-id]",
	Short: "List the deliveries for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		ds, err := st.Deliveries().ListByEvent(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		if outputJSON {
			printOutput(ds)
			return nil
		}
		for _, d := range ds {
			fmt.Printf("%s  %-10s attempt=%d retries=%d %s\n",
				d.ID, d.Status, d.AttemptNumber, d.RetryCount, d.Request.URL)
		}
		fmt.Printf("%d delivery(ies)\n", len(ds))
		return nil
	},
}

var deliveryLogsCmd = &cobra.Command{
	Use:   "logs [delivery-id]",
	Short: "Show the audit log for a delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := st.DeliveryLogs().ListByDelivery(ctx, args[0], deliveryLimit)
		if err != nil {
			return fmt.Errorf("failed to list delivery logs: %w", err)
		}
		if outputJSON {
			printOutput(entries)
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s [%-5s] %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Message)
		}
		return nil
	},
}

var retryDeliveryCmd = &cobra.Command{
	Use:   "retry [delivery-id]",
	Short: "Force a failed or abandoned delivery back onto the schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		disp := dispatcher.New(st, deliverylog.NewWriter(st.DeliveryLogs()))
		d, err := disp.Retry(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to retry delivery: %w", err)
		}
		fmt.Printf("Delivery %s requeued (status=%s)\n", d.ID, d.Status)
		return nil
	},
}

func printDelivery(d *domain.Delivery) {
	fmt.Printf("Delivery: %s\n", d.ID)
	fmt.Printf("  Status: %s\n", d.Status)
	fmt.Printf("  Subscription: %s\n", d.SubscriptionID)
	fmt.Printf("  Event: %s\n", d.EventID)
	fmt.Printf("  URL: %s\n", d.Request.URL)
	fmt.Printf("  Attempt: %d, Retries: %d\n", d.AttemptNumber, d.RetryCount)
	if d.NextRetryAt != nil {
		fmt.Printf("  Next Retry: %s\n", d.NextRetryAt.Format("2006-01-02 15:04:05"))
	}
	if d.Response != nil {
		fmt.Printf("  Last Response: %d (%dms)\n", d.Response.StatusCode, d.Response.TimeMs)
	}
	if d.Error != nil {
		fmt.Printf("  Last Error: [%s] %s\n", d.Error.Code, d.Error.Message)
	}
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(getDeliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd)
	deliveryCmd.AddCommand(deliveryLogsCmd)
	deliveryCmd.AddCommand(retryDeliveryCmd)

	deliveryLogsCmd.Flags().IntVar(&deliveryLimit, "limit", 100, "maximum log entries to show")
}
