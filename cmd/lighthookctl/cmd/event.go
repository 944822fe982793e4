package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lighthook/lighthook/internal/deliverylog"
	"github.com/lighthook/lighthook/internal/publisher"
)

var (
	eventMetadataJSON string
	eventVersion      string
	eventSourceType   string
	eventSourceID     string
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish and inspect events",
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [tenant-id] [event-type] [data-json]",
	Short: "Publish an event",
	Long: `Publish an event and fan it out to every matching subscription.

Example:
  lighthookctl event publish tn_123 order.created '{"order_id": "ord_1", "amount": 250}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		data, err := parseJSONMap(args[2])
		if err != nil {
			return err
		}
		if data == nil {
			data = map[string]any{}
		}
		metadata, err := parseJSONMap(eventMetadataJSON)
		if err != nil {
			return err
		}

		pub := publisher.New(st, deliverylog.NewWriter(st.DeliveryLogs()))
		ev, err := pub.Publish(ctx, publisher.PublishInput{
			TenantID:         args[0],
			EventType:        args[1],
			Version:          eventVersion,
			Data:             data,
			Metadata:         metadata,
			SourceEntityType: eventSourceType,
			SourceEntityID:   eventSourceID,
		})
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if ev == nil {
			fmt.Println("Event type is disabled, event dropped")
			return nil
		}

		if outputJSON {
			printOutput(ev)
		} else {
			fmt.Printf("Published event: %s\n", ev.ID)
			fmt.Printf("  Event Type: %s\n", ev.EventType)
			fmt.Printf("  Matched: %d\n", ev.SubscriptionsMatched)
			fmt.Printf("  Deliveries: %d\n", ev.DeliveriesPending)
		}
		return nil
	},
}

var getEventCmd = &cobra.Command{
	Use:   "get [tenant-id] [event-id]",
	Short: "Get an event with its delivery aggregates",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		ev, err := st.Events().Get(ctx, args[1], args[0])
		if err != nil {
			return fmt.Errorf("failed to get event: %w", err)
		}

		if outputJSON {
			printOutput(ev)
		} else {
			fmt.Printf("Event: %s\n", ev.ID)
			fmt.Printf("  Event Type: %s\n", ev.EventType)
			fmt.Printf("  Timestamp: %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Printf("  Matched: %d\n", ev.SubscriptionsMatched)
			fmt.Printf("  Pending/Succeeded/Failed: %d/%d/%d\n",
				ev.DeliveriesPending, ev.DeliveriesSucceeded, ev.DeliveriesFailed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishEventCmd)
	eventCmd.AddCommand(getEventCmd)

	publishEventCmd.Flags().StringVar(&eventMetadataJSON, "metadata", "", "JSON metadata object carried on the envelope")
	publishEventCmd.Flags().StringVar(&eventVersion, "version", "", "event schema version (default 1.0)")
	publishEventCmd.Flags().StringVar(&eventSourceType, "source-type", "", "source entity type")
	publishEventCmd.Flags().StringVar(&eventSourceID, "source-id", "", "source entity id")
}
