package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lighthook/lighthook/internal/domain"
)

var (
	eventTypeDescription string
	eventTypeDisabled    bool
)

// eventTypeCmd represents the event-type command
var eventTypeCmd = &cobra.Command{
	Use:   "event-type",
	Short: "Manage the event type registry",
}

var registerEventTypeCmd = &cobra.Command{
	Use:   "register [name]",
	Short: "Register an event type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		et := &domain.EventTypeInfo{
			Name:        args[0],
			Description: eventTypeDescription,
			Enabled:     !eventTypeDisabled,
		}
		if err := st.EventTypes().Upsert(ctx, et); err != nil {
			return fmt.Errorf("failed to register event type: %w", err)
		}
		fmt.Printf("Registered event type: %s (enabled=%t)\n", et.Name, et.Enabled)
		return nil
	},
}

var listEventTypesCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered event types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		types, err := st.EventTypes().List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list event types: %w", err)
		}
		if outputJSON {
			printOutput(types)
			return nil
		}
		for _, et := range types {
			state := "enabled"
			if !et.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-40s %-8s published=%d\n", et.Name, state, et.PublishCount)
		}
		return nil
	},
}

func setEventTypeEnabled(name string, enabled bool) error {
	ctx, st, cleanup, err := connect()
	if err != nil {
		return err
	}
	defer cleanup()

	et, err := st.EventTypes().Get(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get event type: %w", err)
	}
	et.Enabled = enabled
	if err := st.EventTypes().Upsert(ctx, et); err != nil {
		return fmt.Errorf("failed to update event type: %w", err)
	}
	fmt.Printf("Event type %s is now enabled=%t\n", name, enabled)
	return nil
}

var enableEventTypeCmd = &cobra.Command{
	Use:   "enable [name]",
	Short: "Enable an event type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEventTypeEnabled(args[0], true)
	},
}

var disableEventTypeCmd = &cobra.Command{
	Use:   "disable [name]",
	Short: "Disable an event type (future publishes are dropped silently)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEventTypeEnabled(args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(eventTypeCmd)
	eventTypeCmd.AddCommand(registerEventTypeCmd)
	eventTypeCmd.AddCommand(listEventTypesCmd)
	eventTypeCmd.AddCommand(enableEventTypeCmd)
	eventTypeCmd.AddCommand(disableEventTypeCmd)

	registerEventTypeCmd.Flags().StringVar(&eventTypeDescription, "description", "", "event type description")
	registerEventTypeCmd.Flags().BoolVar(&eventTypeDisabled, "disabled", false, "register in disabled state")
}
