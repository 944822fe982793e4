package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/registry"
)

var (
	subFilterJSON        string
	subAlgorithm         string
	subSignatureHeader   string
	subMaxAttempts       int
	subInitialDelaySecs  int
	subBackoffMultiplier float64
	subMaxDelaySecs      int
	subPerMinute         int
	subPerHour           int
	subPerDay            int
	subTimeoutSecs       int
	subHeaders           []string
	subURL               string
	subEventTypes        []string
	subActive            bool
	subHealth            string
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Manage webhook subscriptions",
	Long:  `Create and manage webhook subscriptions that register destination URLs for event types.`,
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create [tenant-id] [url] [event-type...]",
	Short: "Create a new webhook subscription",
	Long: `Create a new webhook subscription for one or more event types.

Example:
  lighthookctl subscription create tn_123 https://example.com/hooks order.created order.updated \
    --filter '{"region": "eu", "amount": {"$gte": 100}}' --max-attempts 5`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		filter, err := parseJSONMap(subFilterJSON)
		if err != nil {
			return err
		}

		in := registry.CreateInput{
			TenantID:        args[0],
			URL:             args[1],
			EventTypes:      args[2:],
			Filter:          filter,
			Algorithm:       domain.SignatureAlgorithm(subAlgorithm),
			SignatureHeader: subSignatureHeader,
			RateLimits:      rateLimitFlags(),
			TimeoutSeconds:  subTimeoutSecs,
			Headers:         headerFlags(),
		}
		if cmd.Flags().Changed("max-attempts") || cmd.Flags().Changed("initial-delay") ||
			cmd.Flags().Changed("backoff-multiplier") || cmd.Flags().Changed("max-delay") {
			retry := domain.DefaultRetryPolicy()
			if cmd.Flags().Changed("max-attempts") {
				retry.MaxAttempts = subMaxAttempts
			}
			if cmd.Flags().Changed("initial-delay") {
				retry.InitialDelaySeconds = subInitialDelaySecs
			}
			if cmd.Flags().Changed("backoff-multiplier") {
				retry.BackoffMultiplier = subBackoffMultiplier
			}
			if cmd.Flags().Changed("max-delay") {
				retry.MaxDelaySeconds = subMaxDelaySecs
			}
			in.Retry = &retry
		}

		sub, err := registry.New(st).Create(ctx, in)
		if err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}

		if outputJSON {
			printOutput(sub)
		} else {
			fmt.Printf("Created subscription: %s\n", sub.ID)
			fmt.Printf("  Tenant ID: %s\n", sub.TenantID)
			fmt.Printf("  URL: %s\n", sub.URL)
			fmt.Printf("  Event Types: %s\n", strings.Join(sub.EventTypes, ", "))
			fmt.Printf("  Secret: %s\n", sub.Secret)
			fmt.Printf("  Created: %s\n", sub.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var updateSubscriptionCmd = &cobra.Command{
	Use:   "update [tenant-id] [subscription-id]",
	Short: "Update a subscription",
	Long: `Update a subscription. Only the flags you pass change; everything else is
left as-is. Deliveries already enqueued keep their frozen request snapshot.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		var in registry.UpdateInput
		if cmd.Flags().Changed("url") {
			in.URL = &subURL
		}
		if cmd.Flags().Changed("event-type") {
			in.EventTypes = subEventTypes
		}
		if cmd.Flags().Changed("filter") {
			filter, err := parseJSONMap(subFilterJSON)
			if err != nil {
				return err
			}
			in.Filter = filter
			in.FilterSet = true
		}
		if cmd.Flags().Changed("algorithm") {
			alg := domain.SignatureAlgorithm(subAlgorithm)
			in.Algorithm = &alg
		}
		if cmd.Flags().Changed("signature-header") {
			in.SignatureHeader = &subSignatureHeader
		}
		if cmd.Flags().Changed("max-attempts") || cmd.Flags().Changed("initial-delay") ||
			cmd.Flags().Changed("backoff-multiplier") || cmd.Flags().Changed("max-delay") {
			retry := domain.DefaultRetryPolicy()
			if cmd.Flags().Changed("max-attempts") {
				retry.MaxAttempts = subMaxAttempts
			}
			if cmd.Flags().Changed("initial-delay") {
				retry.InitialDelaySeconds = subInitialDelaySecs
			}
			if cmd.Flags().Changed("backoff-multiplier") {
				retry.BackoffMultiplier = subBackoffMultiplier
			}
			if cmd.Flags().Changed("max-delay") {
				retry.MaxDelaySeconds = subMaxDelaySecs
			}
			in.Retry = &retry
		}
		if cmd.Flags().Changed("per-minute") || cmd.Flags().Changed("per-hour") || cmd.Flags().Changed("per-day") {
			rl := rateLimitFlags()
			in.RateLimits = &rl
		}
		if cmd.Flags().Changed("timeout-seconds") {
			in.TimeoutSeconds = &subTimeoutSecs
		}
		if cmd.Flags().Changed("header") {
			in.Headers = headerFlags()
			in.HeadersSet = true
		}
		if cmd.Flags().Changed("active") {
			in.Active = &subActive
		}
		if cmd.Flags().Changed("health") {
			h := domain.HealthStatus(subHealth)
			in.Health = &h
		}

		sub, err := registry.New(st).Update(ctx, args[1], args[0], in)
		if err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		if outputJSON {
			printOutput(sub)
			return nil
		}
		fmt.Printf("Updated subscription: %s\n", sub.ID)
		fmt.Printf("  URL: %s\n", sub.URL)
		fmt.Printf("  Event Types: %s\n", strings.Join(sub.EventTypes, ", "))
		fmt.Printf("  Health: %s\n", sub.Health)
		fmt.Printf("  Active: %t\n", sub.Active)
		return nil
	},
}

var getSubscriptionCmd = &cobra.Command{
	Use:   "get [tenant-id] [subscription-id]",
	Short: "Get a subscription",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		sub, err := registry.New(st).Get(ctx, args[1], args[0])
		if err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}

		if outputJSON {
			printOutput(sub)
		} else {
			fmt.Printf("Subscription: %s\n", sub.ID)
			fmt.Printf("  URL: %s\n", sub.URL)
			fmt.Printf("  Event Types: %s\n", strings.Join(sub.EventTypes, ", "))
			fmt.Printf("  Health: %s\n", sub.Health)
			fmt.Printf("  Active: %t\n", sub.Active)
			fmt.Printf("  Sent/Failed: %d/%d\n", sub.TotalSent, sub.TotalFailed)
		}
		return nil
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list [tenant-id]",
	Short: "List a tenant's subscriptions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		subs, err := registry.New(st).List(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}

		if outputJSON {
			printOutput(subs)
			return nil
		}
		for _, sub := range subs {
			fmt.Printf("%s  %-10s %-8t %s\n", sub.ID, sub.Health, sub.Active, sub.URL)
		}
		fmt.Printf("%d subscription(s)\n", len(subs))
		return nil
	},
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:   "delete [tenant-id] [subscription-id]",
	Short: "Soft-delete a subscription",
	Long:  `Soft-delete a subscription. Its delivery history is preserved but it stops matching events.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := registry.New(st).Delete(ctx, args[1], args[0]); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Printf("Deleted subscription: %s\n", args[1])
		return nil
	},
}

var rotateSecretCmd = &cobra.Command{
	Use:   "rotate-secret [tenant-id] [subscription-id]",
	Short: "Regenerate a subscription's signing secret",
	Long: `Regenerate a subscription's signing secret. Deliveries already enqueued
keep the signature computed with the old secret.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		secret, err := registry.New(st).RegenerateSecret(ctx, args[1], args[0])
		if err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}
		if outputJSON {
			printOutput(map[string]string{"subscription_id": args[1], "secret": secret})
		} else {
			fmt.Printf("New secret: %s\n", secret)
		}
		return nil
	},
}

var testSubscriptionCmd = &cobra.Command{
	Use:   "test [tenant-id] [subscription-id]",
	Short: "Send a signed test probe to a subscription's endpoint",
	Long:  `Send one signed test probe to the subscription's endpoint. No delivery is recorded.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, st, cleanup, err := connect()
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := registry.New(st).Test(ctx, args[1], args[0])
		if err != nil {
			return fmt.Errorf("failed to test subscription: %w", err)
		}
		if outputJSON {
			printOutput(result)
			return nil
		}
		if result.Success {
			fmt.Printf("OK: status %d in %dms\n", result.StatusCode, result.ResponseTimeMs)
		} else {
			fmt.Printf("FAILED: %s (%dms)\n", result.Error, result.ResponseTimeMs)
		}
		return nil
	},
}

func rateLimitFlags() domain.RateLimits {
	var rl domain.RateLimits
	if subPerMinute > 0 {
		rl.PerMinute = &subPerMinute
	}
	if subPerHour > 0 {
		rl.PerHour = &subPerHour
	}
	if subPerDay > 0 {
		rl.PerDay = &subPerDay
	}
	return rl
}

func headerFlags() map[string]string {
	if len(subHeaders) == 0 {
		return nil
	}
	headers := make(map[string]string, len(subHeaders))
	for _, h := range subHeaders {
		if k, v, ok := strings.Cut(h, "="); ok {
			headers[k] = v
		}
	}
	return headers
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd)
	subscriptionCmd.AddCommand(updateSubscriptionCmd)
	subscriptionCmd.AddCommand(getSubscriptionCmd)
	subscriptionCmd.AddCommand(listSubscriptionsCmd)
	subscriptionCmd.AddCommand(deleteSubscriptionCmd)
	subscriptionCmd.AddCommand(rotateSecretCmd)
	subscriptionCmd.AddCommand(testSubscriptionCmd)

	createSubscriptionCmd.Flags().StringVar(&subFilterJSON, "filter", "", "JSON filter predicate matched against event data")
	createSubscriptionCmd.Flags().StringVar(&subAlgorithm, "algorithm", "", "signature algorithm (sha256 or sha512)")
	createSubscriptionCmd.Flags().StringVar(&subSignatureHeader, "signature-header", "", "custom signature header name")
	createSubscriptionCmd.Flags().IntVar(&subMaxAttempts, "max-attempts", 5, "maximum delivery attempts")
	createSubscriptionCmd.Flags().IntVar(&subInitialDelaySecs, "initial-delay", 60, "initial retry delay in seconds")
	createSubscriptionCmd.Flags().Float64Var(&subBackoffMultiplier, "backoff-multiplier", 2.0, "retry backoff multiplier")
	createSubscriptionCmd.Flags().IntVar(&subMaxDelaySecs, "max-delay", 3600, "maximum retry delay in seconds")
	createSubscriptionCmd.Flags().IntVar(&subPerMinute, "per-minute", 0, "max deliveries per trailing minute (0 = unlimited)")
	createSubscriptionCmd.Flags().IntVar(&subPerHour, "per-hour", 0, "max deliveries per trailing hour (0 = unlimited)")
	createSubscriptionCmd.Flags().IntVar(&subPerDay, "per-day", 0, "max deliveries per trailing day (0 = unlimited)")
	createSubscriptionCmd.Flags().IntVar(&subTimeoutSecs, "timeout-seconds", 0, "per-request endpoint timeout in seconds (0 = default 15s)")
	createSubscriptionCmd.Flags().StringArrayVar(&subHeaders, "header", nil, "custom header key=value (repeatable)")

	updateSubscriptionCmd.Flags().StringVar(&subURL, "url", "", "destination URL")
	updateSubscriptionCmd.Flags().StringArrayVar(&subEventTypes, "event-type", nil, "subscribed event type (repeatable, replaces the set)")
	updateSubscriptionCmd.Flags().StringVar(&subFilterJSON, "filter", "", "JSON filter predicate (empty string clears the filter)")
	updateSubscriptionCmd.Flags().StringVar(&subAlgorithm, "algorithm", "", "signature algorithm (sha256 or sha512)")
	updateSubscriptionCmd.Flags().StringVar(&subSignatureHeader, "signature-header", "", "custom signature header name")
	updateSubscriptionCmd.Flags().IntVar(&subMaxAttempts, "max-attempts", 5, "maximum delivery attempts")
	updateSubscriptionCmd.Flags().IntVar(&subInitialDelaySecs, "initial-delay", 60, "initial retry delay in seconds")
	updateSubscriptionCmd.Flags().Float64Var(&subBackoffMultiplier, "backoff-multiplier", 2.0, "retry backoff multiplier")
	updateSubscriptionCmd.Flags().IntVar(&subMaxDelaySecs, "max-delay", 3600, "maximum retry delay in seconds")
	updateSubscriptionCmd.Flags().IntVar(&subPerMinute, "per-minute", 0, "max deliveries per trailing minute (0 = unlimited)")
	updateSubscriptionCmd.Flags().IntVar(&subPerHour, "per-hour", 0, "max deliveries per trailing hour (0 = unlimited)")
	updateSubscriptionCmd.Flags().IntVar(&subPerDay, "per-day", 0, "max deliveries per trailing day (0 = unlimited)")
	updateSubscriptionCmd.Flags().IntVar(&subTimeoutSecs, "timeout-seconds", 0, "per-request endpoint timeout in seconds")
	updateSubscriptionCmd.Flags().StringArrayVar(&subHeaders, "header", nil, "custom header key=value (repeatable, replaces the set)")
	updateSubscriptionCmd.Flags().BoolVar(&subActive, "active", true, "pause or resume the subscription")
	updateSubscriptionCmd.Flags().StringVar(&subHealth, "health", "", "set health state (healthy, degraded, failing, suspended)")
}
