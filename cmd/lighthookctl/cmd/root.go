package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lighthook/lighthook/internal/config"
	"github.com/lighthook/lighthook/internal/db"
	"github.com/lighthook/lighthook/internal/store/postgres"
)

var (
	cfgFile    string
	dbDSN      string
	timeout    time.Duration
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lighthookctl",
	Short: "Lighthook CLI - Operate the Lighthook webhook delivery service",
	Long: `Lighthook CLI (lighthookctl) is a command line tool for operating the
Lighthook webhook delivery service.

You can use it to manage subscriptions and event types, publish events,
inspect deliveries and their audit logs, and requeue failed deliveries.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lighthookctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "dsn", "", "postgres DSN (defaults to DB_* environment variables)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	// Bind flags to viper
	viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".lighthookctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	if !rootCmd.PersistentFlags().Changed("dsn") {
		if s := viper.GetString("dsn"); s != "" {
			dbDSN = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

func dsn() string {
	if dbDSN != "" {
		return dbDSN
	}
	return config.FromEnv().DSN()
}

// connect opens the store backend used by all subcommands.
func connect() (context.Context, *postgres.DB, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	pool, err := db.Connect(ctx, dsn())
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	st := postgres.New(pool)
	cleanup := func() {
		pool.Close()
		cancel()
	}
	return ctx, st, cleanup, nil
}

// printOutput prints the response in the requested format
func printOutput(v interface{}) {
	if outputJSON {
		jsonData, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		fmt.Println(string(jsonData))
	} else {
		fmt.Printf("%+v\n", v)
	}
}

// parseJSONMap parses a JSON object string into a map
func parseJSONMap(jsonStr string) (map[string]any, error) {
	if jsonStr == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return data, nil
}
