package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/adapter"
	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/connector"
	"github.com/datalinkhq/datalink/pkg/logger"
	"github.com/datalinkhq/datalink/pkg/observability"
	"github.com/datalinkhq/datalink/pkg/security"
)

var version = "0.1.0"

func main() {
	v := viper.New()
	v.SetEnvPrefix("DATALINK")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "datalink",
		Short: "Datalink - unified data-source query gateway",
		Long: `Datalink connects heterogeneous data sources (in-memory collections,
SQL databases, HTTP APIs) behind one query interface with built-in
security validation, rate limiting, and connection pooling.`,
	}

	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("trace", false, "Emit trace spans to stdout")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("trace", root.PersistentFlags().Lookup("trace"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Datalink v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List available data source types",
		Run: func(cmd *cobra.Command, args []string) {
			registry := connector.NewDefaultRegistry(nil, nil)
			fmt.Println("Available data source types:")
			for _, t := range registry.Types() {
				fmt.Printf("  - %s\n", t)
			}
		},
	})

	var testConfigFile string
	testCmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Verify a data source configuration end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := buildConnector(v, testConfigFile)
			if err != nil {
				return err
			}
			defer cleanup()

			result := c.TestConnection(cmd.Context())
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			if !result.Success {
				return fmt.Errorf("connection test failed: %s", result.Error)
			}
			return nil
		},
	}
	testCmd.Flags().StringVarP(&testConfigFile, "config", "c", "", "Path to data source YAML configuration (required)")
	_ = testCmd.MarkFlagRequired("config")
	root.AddCommand(testCmd)

	var queryConfigFile string
	var limit, offset int
	var timeout time.Duration
	queryCmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Execute a query against a configured data source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := buildConnector(v, queryConfigFile)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			defer func() { _ = c.Disconnect(context.Background()) }()

			results, err := c.ExecuteQuery(ctx, args[0], adapter.QueryOptions{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(out))
			fmt.Fprintf(os.Stderr, "%d result(s)\n", len(results))
			return nil
		},
	}
	queryCmd.Flags().StringVarP(&queryConfigFile, "config", "c", "", "Path to data source YAML configuration (required)")
	queryCmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")
	queryCmd.Flags().IntVar(&offset, "offset", 0, "Result offset for pagination")
	queryCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Query timeout")
	_ = queryCmd.MarkFlagRequired("config")
	root.AddCommand(queryCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildConnector loads the configuration and assembles a connector with
// logging and tracing initialized. The returned cleanup flushes both.
func buildConnector(v *viper.Viper, configFile string) (*connector.Connector, func(), error) {
	if err := logger.Init(logger.Config{Level: v.GetString("log_level")}); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Get()

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Enabled: v.GetBool("trace"),
		Pretty:  true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	var cfg config.DataSourceConfig
	if err := config.Load(configFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	validator := security.NewValidator(security.Policy{})
	registry := connector.NewDefaultRegistry(validator, nil)

	c, err := connector.New(&cfg, registry, log, connector.WithValidator(validator))
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return c, cleanup, nil
}
