package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/config"
	"github.com/tfaulkner/listing-crawler/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface that commands use. Keeping it an
// interface lets tests inject a mock app through newApp.
type App interface {
	Run(ctx context.Context) error
	CrawlOnce(ctx context.Context, cities []string, modeName string) error
	Config() *config.Config
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// newApp is the application factory. It is a variable so tests can
// replace it with a mock factory.
var newApp = func(ctx context.Context) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listing-crawler",
		Short: "An incremental crawler for real-estate listing feeds.",
		Long: `listing-crawler walks paginated listing feeds city by city and decides,
page by page, whether anything new remains. Posting dates parsed from
free-text phrases drive per-page staleness verdicts, and a stopping
policy ends each run as soon as the feed turns stale.`,

		// Runs after flag parsing and before the subcommand's RunE, so
		// every subcommand finds a fully built application in its context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(cmd.Context()); err != nil {
					appInstance.Logger().Warn("application close failed", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./configs and /etc/listing-crawler)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() error {
	return newRootCmd().Execute()
}
