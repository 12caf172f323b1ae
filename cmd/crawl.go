// Package cmd defines and implements the CLI commands for the
// listing-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	crawlCities []string
	crawlMode   string
	crawlRepeat bool
)

// newCrawlCmd creates the 'crawl' subcommand. It performs one
// synchronous crawl per city, or keeps repeating on the configured
// interval when --repeat is set.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the configured cities and exits",
		Long: `Runs one crawl per city, in order, and exits when every run has
finalized. Cities and the run mode default to the configuration file
and can be overridden with flags. With --repeat the cycle restarts on
crawler.repeat_interval_seconds until interrupted.`,

		RunE: runCrawlCommand,
	}
	cmd.Flags().StringSliceVar(&crawlCities, "city", nil, "cities to crawl (defaults to crawler.cities from config)")
	cmd.Flags().StringVar(&crawlMode, "mode", "", "run mode (defaults to crawler.default_mode from config)")
	cmd.Flags().BoolVar(&crawlRepeat, "repeat", false, "keep crawling on the configured interval")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	cities := crawlCities
	if len(cities) == 0 {
		cities = appInstance.Config().Crawler.Cities
	}
	if len(cities) == 0 {
		return fmt.Errorf("no cities to crawl: set crawler.cities or pass --city")
	}

	interval := appInstance.Config().RepeatInterval()
	if crawlRepeat && interval <= 0 {
		return fmt.Errorf("--repeat requires crawler.repeat_interval_seconds > 0")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		if err := appInstance.CrawlOnce(ctx, cities, crawlMode); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("crawl: %w", err)
		}
		if !crawlRepeat {
			break
		}

		// Jitter up to 10% so repeated deployments don't hit the
		// source in lockstep.
		sleep := interval + time.Duration(rand.Int63n(int64(interval/10)+1))
		appInstance.Logger().Info("crawl cycle finished", zap.Duration("next_in", sleep))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}

	appInstance.Logger().Info("crawl command finished")
	return nil
}
