// Package cmd defines and implements the CLI commands for the botnet-tracker
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/comments"
	"github.com/JakeFAU/botnet-tracker/internal/config"
	"github.com/JakeFAU/botnet-tracker/internal/orchestrator"
	"github.com/JakeFAU/botnet-tracker/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// GraphBuilder is the part of the crawl pipeline the batch commands drive.
type GraphBuilder interface {
	AddChannel(ctx context.Context, identifier string, prov botnet.Provenance) (orchestrator.CrawlResult, error)
	UpdateAllStoredChannels(ctx context.Context) (botnet.BatchResult, error)
}

// ChartSeeder stores the videos of most-popular charts.
type ChartSeeder interface {
	SeedPopularVideos(ctx context.Context, queries []botnet.PopularQuery) (botnet.BatchResult, error)
}

// AuthorHarvester lists the top-level comment authors of a video.
type AuthorHarvester interface {
	HarvestAuthors(ctx context.Context, videoRef string) (comments.AuthorHarvest, error)
}

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context)
	Logger() *zap.Logger
	Graph() GraphBuilder
	Charts() ChartSeeder
	Authors() AuthorHarvester
}

type builtApp struct {
	*server.App
}

func (a builtApp) Graph() GraphBuilder {
	return a.Orchestrator()
}

func (a builtApp) Charts() ChartSeeder {
	return a.Seeder()
}

func (a builtApp) Authors() AuthorHarvester {
	return a.Scanner()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return builtApp{App: app}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "botnet-tracker",
		Short: "Maps spam-bot networks on YouTube.",
		Long: `botnet-tracker builds a graph of channels, the domains they promote and
the channels they feature, and flags bot accounts from video comment sections.
Run "serve" for the HTTP API, or use the batch commands directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application once per invocation and hand it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the BOTNET_ prefix)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRecrawlCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newPopularCmd())
	cmd.AddCommand(newHarvestAuthorsCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
