package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/config"
	"github.com/JakeFAU/pricescan/internal/pipeline"
	"github.com/JakeFAU/pricescan/internal/runner"
	"github.com/JakeFAU/pricescan/internal/scan"
	"github.com/JakeFAU/pricescan/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the composition root. Tests inject
// a fake through newApp.
type App interface {
	Scan(ctx context.Context, spec scan.JobSpec) (*runner.Result, error)
	Extract(ctx context.Context, target scan.Target) (*pipeline.Batch, error)
	Run(ctx context.Context) error
	ServeMCP() error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// options holds flag values shared by every subcommand.
type options struct {
	cfgFile string
	noEmail bool
	cfg     config.Config
}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"workbook":    "input.workbook_path",
	"sheet":       "input.sheet_id",
	"limit":       "input.limit",
	"concurrency": "fetch.concurrency",
	"mode":        "app.mode",
	"llm":         "llm.enabled",
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "pricescan",
		Short: "Scan retailer product pages for price and stock.",
		Long: `pricescan fetches retailer product pages through the ScrapingBee proxy,
extracts price and stock with a chain of strategies, and writes the results
back to the product map workbook or Google Sheet.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("workbook", "", "product map workbook (.xlsx)")
	flags.String("sheet", "", "master Google Sheet id")
	flags.Int("limit", 0, "scan only the first N rows (implies test mode)")
	flags.Int("concurrency", 0, "maximum in-flight proxy requests")
	flags.String("mode", "", "run mode: debug, test or prod")
	flags.Bool("llm", false, "enable the language-model fallback")
	flags.BoolVar(&opts.noEmail, "no-email", false, "skip emailing the scanned workbook")

	cmd.AddCommand(
		newScanCmd(opts),
		newServeCmd(opts),
		newMCPCmd(),
		newExtractCmd(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	binds := make([]config.Option, 0, len(flagKeys))
	for name, key := range flagKeys {
		binds = append(binds, config.BindFlag(key, cmd.Flags().Lookup(name)))
	}
	cfg, err := config.Load(opts.cfgFile, binds...)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if opts.noEmail {
		cfg.Email.Enabled = false
	}
	return cfg, nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "pricescan:", err)
		os.Exit(1)
	}
}
