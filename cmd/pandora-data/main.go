package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pandora/internal/config"
	"pandora/internal/datamanager"
	"pandora/internal/feed"
	"pandora/internal/store"
	"pandora/internal/util"
)

// app carries what every subcommand needs once the config is loaded.
type app struct {
	cfg     *config.Config
	loc     *time.Location
	store   store.Store
	manager *datamanager.Manager
}

var (
	cfgPath string
	current app
)

var rootCmd = &cobra.Command{
	Use:           "pandora-data",
	Short:         "Maintain stored ticks and bars",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cfgPath == "" {
			cfgPath = "config/pandora.yaml"
			if p := os.Getenv("PANDORA_CONFIG"); p != "" {
				cfgPath = p
			}
		}
		cfg, err := config.Load(cfgPath)
		if os.IsNotExist(err) {
			cfg = config.Default()
		} else if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

		loc, err := cfg.Location()
		if err != nil {
			return err
		}
		current = app{cfg: cfg, loc: loc}
		return nil
	},
	PersistentPostRunE: func(*cobra.Command, []string) error {
		if current.store != nil {
			return current.store.Close()
		}
		return nil
	},
}

// open opens the configured store and builds the manager on first use.
func (a *app) open() (*datamanager.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	st, err := store.Open(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.store = st
	source := feed.NewHistoryFeed(a.cfg.Alpaca, a.loc)
	a.manager = datamanager.New(st, source, a.loc, a.cfg.Rebuild.Workers)
	return a.manager, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default config/pandora.yaml or $PANDORA_CONFIG)")

	rootCmd.AddCommand(
		downloadTicksCmd(),
		downloadBarsCmd(),
		rebuildCmd(),
		deleteBarsCmd(),
		deleteTicksCmd(),
		importCSVCmd(),
		exportCSVCmd(),
		overviewCmd(),
		recordCmd(),
		recorderStatusCmd(),
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
