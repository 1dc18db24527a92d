package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"pandora/internal/config"
	"pandora/internal/domain"
	"pandora/internal/feed"
	"pandora/internal/monitor"
	"pandora/internal/recorder"
	"pandora/internal/store"
	"pandora/internal/util"
)

const serviceName = "pandora.recorder"

var errSessionClosed = errors.New("trading session closed")

func main() {
	cfgPath := "config/pandora.yaml"
	if p := os.Getenv("PANDORA_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("%v", err)
	}
	sessions, err := cfg.Recorder.ParseSessions()
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Only record inside trading sessions; a supervisor restarts us.
	now := time.Now().In(loc)
	if !sessions.Contains(now) {
		logger.Info("outside trading sessions, exiting",
			"sessions", sessions.String(),
			"nextOpen", sessions.NextOpen(now),
		)
		return
	}

	st, err := store.Open(cfg)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rec, err := recorder.New(st, cfg.Recorder, recorder.NewMetrics(reg))
	if err != nil {
		log.Fatalf("creating recorder: %v", err)
	}
	symbols := rec.Symbols()
	if len(symbols) == 0 {
		log.Fatalf("nothing to record: add contracts with pandora-data record add")
	}

	stream := feed.NewStreamFeed(cfg.Alpaca, loc)
	mon := monitor.New(serviceName, reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.Run(gctx, cfg.Recorder.GRPCAddr, cfg.Recorder.MetricsAddr)
	})
	g.Go(func() error {
		return rec.Run(gctx)
	})
	g.Go(func() error {
		err := stream.Run(gctx, symbols, func(t domain.Tick) { rec.Submit(t) })
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return watchSessions(gctx, sessions, loc, logger)
	})

	mon.SetServing(true)
	logger.Info("recording",
		"symbols", len(symbols),
		"store", cfg.Storage.Driver,
		"sessions", sessions.String(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, errSessionClosed) {
		logger.Error("recorder exited", "error", err)
		os.Exit(1)
	}
	logger.Info("recorder shut down")
}

// watchSessions returns errSessionClosed once the clock leaves every trading
// session.
func watchSessions(ctx context.Context, sessions util.Sessions, loc *time.Location, logger *slog.Logger) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			now := t.In(loc)
			if !sessions.Contains(now) {
				logger.Info("trading session closed", "nextOpen", sessions.NextOpen(now))
				return errSessionClosed
			}
		}
	}
}
