package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sectionwatch/internal/checkpoint"
	"sectionwatch/internal/config"
	"sectionwatch/internal/feed"
	"sectionwatch/internal/metrics"
	"sectionwatch/internal/poller"
	"sectionwatch/internal/reconcile"
	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

// flagOverlay holds the command line overrides applied on top of the
// config file, at startup and again after each hot reload.
type flagOverlay struct {
	mode          string
	terms         string
	campuses      string
	interval      string
	concurrency   int
	missThreshold int
	checkpoint    string
}

func (o flagOverlay) apply(cfg *config.Config) error {
	if o.mode != "" {
		cfg.Poller.Mode = o.mode
	}
	if o.terms != "" {
		cfg.Poller.Terms = splitCSV(o.terms)
	}
	if o.campuses != "" {
		cfg.Poller.Campuses = splitCSV(o.campuses)
	}
	if o.interval != "" {
		cfg.Poller.Interval = o.interval
	}
	if o.concurrency > 0 {
		cfg.Poller.Concurrency = o.concurrency
	}
	if o.missThreshold > 0 {
		cfg.Poller.MissThreshold = o.missThreshold
	}
	if o.checkpoint != "" {
		cfg.Poller.CheckpointFile = o.checkpoint
	}
	return cfg.Validate()
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	var (
		cfgPath string
		overlay flagOverlay
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.StringVar(&overlay.mode, "mode", "", "override poller mode (auto | explicit)")
	flag.StringVar(&overlay.terms, "terms", "", "override term list, comma separated")
	flag.StringVar(&overlay.campuses, "campuses", "", "override campus list, comma separated")
	flag.StringVar(&overlay.interval, "interval", "", "override poll interval")
	flag.IntVar(&overlay.concurrency, "concurrency", 0, "override max concurrent polls")
	flag.IntVar(&overlay.missThreshold, "miss-threshold", 0, "override close hysteresis threshold")
	flag.StringVar(&overlay.checkpoint, "checkpoint", "", "override checkpoint file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, overlay); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, overlay flagOverlay) error {
	manager := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := manager.Load()
	if err != nil {
		return err
	}
	if err := overlay.apply(cfg); err != nil {
		return err
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return err
	}
	defer log.Close()
	log = log.With(logx.String("component", "poller"))

	metrics.Register()
	go metrics.Serve(ctx, metricsAddr(cfg), log)

	st, err := store.Open(store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: config.MustDuration(cfg.Database.BusyTimeout, 5*time.Second),
	}, log)
	if err != nil {
		return err
	}
	defer st.Close()

	fc, err := feed.NewClient(feed.Config{
		BaseURL: cfg.Feed.BaseURL,
		Timeout: config.MustDuration(cfg.Feed.Timeout, 12*time.Second),
	})
	if err != nil {
		return err
	}

	rec := reconcile.New(st, reconcile.Config{
		MissThreshold:    cfg.Poller.MissThreshold,
		ReminderInterval: config.MustDuration(cfg.Poller.OpenReminderInterval, 3*time.Minute),
		PageSize:         cfg.Poller.PageSize,
	}, log)

	cps := checkpoint.Load(cfg.Poller.CheckpointFile, log)

	p := poller.New(st, fc, rec, cps, cfg, log)
	manager.OnChange(func(next *config.Config) {
		if err := overlay.apply(next); err != nil {
			log.Warn("reloaded config rejected by flag overlay", logx.Err(err))
			return
		}
		p.Apply(next)
	})
	go func() {
		if err := manager.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	log.Info("poller starting", logx.String("mode", mode(cfg)))
	return p.Run(ctx)
}

func mode(cfg *config.Config) string {
	if cfg.Poller.Mode == "" {
		return config.ModeAuto
	}
	return cfg.Poller.Mode
}

func metricsAddr(cfg *config.Config) string {
	if cfg.Metrics.Addr == "" {
		return "127.0.0.1:9090"
	}
	return cfg.Metrics.Addr
}
