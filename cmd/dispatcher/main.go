package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sectionwatch/internal/channel"
	"sectionwatch/internal/channel/mail"
	"sectionwatch/internal/channel/telegram"
	"sectionwatch/internal/config"
	"sectionwatch/internal/dispatch"
	"sectionwatch/internal/metrics"
	"sectionwatch/internal/ratelimit"
	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		channelName string
		workerID    string
		batchSize   int
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.StringVar(&channelName, "channel", "", "outbound channel: mail | telegram")
	flag.StringVar(&workerID, "worker-id", "", "override worker id (default hostname-suffix)")
	flag.IntVar(&batchSize, "batch-size", 0, "override claim batch size")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, channelName, workerID, batchSize); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, channelName, workerID string, batchSize int) error {
	manager := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := manager.Load()
	if err != nil {
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
	log = log.With(logx.String("component", "dispatcher"))

	adapter, err := buildAdapter(cfg, channelName, log)
	if err != nil {
		return err
	}

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

	if batchSize > 0 {
		cfg.Dispatch.BatchSize = batchSize
	}
	runner := dispatch.New(st, adapter, dispatch.Config{
		WorkerID:    workerID,
		BatchSize:   cfg.Dispatch.BatchSize,
		LockTTL:     config.MustDuration(cfg.Dispatch.LockTTL, 120*time.Second),
		IdleDelay:   config.MustDuration(cfg.Dispatch.IdleDelay, 2*time.Second),
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Backoff:     backoff(cfg.Dispatch.Backoff),
		BaseURL:     baseURL(cfg),
	}, log)

	return runner.Run(ctx)
}

func buildAdapter(cfg *config.Config, name string, log logx.Logger) (channel.Adapter, error) {
	switch name {
	case "mail":
		if cfg.Mail == nil {
			return nil, fmt.Errorf("mail channel requested but mail config is missing")
		}
		limiter := ratelimit.New(ratelimit.Config{
			PerSecond: rateOr(cfg.Mail.Rate.PerSecond, 10),
			Burst:     cfg.Mail.Rate.Burst,
		})
		return mail.New(mail.Config{
			Endpoint:  cfg.Mail.Endpoint,
			APIKey:    os.Getenv(cfg.Mail.APIKeyEnv),
			FromEmail: cfg.Mail.FromEmail,
			FromName:  cfg.Mail.FromName,
		}, limiter, log), nil
	case "telegram":
		if cfg.Telegram == nil {
			return nil, fmt.Errorf("telegram channel requested but telegram config is missing")
		}
		return telegram.New(telegram.Config{
			Token:           os.Getenv(cfg.Telegram.TokenEnv),
			GlobalPerSecond: cfg.Telegram.GlobalPerSecond,
			PerChatBurst:    cfg.Telegram.PerChatBurst,
			PerChatReset:    config.MustDuration(cfg.Telegram.PerChatReset, 5*time.Second),
		}, log)
	case "":
		return nil, fmt.Errorf("--channel is required (mail | telegram)")
	default:
		return nil, fmt.Errorf("unknown channel %q", name)
	}
}

func backoff(raw []string) []time.Duration {
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		out = append(out, config.MustDuration(s, 0))
	}
	return out
}

func rateOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func baseURL(cfg *config.Config) string {
	if cfg.Mail != nil {
		return cfg.Mail.BaseURL
	}
	return ""
}

func metricsAddr(cfg *config.Config) string {
	if cfg.Metrics.Addr == "" {
		return "127.0.0.1:9091"
	}
	return cfg.Metrics.Addr
}
