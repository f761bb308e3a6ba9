package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatcore/config"
	"chatcore/queue"
	"chatcore/tasks"
	"chatcore/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("proc", "workerd").Logger()
	if level, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		zerolog.SetGlobalLevel(level)
	}

	if cfg.RedisAddr == "" {
		log.Fatal().Msg("workerd needs a shared queue; configure redis_addr")
	}

	store, err := queue.NewRedisStore(cfg.RedisAddr, log.With().Str("component", "queue").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect queue store")
	}

	w := worker.New(store, worker.Config{
		PopTimeout:     cfg.Jobs.PopTimeout.Std(),
		HandlerTimeout: cfg.Jobs.HandlerTimeout.Std(),
	}, log.With().Str("component", "worker").Logger())
	tasks.Register(w, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loops := cfg.Jobs.Workers
	if loops <= 0 {
		loops = 2
	}
	var wg sync.WaitGroup
	wg.Add(loops)
	for i := 0; i < loops; i++ {
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	visibility := cfg.Jobs.VisibilityTimeout.Std()
	go w.RunReaper(ctx, visibility/2, visibility)
	log.Info().Int("loops", loops).Msg("worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutdown signal received")

	cancel()
	wg.Wait()

	stats := w.Stats()
	log.Info().Uint64("processed", stats.Processed).Uint64("retried", stats.Retried).
		Uint64("failed", stats.Failed).Msg("worker stopped")

	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close error")
	}
}
