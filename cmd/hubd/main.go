package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatcore/auth"
	"chatcore/bridge"
	"chatcore/broker"
	"chatcore/config"
	"chatcore/history"
	"chatcore/queue"
	"chatcore/room"
	"chatcore/server"
	"chatcore/tasks"
	"chatcore/websocket"
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
		With().Timestamp().Str("proc", "hubd").Logger()
	applyLogLevel(cfg.LogLevel, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		pubsub broker.PubSub
		store  queue.Store
	)
	if cfg.RedisAddr == "" {
		log.Warn().Msg("no redis address configured; using in-process transports (single-node mode)")
		pubsub = broker.NewMemoryPubSub()
		store = queue.NewMemoryStore()
	} else {
		pubsub, err = broker.NewRedisPubSub(cfg.RedisAddr, log.With().Str("component", "pubsub").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect pub/sub")
		}
		store, err = queue.NewRedisStore(cfg.RedisAddr, log.With().Str("component", "queue").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect queue store")
		}
	}

	reg := room.NewRegistry()
	local := room.NewBroadcaster(reg, cfg.Rooms.SendTimeout.Std(), log.With().Str("component", "broadcaster").Logger())
	br := bridge.New(pubsub, reg, local, bridge.Config{
		PendingBuffer: cfg.Bridge.PendingBuffer,
		ReconnectMin:  cfg.Bridge.ReconnectMin.Std(),
		ReconnectMax:  cfg.Bridge.ReconnectMax.Std(),
	}, log.With().Str("component", "bridge").Logger())

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path, log.With().Str("component", "history").Logger())
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.History.Path).Msg("failed to open history store")
		}
		br.SetRecorder(hist)
		log.Info().Str("path", cfg.History.Path).Msg("message history enabled")
	}

	go br.Run(ctx)

	if cfg.RedisAddr == "" {
		// No workerd can attach to a process-local store; run the worker
		// loops here so accepted jobs actually execute.
		w := worker.New(store, worker.Config{
			PopTimeout:     cfg.Jobs.PopTimeout.Std(),
			HandlerTimeout: cfg.Jobs.HandlerTimeout.Std(),
		}, log.With().Str("component", "worker").Logger())
		tasks.Register(w, log)
		loops := cfg.Jobs.Workers
		if loops <= 0 {
			loops = 2
		}
		for i := 0; i < loops; i++ {
			go w.Run(ctx)
		}
		visibility := cfg.Jobs.VisibilityTimeout.Std()
		go w.RunReaper(ctx, visibility/2, visibility)
		log.Info().Int("loops", loops).Msg("in-process worker started")
	}

	go func() {
		if err := config.Watch(ctx, *configPath, log.With().Str("component", "config").Logger(), func(next config.Config) {
			applyLogLevel(next.LogLevel, log)
		}); err != nil {
			log.Warn().Err(err).Msg("config watch unavailable")
		}
	}()

	authSvc := auth.New(cfg.JWTSecret, 24*time.Hour)
	client := queue.NewClient(store, cfg.Jobs.MaxAttempts, log.With().Str("component", "queue").Logger())
	wsHandler := websocket.NewHandler(br, authSvc, cfg.Rooms.MsgRatePerSec, cfg.Rooms.MsgBurst,
		log.With().Str("component", "websocket").Logger())
	jobs := server.NewJobsAPI(client, log.With().Str("component", "jobs").Logger())

	mux := server.NewMux(wsHandler.HandleWebSocket, jobs, authSvc)
	srv := server.New(cfg.ListenAddr, mux, log.With().Str("component", "server").Logger())

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Str("addr", cfg.ListenAddr).Str("origin", br.Origin()).Msg("hub started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutdown signal received")

	cancel()
	closers := []io.Closer{pubsub, store}
	if hist != nil {
		closers = append(closers, hist)
	}
	srv.Shutdown(reg, wsHandler, closers...)
}

func applyLogLevel(levelName string, log zerolog.Logger) {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		log.Warn().Str("level", levelName).Msg("unknown log level; keeping current")
		return
	}
	zerolog.SetGlobalLevel(level)
}
