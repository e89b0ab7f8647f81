package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"trivion/internal/config"
	"trivion/internal/coordinator"
	"trivion/internal/game"
	"trivion/internal/heartbeat"
	"trivion/internal/logging"
	"trivion/internal/questions"
	"trivion/internal/rooms"
	"trivion/internal/store"
	apihttp "trivion/internal/transport/http"
	"trivion/internal/ws"
)

func main() {
	logCfg, err := config.LoadLog()
	if err != nil {
		panic(err)
	}
	closeLog, err := logging.Init(logCfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = closeLog() }()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("load server config failed")
	}
	gameCfg, err := config.LoadGame()
	if err != nil {
		log.Fatal().Err(err).Msg("load game config failed")
	}

	var (
		sink    game.MatchSink
		matches apihttp.MatchReader
	)
	if cfg.PostgresDSN != "" {
		st, err := store.New(cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("store init failed")
		}
		defer st.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := st.Migrate(ctx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("db migration failed")
		}
		cancel()
		sink = st
		matches = st
		log.Info().Msg("match persistence enabled")
	} else {
		log.Info().Msg("no POSTGRES_DSN, match persistence disabled")
	}

	defaultQuestions := questions.LoadOrDefault(cfg.QuestionBankPath)
	if st, ok := sink.(*store.Store); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := st.SyncQuestions(ctx, defaultQuestions); err != nil {
			log.Warn().Err(err).Msg("question bank sync failed")
		}
		cancel()
	}

	timing := game.Timing{
		CountdownTicks: gameCfg.CountdownTicks,
		TickInterval:   gameCfg.TickInterval,
		ResultsGrace:   gameCfg.ResultsGrace,
		PodiumLead:     gameCfg.PodiumLead,
		PodiumSpacing:  gameCfg.PodiumSpacing,
		SerializeAdmin: gameCfg.SerializeAdmin,
		BasePoints:     gameCfg.BasePoints,
	}
	hbCfg := heartbeat.Config{
		ProbeInterval: gameCfg.HeartbeatProbe,
		Timeout:       gameCfg.HeartbeatTimeout,
		Grace:         gameCfg.ReconnectGrace,
	}

	wsSrv := ws.NewServer()
	registry := rooms.NewRegistry(wsSrv, nil, timing, sink, rooms.DefaultDenylist)
	coord := coordinator.New(wsSrv, registry, hbCfg, nil, defaultQuestions)
	wsSrv.SetHandler(coord)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go coord.Run(ctx)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apihttp.NewRouter(registry, matches, wsSrv),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}
}
