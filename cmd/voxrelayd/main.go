// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Command voxrelayd is the media-gateway entrypoint: it wires
// configuration, storage, the codec registry, the call controller, the
// SIP/RTP signalling adapter, and the admin console, then runs until a
// shutdown signal arrives. Grounded on the teacher's cmd/flowpbx/main.go
// wiring order (config -> logger -> database -> subsystems -> signal-based
// shutdown), simplified to this gateway's own subsystem set.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rapidaai/voxrelay/internal/admin"
	"github.com/rapidaai/voxrelay/internal/audio/codec"
	"github.com/rapidaai/voxrelay/internal/call"
	"github.com/rapidaai/voxrelay/internal/call/turn"
	"github.com/rapidaai/voxrelay/internal/callrecord"
	"github.com/rapidaai/voxrelay/internal/config"
	"github.com/rapidaai/voxrelay/internal/preflight"
	"github.com/rapidaai/voxrelay/internal/provider"
	"github.com/rapidaai/voxrelay/internal/signalling"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voxrelayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v, err := config.InitConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := commons.NewApplicationLogger(commons.LogConfig{Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger.Infow("starting voxrelayd", "service", cfg.Name, "version", cfg.Version, "sip_addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.SIPConfig.Port))

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := callrecord.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate call record schema: %w", err)
	}
	store := callrecord.NewStore(db, logger)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	registry := codec.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := preflight.Run(ctx, logger, preflight.Build(cfg, registry, db, redisClient)); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	ports := signalling.NewRTPPortAllocator(redisClient, logger, cfg.SIPConfig.RTPPortRangeStart, cfg.SIPConfig.RTPPortRangeEnd)
	if err := ports.Init(ctx); err != nil {
		return fmt.Errorf("init rtp port allocator: %w", err)
	}

	turnCfg := turnConfigFrom(cfg)
	manager := call.NewManager(registry, store, turnCfg, logger,
		func() provider.Transcriber { return provider.NewDeepgramTranscriber(cfg.ProviderConfig.DeepgramAPIKey, logger) },
		func() provider.LLMClient {
			return provider.NewOpenAILLM(cfg.ProviderConfig.OpenAIAPIKey, cfg.ProviderConfig.OpenAIModel, logger)
		},
		func() provider.Synthesizer {
			return provider.NewCartesiaTTS(cfg.ProviderConfig.CartesiaURL, cfg.ProviderConfig.CartesiaAPIKey, cfg.ProviderConfig.CartesiaVoiceID, 8000, logger)
		},
	)

	adapter, err := signalling.NewAdapter(signalling.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.SIPConfig.Port),
		Transport:  cfg.SIPConfig.Transport,
		LocalIP:    cfg.Host,
		PTimeMs:    cfg.CodecConfig.DefaultPTimeMs,
	}, manager, ports, logger)
	if err != nil {
		return fmt.Errorf("build sip adapter: %w", err)
	}

	readyCheck := func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return err
		}
		return redisClient.Ping(ctx).Err()
	}
	adminSrv := admin.NewServer(manager, logger, readyCheck)

	errCh := make(chan error, 2)
	go func() {
		if err := adapter.Start(ctx); err != nil {
			errCh <- fmt.Errorf("sip adapter: %w", err)
		}
	}()
	go func() {
		if err := adminSrv.Start(cfg.AdminConfig.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin console: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Infow("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("subsystem failed, shutting down", "error", err.Error())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	adapter.Close()
	ports.ReleaseAll(shutdownCtx)

	logger.Infow("voxrelayd stopped")
	return nil
}

// turnConfigFrom maps the config-layer ProviderConfig's VAD model path
// into turn.Config, the two fields living in separate config sections
// since VADModelPath is a provider-credential-like asset rather than a
// barge-in tunable.
func turnConfigFrom(cfg *config.AppConfig) turn.Config {
	turnCfg := turn.Config{
		BargeInEnergyThresholdDBFS: cfg.TurnConfig.BargeInEnergyThresholdDBFS,
		BargeInVADThreshold:        cfg.TurnConfig.BargeInVADThreshold,
		BargeInSustainMs:           cfg.TurnConfig.BargeInSustainMs,
		EchoCorrelationThreshold:   cfg.TurnConfig.EchoCorrelationThreshold,
		EchoMaxLagMs:               cfg.TurnConfig.EchoMaxLagMs,
		ProviderStopGraceMs:        cfg.TurnConfig.ProviderStopGraceMs,
		SuppressASRDuringDTMF:      true,
	}
	turnCfg.VADModelPath = cfg.ProviderConfig.VADModelPath
	return turnCfg
}

func openDatabase(cfg *config.AppConfig) (*gorm.DB, error) {
	if cfg.PostgresDSN != "" {
		return gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(cfg.SqliteFile), &gorm.Config{})
}
