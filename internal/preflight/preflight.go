// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package preflight runs the gateway's startup readiness checks: the codec
// registry is populated, the configured RTP port range is valid and
// even-aligned, and the Redis/Postgres dependencies are reachable. Grounded
// on the "preflight" module named in original_source's module list
// (src/lib.rs), whose own source wasn't retrieved — the check set below is
// this repo's own, built for voxrelay's actual startup dependencies rather
// than a line-by-line port.
package preflight

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
	"github.com/rapidaai/voxrelay/internal/callrecord"
	"github.com/rapidaai/voxrelay/internal/config"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

// Check is one named startup check.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Build assembles the standard check set from the gateway's dependencies.
// db and redisClient may be nil (e.g. sqlite-only local runs with no
// distributed port allocator); the corresponding check is skipped.
func Build(cfg *config.AppConfig, registry *codec.Registry, db *gorm.DB, redisClient *redis.Client) []Check {
	checks := []Check{
		{Name: "codec_registry", Run: func(ctx context.Context) error { return checkCodecRegistry(registry) }},
		{Name: "rtp_port_range", Run: func(ctx context.Context) error { return checkRTPPortRange(cfg) }},
	}

	if db != nil {
		checks = append(checks, Check{Name: "database", Run: func(ctx context.Context) error { return checkDatabase(ctx, db) }})
	}
	if redisClient != nil {
		checks = append(checks, Check{Name: "redis", Run: func(ctx context.Context) error { return checkRedis(ctx, redisClient) }})
	}

	return checks
}

// Run executes every check in order, returning on the first failure with
// the failing check's name attached. A logger call is made for each check
// so startup failures are diagnosable from the gateway's own log stream.
func Run(ctx context.Context, logger commons.Logger, checks []Check) error {
	for _, c := range checks {
		if err := c.Run(ctx); err != nil {
			logger.Errorw("preflight check failed", "check", c.Name, "error", err.Error())
			return fmt.Errorf("preflight: %s: %w", c.Name, err)
		}
		logger.Infow("preflight check passed", "check", c.Name)
	}
	return nil
}

func checkCodecRegistry(registry *codec.Registry) error {
	if registry == nil {
		return fmt.Errorf("codec registry not configured")
	}
	if _, err := registry.New("PCMU"); err != nil {
		return fmt.Errorf("required codec PCMU not registered: %w", err)
	}
	if _, err := registry.New("PCMA"); err != nil {
		return fmt.Errorf("required codec PCMA not registered: %w", err)
	}
	return nil
}

// checkRTPPortRange validates the configured range is non-empty and
// contains at least one even-aligned port, per RFC 3550's RTP/RTCP
// even/odd pairing convention used by signalling.RTPPortAllocator.
func checkRTPPortRange(cfg *config.AppConfig) error {
	start, end := cfg.SIPConfig.RTPPortRangeStart, cfg.SIPConfig.RTPPortRangeEnd
	if start <= 0 || end <= start {
		return fmt.Errorf("invalid RTP port range %d-%d", start, end)
	}
	alignedStart := start
	if alignedStart%2 != 0 {
		alignedStart++
	}
	if alignedStart >= end {
		return fmt.Errorf("no even-aligned RTP ports in range %d-%d", start, end)
	}
	return nil
}

// checkDatabase pings the configured database and ensures the call-record
// schema exists, migrating it if not (safe to run on every startup).
func checkDatabase(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle unavailable: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := callrecord.AutoMigrate(db); err != nil {
		return fmt.Errorf("call record schema migration failed: %w", err)
	}
	return nil
}

func checkRedis(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}
