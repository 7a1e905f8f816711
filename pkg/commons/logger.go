// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package commons provides the structured logger used throughout voxrelay.
package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// SEPARATOR is the canonical delimiter used to split list-valued config
// strings (e.g. comma-separated normalizer pipelines).
const SEPARATOR = ","

// Logger is the structured logging contract used across every package in
// this repository. It mirrors zap's SugaredLogger surface: the "w" suffixed
// methods take alternating key/value pairs, and the plain ones behave the
// same (they forward to their "w" counterparts).
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	// With returns a child logger with the given key/value pairs attached
	// to every subsequent entry (e.g. call_id, track_id).
	With(keysAndValues ...interface{}) Logger

	// Sync flushes any buffered log entries. Call on shutdown.
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// LogConfig configures NewApplicationLogger.
type LogConfig struct {
	// Level is one of debug/info/warn/error. Defaults to info.
	Level string
	// FilePath, when non-empty, tees output to a rotating file via
	// lumberjack in addition to stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewApplicationLogger builds the process-wide logger. Called once at
// startup in cmd/voxrelayd; every package receives a Logger (or a scoped
// child of one via With) rather than constructing its own.
func NewApplicationLogger(cfg LogConfig) (Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level),
	}

	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    firstNonZero(cfg.MaxSizeMB, 100),
			MaxBackups: firstNonZero(cfg.MaxBackups, 5),
			MaxAge:     firstNonZero(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core, zap.AddCaller())
	return &zapLogger{s: base.Sugar()}, nil
}

func firstNonZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func (l *zapLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) Debugf(tmpl string, args ...interface{}) { l.s.Debugf(tmpl, args...) }
func (l *zapLogger) Infof(tmpl string, args ...interface{})  { l.s.Infof(tmpl, args...) }
func (l *zapLogger) Warnf(tmpl string, args ...interface{})  { l.s.Warnf(tmpl, args...) }
func (l *zapLogger) Errorf(tmpl string, args ...interface{}) { l.s.Errorf(tmpl, args...) }

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}

func (l *zapLogger) Sync() error { return l.s.Sync() }

// NewNopLogger returns a Logger that discards everything. Useful for tests.
func NewNopLogger() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}
