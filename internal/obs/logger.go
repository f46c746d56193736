// Copyright 2025 James Ross
// Package obs provides the structured logger used across the migration
// engine. There is no package-level logger: every component takes a
// *zap.Logger explicitly.
package obs

import (
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON-encoded production logger at the given level.
// Unknown levels fall back to info rather than failing CLI startup over a
// typo'd log_level config value.
func NewLogger(level string) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }
    cfg := zap.NewProductionConfig()
    cfg.Level = zap.NewAtomicLevelAt(lvl)
    cfg.Encoding = "json"
    return cfg.Build()
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
