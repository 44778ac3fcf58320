// Package observability provides logging and metrics utilities for bot sessions.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
)

// AppName tags every entry written by loggers from NewLogger.
const AppName = "lobbybot"

// NewLogger creates a structured logger from the given logging configuration.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		// Chat traffic is bursty; sampling would hide the command/response pairs.
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		// Reconnect warnings are routine; keep their stacks out of the terminal.
		zapCfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]any{"app": AppName}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// SessionLogger scopes base to one bot session.
//
// Postcondition: Every entry carries the session id and account name.
func SessionLogger(base *zap.Logger, sessionID, username string) *zap.Logger {
	return base.With(
		zap.String("session", sessionID),
		zap.String("account", username),
	)
}

// Component returns a named child logger, e.g. "transport" or "watchdog".
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.Named(name)
}
