// Package logging builds the sidecar's zap logger and records audit events
// for user actions.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger for the given level ("debug", "info", "warn", "error")
// and format ("json" or "console").
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Audit actions.
const (
	ActionLogin          = "LOGIN"
	ActionLogout         = "LOGOUT"
	ActionSubmit         = "SUBMIT_EVIDENCE"
	ActionCancel         = "CANCEL_SUBMISSION"
	ActionRequeue        = "REQUEUE_SUBMISSION"
	ActionReplacePending = "REPLACE_SUBMISSION"
	ActionDeleteRecord   = "DELETE_RECORD"
	ActionUpdateRecord   = "UPDATE_RECORD"
	ActionRefreshCatalog = "REFRESH_CATALOG"
)

// Audit records that a user performed an action.
func Audit(logger *zap.Logger, userID, action, details string) {
	logger.Named("audit").Info("user action",
		zap.String("user_id", userID),
		zap.String("action", action),
		zap.String("details", details),
	)
}
