// Package logging provides structured logging for the gateway.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text for development, with service and version attached
// to each entry.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("worker started", "device_id", id)
//
// Local keys are device secrets: never log them.
package logging
