// Package logging provides structured logging for the AMS agent.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	manager := connection.New(connCfg, dialer, connection.WithLogger(logger.Component("connection")))
//
// # Security
//
// Never log private key material or the InfluxDB token.
package logging
