// Package logx configures raspbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated
//   - An optional report sink (min-level + rate limiting) for operator alerts
package logx
