// Package logx configures scbldr's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - Optional JSON output for log shippers (format: json)
//   - Optional JSON-structured file sink
//
// Loggers handed out by Service stay live across Service.Apply() calls, so
// a config reload retargets every component logger at once.
package logx
