// Package logx configures dispatchd's structured logging.
//
// It wraps zerolog behind a small Logger value so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output stays JSON-structured
//   - levels and sinks can be swapped on config reload
package logx
