// Package logging builds the slog loggers used across the gateway: a
// console handler for interactive use and a JSON handler for log files,
// plus small attr helpers so call sites stay uniform.
package logging
