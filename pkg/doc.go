// Package pkg provides shared utilities for the usbssp controller packages.
//
// This package contains common functionality used by the ring engine, the
// controller core and the hardware backends, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Log throttling for hot paths such as the event ring drain
//   - Sentinel error types for transfer, command and caller errors
//   - Prometheus collectors for command, event and transfer accounting
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentCommand, "command completed", "type", "enable_slot")
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
