// Package pkg provides shared utilities for the otghcd host-controller driver.
//
// This package contains common functionality used across the driver core and
// its hardware abstraction layer, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - The driver error taxonomy as sentinel errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.SetLogOutput(os.Stderr, pkg.LogFormatJSON)
//	pkg.LogInfo(pkg.ComponentHCD, "controller started", "channels", 8)
//
// Every record carries a component attribute ahead of its own attributes.
//
// # Errors
//
// Configuration and precondition failures are returned synchronously:
//
//	if errors.Is(err, pkg.ErrDeviceGone) {
//	    // The port disconnected before the request reached hardware
//	}
//
// Hardware failures (stall, transaction error, split failure) are delivered
// through the request completion callback and end only the affected transfer.
package pkg
