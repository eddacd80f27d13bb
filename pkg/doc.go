// Package pkg provides shared utilities for astra-update.
//
// This package contains common functionality used across the image,
// bootbundle, flashplan, usbio, transport, console, session, and
// supervisor packages, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types and a Kind classification for USB/protocol errors
//   - Component identifiers for log filtering
//
// The package is designed to have zero external dependencies, relying
// only on the Go standard library.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentSession, "device configured", "bus_path", "1-2")
//
// # Errors
//
// Domain errors are sentinel values wrapped with a Kind via [Classify]:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
