// Package cliutil holds the small pieces of plumbing shared by the
// astra-boot and astra-update entrypoints: logging configuration and
// status-stream rendering.
package cliutil

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ardnew/astra-update/internal/supervisor"
	"github.com/ardnew/astra-update/pkg"
)

// ConfigureLogging wires pkg's default logger to the requested level and
// format, both given as free-form CLI flag values.
func ConfigureLogging(format, level string) {
	switch strings.ToLower(level) {
	case "debug":
		pkg.SetLogLevel(slog.LevelDebug)
	case "warn":
		pkg.SetLogLevel(slog.LevelWarn)
	case "error":
		pkg.SetLogLevel(slog.LevelError)
	default:
		pkg.SetLogLevel(slog.LevelInfo)
	}

	if strings.EqualFold(format, "json") {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	} else {
		pkg.SetLogFormat(pkg.LogFormatText)
	}
}

// PrintStatus renders one status-stream entry to stdout: a per-device
// progress line, or a manager summary line.
func PrintStatus(evt supervisor.StatusEvent) {
	switch {
	case evt.Device != nil:
		d := evt.Device
		msg := d.Message
		if msg == "" {
			msg = d.ImageName
		}
		fmt.Printf("[%s] %-14s %3d%% %s\n", d.DeviceName, d.Phase, d.Progress, msg)
	case evt.Manager != nil:
		m := evt.Manager
		fmt.Printf("== [%s] %s (active=%d succeeded=%d failed=%d)\n",
			m.Status, m.Message, m.ActiveSessions, m.Succeeded, m.Failed)
	}
}

// Fatal logs err as a fatal error and exits with a non-zero status.
func Fatal(err error) {
	pkg.LogError(pkg.ComponentSupervisor, "fatal", "err", err)
	os.Exit(1)
}
