// Package transport implements UsbTransport (spec §4.6): discovery of
// devices matching a (vendorId, productId) filter via USB hotplug, an
// optional bus-path allowlist, and delivery of per-device I/O handles to a
// registered sink.
package transport

import (
	"context"
	"strings"
)

// Filter selects which enumerating devices the transport should hand to
// its sink.
type Filter struct {
	VendorID  uint16
	ProductID uint16

	// AllowedPrefixes, if non-empty, restricts arrivals to devices whose
	// bus-path string starts with one of these entries (spec §4.6, Testable
	// Property 7). An empty list allows every matching device.
	AllowedPrefixes []string
}

// Allows reports whether busPath passes the configured allowlist.
func (f Filter) Allows(busPath string) bool {
	if len(f.AllowedPrefixes) == 0 {
		return true
	}
	for _, prefix := range f.AllowedPrefixes {
		if prefix != "" && strings.HasPrefix(busPath, prefix) {
			return true
		}
	}
	return false
}

// ParsePrefixes splits a comma-separated allowlist as accepted on the CLI.
func ParsePrefixes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Arrival describes one accepted device, ready to be opened by usbio.Open.
type Arrival struct {
	BusPath   string
	DevfsPath string
	VendorID  uint16
	ProductID uint16
}

// Departure describes a device that dropped off the bus, identified by the
// same bus-path string an earlier Arrival carried.
type Departure struct {
	BusPath string
}

// Sink receives transport events. OnArrival and OnDeparture are called
// from the transport's own goroutine and must not block for long.
type Sink interface {
	OnArrival(Arrival)
	OnDeparture(Departure)
}

// Transport discovers devices via platform hotplug and dispatches them to
// a Sink. Run blocks until ctx is cancelled or Close is called.
type Transport interface {
	Run(ctx context.Context, sink Sink) error
	Close() error
}
