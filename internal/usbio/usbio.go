// Package usbio implements UsbEndpointIO (spec §4.4): an asynchronous
// wrapper around a single USB device enumerated in download mode. It claims
// the boot interface, discovers the bulk-out, interrupt-in, and
// interrupt-out endpoints, and exposes cancellable, stall-recovering
// transfers plus a callback-dispatch worker that delivers interrupt-in
// frames off the kernel reap thread.
//
// The transfer engine is platform-specific; this file holds the portable
// surface every backend shares. The Linux backend (urb_linux.go,
// endpoint_linux.go) talks to usbdevfs directly via raw ioctls, the same
// technique github.com/ardnew/softusb/host/hal/linux uses for its generic
// host-controller HAL, adapted here to the boot/flash wire protocol instead
// of a general enumeration state machine.
package usbio

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/astra-update/pkg"
)

// TagUpdateThreshold is the image-type tag byte boundary above which a
// successful send requires a 07_IMAGE size-echo confirmation (spec §4.2,
// §9 open question: the wire protocol never enumerates tag values, so this
// is recorded here as the one magic constant it depends on).
const TagUpdateThreshold = 0x79

// RequestMarker is the literal ASCII sequence that opens an image-request
// frame on the interrupt-in endpoint, immediately followed by one tag byte
// and a NUL-terminated basename.
const RequestMarker = "i*m*g*r*q*"

// Frame is one interrupt-in transfer's payload, handed to the caller
// exactly as received: one USB transfer completion is one Frame, never
// coalesced or split.
type Frame struct {
	Data []byte
}

// Endpoints records the addresses and max packet sizes discovered on the
// claimed interface.
type Endpoints struct {
	BulkOut            uint8
	InterruptIn        uint8
	InterruptOut       uint8
	BulkOutMaxPacket   uint16
	InterruptInMaxPkt  uint16
	InterruptOutMaxPkt uint16
}

// transferEngine is the platform-specific half of an EndpointIO: the
// synchronous/async transfer primitives. Endpoint discovery and shutdown
// ordering are also platform-specific, but are invoked through Open and
// Close rather than this interface.
type transferEngine interface {
	bulkWrite(ctx context.Context, data []byte) error
	interruptWrite(ctx context.Context, data []byte) error
	shutdown() error
}

// EndpointIO is the asynchronous USB endpoint wrapper described in spec
// §4.4. One EndpointIO owns exactly one claimed interface on one device.
type EndpointIO struct {
	busPath   string
	endpoints Endpoints

	mu        sync.Mutex
	onFrame   func(Frame)
	writeOnce sync.Mutex // serializes bulk writes (Testable Property 4)

	closeOnce sync.Once
	closed    chan struct{}

	events       chan Frame
	callbackDone chan struct{}

	engine transferEngine
}

// BusPath returns the stable bus-path string this endpoint was opened on.
func (e *EndpointIO) BusPath() string { return e.busPath }

// Endpoints returns the discovered endpoint addresses and packet sizes.
func (e *EndpointIO) Endpoints() Endpoints { return e.endpoints }

// OnFrame registers the callback invoked for every interrupt-in frame, in
// the order frames were received. Frames queued before the callback worker
// starts are still delivered FIFO once OnFrame is called, since the reap
// side only ever enqueues onto e.events and never invokes the callback
// directly (spec §5: "the very first marker is never lost").
func (e *EndpointIO) OnFrame(cb func(Frame)) {
	e.mu.Lock()
	e.onFrame = cb
	e.mu.Unlock()
}

// Write performs a bulk-out write of exactly data, blocking until the
// transfer completes or fails. At most one Write is ever in flight on a
// given EndpointIO (Testable Property 4).
func (e *EndpointIO) Write(ctx context.Context, data []byte) error {
	e.writeOnce.Lock()
	defer e.writeOnce.Unlock()

	select {
	case <-e.closed:
		return pkg.Classify(pkg.KindUsbIO, pkg.ErrNoDevice)
	default:
	}
	return e.engine.bulkWrite(ctx, data)
}

// WriteInterrupt sends raw bytes out the interrupt-out endpoint, used to
// type characters into the U-Boot console when console_mode == Usb.
func (e *EndpointIO) WriteInterrupt(ctx context.Context, data []byte) error {
	select {
	case <-e.closed:
		return pkg.Classify(pkg.KindUsbIO, pkg.ErrNoDevice)
	default:
	}
	return e.engine.interruptWrite(ctx, data)
}

// Closed returns a channel that is closed once Close has begun tearing the
// endpoint down, usable by callers that need to select against it.
func (e *EndpointIO) Closed() <-chan struct{} { return e.closed }

// Close idempotently tears the endpoint down: it stops accepting new
// writes, then runs the platform shutdown (cancel the standing interrupt-in
// transfer, wait for cancellation acknowledgement, join the reap loop,
// release the interface, close the handle), and only then stops and joins
// the callback-dispatch goroutine. No callback fires after Close returns
// (Testable Property 5).
func (e *EndpointIO) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.engine.shutdown()
		close(e.events)
		<-e.callbackDone
	})
	return err
}

// enqueue is called by the platform reap loop for every completed
// interrupt-in transfer. It never invokes the callback directly.
func (e *EndpointIO) enqueue(f Frame) {
	select {
	case e.events <- f:
	case <-e.closed:
	}
}

// dispatch is the callback-dispatch worker (spec §4.4): it drains e.events
// and invokes the registered callback outside of any lock, so a slow
// consumer never blocks the USB event thread.
func (e *EndpointIO) dispatch() {
	defer close(e.callbackDone)
	for f := range e.events {
		e.mu.Lock()
		cb := e.onFrame
		e.mu.Unlock()
		// Hold the frame until OnFrame registers a callback, so frames
		// reaped before registration are not dropped.
		for cb == nil {
			select {
			case <-e.closed:
				return
			case <-time.After(time.Millisecond):
			}
			e.mu.Lock()
			cb = e.onFrame
			e.mu.Unlock()
		}
		cb(f)
	}
}
