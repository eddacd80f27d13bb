//go:build linux

package usbio

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ardnew/astra-update/pkg"
)

// writeTimeout bounds a single bulk or interrupt-out submission, matching
// the original USBDevice::Write's 1000ms libusb timeout (spec §4.4).
const writeTimeout = 1000 * time.Millisecond

// cancelAckTimeout bounds how long Close waits for the kernel to reap a
// discarded URB before giving up and closing the handle anyway (spec §4.4:
// "wait up to 500 ms for per-transfer cancellation acknowledgements").
const cancelAckTimeout = 500 * time.Millisecond

type urbResult struct {
	actual int32
	status int32
}

// linuxEngine is the Linux transferEngine: one usbdevfs file descriptor,
// one claimed interface, and the bookkeeping needed to reap asynchronously
// submitted URBs and match them back to their waiter.
type linuxEngine struct {
	fd    int
	iface uint8
	ep    Endpoints
	owner *EndpointIO

	mu           sync.Mutex
	pending      map[*urb]chan urbResult
	irqInURB     *urb
	irqInBuf     []byte
	running      bool
	reapDone     chan struct{}
	irqInReaped  chan struct{}
}

func newLinuxEngine(fd int, iface uint8, ep Endpoints) *linuxEngine {
	return &linuxEngine{
		fd:          fd,
		iface:       iface,
		ep:          ep,
		pending:     make(map[*urb]chan urbResult),
		running:     true,
		reapDone:    make(chan struct{}),
		irqInReaped: make(chan struct{}),
	}
}

// start posts the persistent interrupt-in URB and launches the reap loop.
// It must run before EndpointIO.dispatch can observe any frames.
func (l *linuxEngine) start() error {
	if err := l.resubmitInterruptIn(); err != nil {
		return pkg.Classify(pkg.KindUsbOpen, err)
	}
	go l.reapLoop()
	return nil
}

func (l *linuxEngine) resubmitInterruptIn() error {
	buf := make([]byte, maxInt(int(l.ep.InterruptInMaxPkt), 1))
	u := newInterruptURB(l.ep.InterruptIn, buf, 0)

	l.mu.Lock()
	l.irqInURB = u
	l.irqInBuf = buf
	l.mu.Unlock()

	return submitURB(l.fd, u)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// bulkWrite submits data on the bulk-out endpoint and blocks for its
// completion, retrying once on a stall and failing outright on disconnect
// (spec §4.4).
func (l *linuxEngine) bulkWrite(ctx context.Context, data []byte) error {
	return l.syncWrite(ctx, l.ep.BulkOut, data)
}

// interruptWrite submits data on the interrupt-out endpoint, used to type
// characters into a USB-console U-Boot prompt.
func (l *linuxEngine) interruptWrite(ctx context.Context, data []byte) error {
	return l.syncWrite(ctx, l.ep.InterruptOut, data)
}

func (l *linuxEngine) syncWrite(ctx context.Context, endpoint uint8, data []byte) error {
	isBulk := endpoint == l.ep.BulkOut

	for attempt := 0; attempt < 2; attempt++ {
		var u *urb
		if isBulk {
			u = newBulkURB(endpoint, data, 0)
		} else {
			u = newInterruptURB(endpoint, data, 0)
		}
		done := make(chan urbResult, 1)

		l.mu.Lock()
		if !l.running {
			l.mu.Unlock()
			return pkg.Classify(pkg.KindUsbIO, pkg.ErrNoDevice)
		}
		l.pending[u] = done
		l.mu.Unlock()

		if err := submitURB(l.fd, u); err != nil {
			l.mu.Lock()
			delete(l.pending, u)
			l.mu.Unlock()
			return pkg.Classify(pkg.KindUsbIO, err)
		}

		select {
		case res := <-done:
			runtime.KeepAlive(data)
			switch {
			case res.status == 0:
				return nil
			case isErrno(syscall.Errno(-res.status), syscall.EPIPE):
				resetEndpointFD(l.fd, endpoint)
				continue
			case isErrno(syscall.Errno(-res.status), syscall.ENODEV):
				l.markStopped()
				return pkg.Classify(pkg.KindUsbIO, pkg.ErrNoDevice)
			default:
				return pkg.Classify(pkg.KindUsbIO, fmt.Errorf("%w: urb status %d", pkg.ErrProtocol, res.status))
			}
		case <-time.After(writeTimeout):
			discardURB(l.fd, u)
			<-done
			return pkg.Classify(pkg.KindUsbIO, pkg.ErrTimeout)
		case <-ctx.Done():
			discardURB(l.fd, u)
			<-done
			return ctx.Err()
		}
	}
	return pkg.Classify(pkg.KindUsbIO, pkg.ErrStall)
}

func (l *linuxEngine) markStopped() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

// reapLoop is the USB event thread: it blocks in reapURB, matches the
// completed transfer back to its waiter (or, for the persistent
// interrupt-in transfer, enqueues a Frame and resubmits), and never
// invokes the session callback directly (spec §4.4's dedicated worker does
// that, via EndpointIO.dispatch).
func (l *linuxEngine) reapLoop() {
	defer close(l.reapDone)
	for {
		u, err := reapURB(l.fd)
		if err != nil {
			if isErrno(err, syscall.ENODEV) || isErrno(err, syscall.ENOENT) {
				return
			}
			continue
		}

		l.mu.Lock()
		isIrqIn := u == l.irqInURB
		buf := l.irqInBuf
		running := l.running
		done, ok := l.pending[u]
		if ok {
			delete(l.pending, u)
		}
		l.mu.Unlock()

		if isIrqIn {
			if u.status == 0 && u.actualLength > 0 && running {
				frame := make([]byte, u.actualLength)
				copy(frame, buf[:u.actualLength])
				l.owner.enqueue(Frame{Data: frame})
			}
			if running {
				if err := l.resubmitInterruptIn(); err != nil {
					return
				}
			} else {
				close(l.irqInReaped)
				return
			}
			continue
		}

		if ok {
			done <- urbResult{actual: u.actualLength, status: u.status}
		}
	}
}

// shutdown implements the Close ordering from spec §4.4: stop accepting
// submissions, cancel the standing transfers, wait (bounded) for the
// cancellation to be reaped, release the interface, and close the fd.
func (l *linuxEngine) shutdown() error {
	l.mu.Lock()
	l.running = false
	irqIn := l.irqInURB
	l.mu.Unlock()

	if irqIn != nil {
		discardURB(l.fd, irqIn)
	}

	select {
	case <-l.irqInReaped:
	case <-time.After(cancelAckTimeout):
	}

	select {
	case <-l.reapDone:
	case <-time.After(cancelAckTimeout):
	}

	releaseInterfaceFD(l.fd, l.iface)
	return syscall.Close(l.fd)
}
