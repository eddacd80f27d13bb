//go:build linux

package usbio

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/ardnew/astra-update/pkg"
)

// descriptor type codes, per the USB 2.0 spec.
const (
	descTypeDevice    = 1
	descTypeConfig    = 2
	descTypeInterface = 4
	descTypeEndpoint  = 5
)

// descriptor direction/transfer-type bits, per bEndpointAddress/bmAttributes.
const (
	endpointDirIn     = 0x80
	endpointTypeMask  = 0x03
	endpointTypeBulk  = 0x02
	endpointTypeIntr  = 0x03
)

const descriptorRetries = 4
const descriptorRetryDelay = 100 * time.Millisecond

// Open claims the boot interface on the usbdevfs device node at devfsPath
// and discovers its bulk-out, interrupt-in, and interrupt-out endpoints
// (spec §4.4). busPath is the stable bus-path string used for the session's
// device identity and the 06_IMAGE side channel; it plays no part in
// opening the device itself.
func Open(ctx context.Context, devfsPath, busPath string) (*EndpointIO, error) {
	fd, err := openDeviceNode(devfsPath)
	if err != nil {
		return nil, pkg.Classify(pkg.KindUsbOpen, err)
	}

	raw, ifaceNum, err := readConfigDescriptor(fd, devfsPath)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	eps, err := discoverEndpoints(raw, ifaceNum)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	if err := claimInterfaceFD(fd, ifaceNum); err != nil {
		syscall.Close(fd)
		return nil, pkg.Classify(pkg.KindUsbOpen, err)
	}

	engine := newLinuxEngine(fd, ifaceNum, eps)
	e := &EndpointIO{
		busPath:      busPath,
		endpoints:    eps,
		closed:       make(chan struct{}),
		events:       make(chan Frame, 16),
		callbackDone: make(chan struct{}),
		engine:       engine,
	}
	engine.owner = e

	go e.dispatch()
	if err := engine.start(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// readConfigDescriptor reads the raw device+config descriptor bytes off the
// usbdevfs node (a plain read(), not an ioctl — usbdevfs exposes the
// descriptors this way) and returns all of those bytes (device descriptor
// followed by every configuration) plus the number of the first interface,
// which is the one to claim. It retries up to 4 times with 100ms
// spacing to tolerate a device still settling after enumeration; if the
// descriptor still reports zero interfaces after retries, it resets the
// bus and fails with KindUsbTransient so the transport can re-enumerate
// (spec §4.4).
func readConfigDescriptor(fd int, devfsPath string) ([]byte, uint8, error) {
	var raw []byte
	var err error
	for attempt := 0; attempt < descriptorRetries; attempt++ {
		raw, err = os.ReadFile(devfsPath)
		if err == nil && countInterfaces(raw) > 0 {
			return raw, firstInterfaceNumber(raw), nil
		}
		time.Sleep(descriptorRetryDelay)
	}

	resetDeviceFD(fd)
	return nil, 0, pkg.Classify(pkg.KindUsbTransient, pkg.ErrInvalidEndpoint)
}

func countInterfaces(raw []byte) int {
	n := 0
	walkDescriptors(raw, func(dtype uint8, d []byte) {
		if dtype == descTypeInterface {
			n++
		}
	})
	return n
}

func firstInterfaceNumber(raw []byte) uint8 {
	var num uint8
	found := false
	walkDescriptors(raw, func(dtype uint8, d []byte) {
		if dtype == descTypeInterface && !found {
			num = d[2]
			found = true
		}
	})
	return num
}

// discoverEndpoints classifies every endpoint on the claimed interface by
// (direction bit, transfer-type bits) and fails with KindUsbOpen wrapping
// ErrInvalidEndpoint ("Malformed") if bulk-out, interrupt-in, or
// interrupt-out is missing (spec §4.4).
func discoverEndpoints(raw []byte, iface uint8) (Endpoints, error) {
	var eps Endpoints
	var haveBulkOut, haveIrqIn, haveIrqOut bool

	onInterface := false
	walkDescriptors(raw, func(dtype uint8, d []byte) {
		switch dtype {
		case descTypeInterface:
			onInterface = d[2] == iface
		case descTypeEndpoint:
			if !onInterface {
				return
			}
			addr := d[2]
			attrs := d[3]
			maxPkt := uint16(d[4]) | uint16(d[5])<<8
			dir := addr & endpointDirIn
			typ := attrs & endpointTypeMask

			switch {
			case dir == 0 && typ == endpointTypeBulk:
				eps.BulkOut = addr
				eps.BulkOutMaxPacket = maxPkt
				haveBulkOut = true
			case dir != 0 && typ == endpointTypeIntr:
				eps.InterruptIn = addr
				eps.InterruptInMaxPkt = maxPkt
				haveIrqIn = true
			case dir == 0 && typ == endpointTypeIntr:
				eps.InterruptOut = addr
				eps.InterruptOutMaxPkt = maxPkt
				haveIrqOut = true
			}
		}
	})

	if !haveBulkOut || !haveIrqIn || !haveIrqOut {
		return eps, pkg.Classify(pkg.KindUsbOpen, pkg.ErrInvalidEndpoint)
	}
	return eps, nil
}

// walkDescriptors iterates the standard bLength/bDescriptorType-prefixed
// descriptor chain, invoking fn with each descriptor's type and raw bytes.
func walkDescriptors(raw []byte, fn func(dtype uint8, d []byte)) {
	for i := 0; i+2 <= len(raw); {
		length := int(raw[i])
		if length < 2 || i+length > len(raw) {
			return
		}
		fn(raw[i+1], raw[i:i+length])
		i += length
	}
}
