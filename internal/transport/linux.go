//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/astra-update/pkg"
)

// sysfsUSBPath is where the kernel exposes one directory per enumerated
// USB device, named by its bus-path string (e.g. "1-1.4"), the same
// identifier ardnew-softusb/host/hal/linux/sysfs.go parses devpath/port
// chains into by hand; here the directory name already is the bus path.
const sysfsUSBPath = "/sys/bus/usb/devices"
const devfsUSBPath = "/dev/bus/usb"

// pollInterval bounds how long Run's netlink poll blocks before re-checking
// for cancellation, matching the 1s libusb event-loop poll timeout in
// spec §4.6/§5.
const pollInterval = 1 * time.Second

// NewLinux returns a Transport backed by USB hotplug uevents over
// NETLINK_KOBJECT_UEVENT, the same mechanism
// ardnew-softusb/host/hal/linux/hotplug.go uses for its generic
// connect/disconnect port state machine, adapted here to filter on
// (vendorID, productID) and dispatch Arrival/Departure instead.
func NewLinux(filter Filter) Transport {
	return &linuxTransport{filter: filter, closed: make(chan struct{})}
}

type linuxTransport struct {
	filter    Filter
	closeOnce sync.Once
	closed    chan struct{}
}

func (t *linuxTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *linuxTransport) Run(ctx context.Context, sink Sink) error {
	for _, info := range scanExisting() {
		t.dispatchArrival(info, sink)
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unixNetlinkKObjectUEvent)
	if err != nil {
		return pkg.Classify(pkg.KindUsbOpen, err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		return pkg.Classify(pkg.KindUsbOpen, err)
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		default:
		}

		ready, err := unix.Poll([]unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}, int(pollInterval.Milliseconds()))
		if err != nil || ready <= 0 {
			continue
		}

		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil || n <= 0 {
			continue
		}

		evt := parseUEvent(buf[:n])
		if evt.subsystem != "usb" || evt.devtype != "usb_device" {
			continue
		}

		busPath := filepath.Base(evt.devpath)
		switch evt.action {
		case "add":
			if info, ok := readDeviceInfo(busPath); ok {
				t.dispatchArrival(info, sink)
			}
		case "remove":
			sink.OnDeparture(Departure{BusPath: busPath})
		}
	}
}

func (t *linuxTransport) dispatchArrival(info deviceInfo, sink Sink) {
	if info.vendorID != t.filter.VendorID || info.productID != t.filter.ProductID {
		return
	}
	if !t.filter.Allows(info.busPath) {
		pkg.LogInfo(pkg.ComponentTransport, "device rejected by path allowlist", "bus_path", info.busPath)
		return
	}
	sink.OnArrival(Arrival{
		BusPath:   info.busPath,
		DevfsPath: info.devfsPath,
		VendorID:  info.vendorID,
		ProductID: info.productID,
	})
}

// unixNetlinkKObjectUEvent is NETLINK_KOBJECT_UEVENT, not exported by
// golang.org/x/sys/unix under a stable name on every arch.
const unixNetlinkKObjectUEvent = 15

type deviceInfo struct {
	busPath   string
	devfsPath string
	vendorID  uint16
	productID uint16
}

// scanExisting enumerates devices already present under sysfsUSBPath when
// Run starts, so a device booted before the host attaches is not missed.
func scanExisting() []deviceInfo {
	entries, err := os.ReadDir(sysfsUSBPath)
	if err != nil {
		return nil
	}
	var out []deviceInfo
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		if info, ok := readDeviceInfo(name); ok {
			out = append(out, info)
		}
	}
	return out
}

func readDeviceInfo(busPath string) (deviceInfo, bool) {
	dir := filepath.Join(sysfsUSBPath, busPath)
	busNum, err1 := readSysfsUint(filepath.Join(dir, "busnum"), 10)
	devNum, err2 := readSysfsUint(filepath.Join(dir, "devnum"), 10)
	if err1 != nil || err2 != nil {
		return deviceInfo{}, false
	}
	vendorID, _ := readSysfsUint(filepath.Join(dir, "idVendor"), 16)
	productID, _ := readSysfsUint(filepath.Join(dir, "idProduct"), 16)

	return deviceInfo{
		busPath:   busPath,
		devfsPath: fmt.Sprintf("%s/%03d/%03d", devfsUSBPath, busNum, devNum),
		vendorID:  uint16(vendorID),
		productID: uint16(productID),
	}, true
}

func readSysfsUint(path string, base int) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), base, 32)
}

type ueventRecord struct {
	action    string
	devpath   string
	subsystem string
	devtype   string
}

// parseUEvent parses a NUL-delimited NETLINK_KOBJECT_UEVENT message, the
// same key=value wire format
// ardnew-softusb/host/hal/linux/hotplug.go's parseUEvent handles.
func parseUEvent(data []byte) ueventRecord {
	var evt ueventRecord
	for _, line := range strings.Split(string(data), "\x00") {
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, '='); idx >= 0 {
			switch line[:idx] {
			case "ACTION":
				evt.action = line[idx+1:]
			case "DEVPATH":
				evt.devpath = line[idx+1:]
			case "SUBSYSTEM":
				evt.subsystem = line[idx+1:]
			case "DEVTYPE":
				evt.devtype = line[idx+1:]
			}
			continue
		}
		if idx := strings.IndexByte(line, '@'); idx >= 0 && evt.action == "" {
			evt.action = line[:idx]
			evt.devpath = line[idx+1:]
		}
	}
	return evt
}
