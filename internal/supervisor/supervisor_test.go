package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/astra-update/internal/bootbundle"
	"github.com/ardnew/astra-update/internal/flashplan"
	"github.com/ardnew/astra-update/internal/image"
	"github.com/ardnew/astra-update/internal/transport"
	"github.com/ardnew/astra-update/internal/usbio"
)

// fakePlan is the smallest flashplan.Plan implementation that drives a
// session through UpdateStart/UpdateProgress/UpdateComplete.
type fakePlan struct {
	images     []*image.Image
	finalImage string
}

func (p *fakePlan) Type() flashplan.Type               { return flashplan.TypeSPI }
func (p *fakePlan) Chip() string                       { return "" }
func (p *fakePlan) Board() string                      { return "" }
func (p *fakePlan) BootImageID() string                { return "" }
func (p *fakePlan) Images() []*image.Image             { return p.images }
func (p *fakePlan) Command() string                    { return "run flash" }
func (p *fakePlan) FinalImage() string                 { return p.finalImage }
func (p *fakePlan) ResetWhenComplete() bool             { return false }
func (p *fakePlan) SecureBoot() image.SecureBootVersion { return image.SecureBootV2 }
func (p *fakePlan) MemoryLayout() image.MemoryLayout    { return image.MemoryLayout1GB }
func (p *fakePlan) DDRType() image.DDRType              { return image.DDRTypeNotSpecified }

// fakeTransport lets a test drive OnArrival/OnDeparture directly instead of
// talking to a real netlink socket.
type fakeTransport struct {
	mu     sync.Mutex
	sink   transport.Sink
	closed chan struct{}
}

func newFakeTransport() *fakeTransport { return &fakeTransport{closed: make(chan struct{})} }

func (t *fakeTransport) Run(ctx context.Context, sink transport.Sink) error {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return nil
	}
}

func (t *fakeTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

func (t *fakeTransport) arrive(a transport.Arrival) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	sink.OnArrival(a)
}

func (t *fakeTransport) depart(d transport.Departure) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	sink.OnDeparture(d)
}

func TestSupervisorSpawnsSessionAndReportsSuccess(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "gen3_uboot.bin.usb")
	if err := os.WriteFile(imgPath, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	bundle := &bootbundle.Bundle{
		Console:        bootbundle.ConsoleUSB,
		FinalBootImage: "gen3_uboot.bin.usb",
		Images:         []*image.Image{image.New(imgPath, image.CategoryBoot)},
	}

	ft := newFakeTransport()
	var fakeIO *usbio.EndpointIO

	var mu sync.Mutex
	var events []StatusEvent

	sv := New(Config{
		Bundle:    bundle,
		TempRoot:  t.TempDir(),
		Transport: ft,
		Sink: func(e StatusEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
		Open: func(ctx context.Context, devfsPath, busPath string) (*usbio.EndpointIO, error) {
			io, _ := usbio.NewFake(busPath)
			fakeIO = io
			return io, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sv.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	ft.arrive(transport.Arrival{BusPath: "1-1", DevfsPath: "/dev/bus/usb/001/002"})
	time.Sleep(5 * time.Millisecond)

	if fakeIO == nil {
		t.Fatal("expected Open to be called")
	}
	fakeIO.Feed(append([]byte(usbio.RequestMarker), append([]byte{0x01}, append([]byte("gen3_uboot.bin.usb"), 0)...)...))
	time.Sleep(5 * time.Millisecond)
	fakeIO.Feed([]byte("U-Boot 2021.01\n=>"))

	deadline := time.After(time.Second)
waitLoop:
	for {
		mu.Lock()
		for _, e := range events {
			if e.Manager != nil && e.Manager.Succeeded > 0 {
				mu.Unlock()
				break waitLoop
			}
		}
		mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for success manager event")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_ = sv.Close()
}

func TestSupervisorShutsDownAfterUpdateCompleteWhenNotContinuous(t *testing.T) {
	dir := t.TempDir()
	bootPath := filepath.Join(dir, "gen3_uboot.bin.usb")
	if err := os.WriteFile(bootPath, []byte("boot-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	updatePath := filepath.Join(dir, "update.bin")
	if err := os.WriteFile(updatePath, []byte("update-data"), 0o644); err != nil {
		t.Fatal(err)
	}

	bundle := &bootbundle.Bundle{
		Console:        bootbundle.ConsoleUSB,
		FinalBootImage: "gen3_uboot.bin.usb",
		Images:         []*image.Image{image.New(bootPath, image.CategoryBoot)},
	}
	plan := &fakePlan{
		images:     []*image.Image{image.New(updatePath, image.CategoryUpdateSPI)},
		finalImage: "update.bin",
	}

	ft := newFakeTransport()
	var fakeIO *usbio.EndpointIO

	var mu sync.Mutex
	var events []StatusEvent

	sv := New(Config{
		Bundle:    bundle,
		Plan:      plan,
		TempRoot:  t.TempDir(),
		Transport: ft,
		Sink: func(e StatusEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
		Open: func(ctx context.Context, devfsPath, busPath string) (*usbio.EndpointIO, error) {
			io, _ := usbio.NewFake(busPath)
			fakeIO = io
			return io, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- sv.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	ft.arrive(transport.Arrival{BusPath: "1-1", DevfsPath: "/dev/bus/usb/001/002"})
	time.Sleep(5 * time.Millisecond)

	if fakeIO == nil {
		t.Fatal("expected Open to be called")
	}
	fakeIO.Feed(requestFrameFor(0x01, "gen3_uboot.bin.usb"))
	time.Sleep(5 * time.Millisecond)
	fakeIO.Feed(requestFrameFor(0x01, "update.bin"))
	time.Sleep(5 * time.Millisecond)
	fakeIO.Feed([]byte("U-Boot 2021.01\n=>"))

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not shut down after UpdateComplete")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawShutdown bool
	for _, e := range events {
		if e.Manager != nil && e.Manager.Status == StatusShutdown {
			sawShutdown = true
		}
	}
	if !sawShutdown {
		t.Fatal("expected a Shutdown-classified manager event")
	}
}

func requestFrameFor(tag byte, name string) []byte {
	out := append([]byte(usbio.RequestMarker), tag)
	out = append(out, []byte(name)...)
	return append(out, 0)
}

func TestSupervisorDepartureWithoutSessionIsIgnored(t *testing.T) {
	ft := newFakeTransport()
	sv := New(Config{TempRoot: t.TempDir(), Transport: ft})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sv.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	ft.depart(transport.Departure{BusPath: "9-9"})

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
