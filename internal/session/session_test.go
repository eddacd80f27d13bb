package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ardnew/astra-update/internal/bootbundle"
	"github.com/ardnew/astra-update/internal/console"
	"github.com/ardnew/astra-update/internal/image"
	"github.com/ardnew/astra-update/internal/usbio"
)

func writeTempImage(t *testing.T, dir, name string, content []byte) *image.Image {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return image.New(path, image.CategoryBoot)
}

func requestFrame(tag byte, name string) []byte {
	out := append([]byte(usbio.RequestMarker), tag)
	out = append(out, []byte(name)...)
	return append(out, 0)
}

func TestBootOnlySessionReachesBootCompleteViaConsolePrompt(t *testing.T) {
	dir := t.TempDir()
	img := writeTempImage(t, dir, "gen3_uboot.bin.usb", []byte("uboot-data"))

	bundle := &bootbundle.Bundle{
		ID:             "test",
		Console:        bootbundle.ConsoleUSB,
		FinalBootImage: "gen3_uboot.bin.usb",
		Images:         []*image.Image{img},
	}

	io, eng := usbio.NewFake("1-1")
	cons := console.New("=>")

	var events []DeviceEvent
	sess, err := New(io, cons, Config{
		Bundle:  bundle,
		TempDir: dir,
		Sink:    func(e DeviceEvent) { events = append(events, e) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan Phase, 1)
	go func() { done <- sess.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	io.Feed(requestFrame(0x01, "gen3_uboot.bin.usb"))
	time.Sleep(5 * time.Millisecond)
	io.Feed([]byte("U-Boot 2021.01\n=>"))

	select {
	case phase := <-done:
		if phase != PhaseBootComplete {
			t.Fatalf("phase = %v, want BootComplete", phase)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	if len(eng.Writes) == 0 {
		t.Fatal("expected at least one bulk write for the requested image")
	}

	var sawComplete bool
	for _, e := range events {
		if e.Phase == PhaseBootComplete {
			sawComplete = true
		}
		if e.ImageName == "07_IMAGE" {
			t.Fatal("07_IMAGE event must be suppressed from the sink")
		}
	}
	if !sawComplete {
		t.Fatal("expected a BootComplete event")
	}
}

func TestSessionDisconnectAfterCompleteIsSuccess(t *testing.T) {
	dir := t.TempDir()
	img := writeTempImage(t, dir, "gen3_uboot.bin.usb", []byte("data"))

	bundle := &bootbundle.Bundle{
		Console:        bootbundle.ConsoleUart,
		FinalBootImage: "gen3_uboot.bin.usb",
		Images:         []*image.Image{img},
	}

	io, _ := usbio.NewFake("1-1")
	cons := console.New("=>")
	sess, err := New(io, cons, Config{Bundle: bundle, TempDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan Phase, 1)
	go func() { done <- sess.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	io.Feed(requestFrame(0x01, "gen3_uboot.bin.usb"))
	time.Sleep(5 * time.Millisecond)
	sess.NotifyDisconnect()

	select {
	case phase := <-done:
		if phase != PhaseBootComplete {
			t.Fatalf("phase = %v, want BootComplete", phase)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSessionMissingImageFails(t *testing.T) {
	dir := t.TempDir()
	img := writeTempImage(t, dir, "gen3_uboot.bin.usb", []byte("data"))

	bundle := &bootbundle.Bundle{
		Console:        bootbundle.ConsoleUart,
		FinalBootImage: "gen3_uboot.bin.usb",
		Images:         []*image.Image{img},
	}

	io, _ := usbio.NewFake("1-1")
	cons := console.New("=>")
	sess, err := New(io, cons, Config{Bundle: bundle, TempDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan Phase, 1)
	go func() { done <- sess.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	io.Feed(requestFrame(0x01, "does_not_exist.bin"))

	select {
	case phase := <-done:
		if phase != PhaseBootFail {
			t.Fatalf("phase = %v, want BootFail", phase)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSessionConsoleTextRoutesToConsoleStream(t *testing.T) {
	dir := t.TempDir()
	img := writeTempImage(t, dir, "gen3_uboot.bin.usb", []byte("data"))

	bundle := &bootbundle.Bundle{
		Console:        bootbundle.ConsoleUSB,
		FinalBootImage: "gen3_uboot.bin.usb",
		Images:         []*image.Image{img},
	}

	io, _ := usbio.NewFake("1-1")
	cons := console.New("=>")
	sess, err := New(io, cons, Config{Bundle: bundle, TempDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = sess

	io.Feed([]byte("hello console"))
	time.Sleep(5 * time.Millisecond)
	if got := string(cons.Bytes()); got != "hello console" {
		t.Fatalf("console buffer = %q", got)
	}
}
