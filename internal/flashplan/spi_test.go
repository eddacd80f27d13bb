package flashplan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ardnew/astra-update/internal/manifest"
)

// TestSPISingleImageDefaults reproduces scenario S2: a single SPI image with
// every address left at its default.
func TestSPISingleImageDefaults(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "uboot.bin")
	if err := os.WriteFile(imgPath, []byte("fake"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := &manifest.Manifest{Values: map[string]string{
		"image_type": "spi",
		"image_file": "uboot.bin",
	}}

	plan, err := Factory(dir, cfg)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}

	const want = "usbload uboot.bin 0x10000000; spinit; erase 0xf0000000 0xf01fffff; " +
		"cp.b 0x10000000 0xf0000000 0x200000; erase 0xf0200000 0xf03fffff; " +
		"cp.b 0x10000000 0xf0200000 0x200000; ; sleep 1; reset"

	if got := plan.Command(); got != want {
		t.Errorf("Command() =\n%q\nwant\n%q", got, want)
	}
	if plan.Type() != TypeSPI {
		t.Errorf("Type() = %v, want spi", plan.Type())
	}
	if plan.FinalImage() != "uboot.bin" {
		t.Errorf("FinalImage() = %q", plan.FinalImage())
	}
	if !plan.ResetWhenComplete() {
		t.Error("ResetWhenComplete() = false, want true (default enable)")
	}
}

func TestSPIResetDisabled(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "uboot.bin")
	os.WriteFile(imgPath, []byte("x"), 0o644)

	cfg := &manifest.Manifest{Values: map[string]string{
		"image_type": "spi",
		"image_file": "uboot.bin",
		"reset":      "disable",
	}}

	plan, err := Factory(dir, cfg)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	if plan.ResetWhenComplete() {
		t.Error("ResetWhenComplete() = true, want false")
	}
	got := plan.Command()
	if got[len(got)-1] != ' ' {
		t.Errorf("Command() should not append reset suffix when disabled: %q", got)
	}
}

func TestSPIImageFileMissing(t *testing.T) {
	dir := t.TempDir()
	cfg := &manifest.Manifest{Values: map[string]string{
		"image_type": "spi",
		"image_file": "missing.bin",
	}}
	if _, err := Factory(dir, cfg); err == nil {
		t.Fatal("Factory: expected error for missing image_file")
	}
}
