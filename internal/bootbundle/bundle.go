// Package bootbundle loads a boot-image bundle directory: its manifest.yaml
// plus the ordered set of image files the device will request during boot.
package bootbundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/astra-update/internal/image"
	"github.com/ardnew/astra-update/internal/manifest"
	"github.com/ardnew/astra-update/pkg"
)

// UbootVariant identifies which U-Boot the bundle carries.
type UbootVariant int

const (
	UbootUnknown UbootVariant = iota
	UbootStock
	UbootVendor
)

// Console identifies which channel carries the interactive U-Boot console.
type Console int

const (
	ConsoleUart Console = iota
	ConsoleUSB
)

// Bundle is a loaded boot-image bundle: its manifest plus image files.
type Bundle struct {
	ID        string
	Chip      string
	Board     string
	VendorID  uint16
	ProductID uint16

	SecureBoot   image.SecureBootVersion
	Uboot        UbootVariant
	Console      Console
	UEnvSupport  bool
	MemoryLayout image.MemoryLayout
	DDRType      image.DDRType

	IsLinuxBoot    bool
	FinalBootImage string

	Dir    string
	Images []*image.Image
}

// hasUEnv reports whether the bundle already carries a uEnv.txt file.
func (b *Bundle) hasUEnv() bool {
	for _, img := range b.Images {
		if img.Name() == "uEnv.txt" {
			return true
		}
	}
	return false
}

// HasUEnv reports whether the bundle already carries a uEnv.txt file.
func (b *Bundle) HasUEnv() bool { return b.hasUEnv() }

// Load parses dir/manifest.yaml and enumerates the bundle's image files.
func Load(dir string) (*Bundle, error) {
	manifestPath := filepath.Join(dir, "manifest.yaml")
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, err
	}

	b := &Bundle{Dir: dir}
	if err := b.applyManifest(m); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == "manifest.yaml" {
			continue
		}
		names[e.Name()] = true
		b.Images = append(b.Images, image.New(filepath.Join(dir, e.Name()), image.CategoryBoot))
	}

	b.IsLinuxBoot, b.FinalBootImage = detectFinalBootImage(names, b.SecureBoot, b.UEnvSupport)
	return b, nil
}

// detectFinalBootImage implements the file-presence Linux-boot detection and
// the per-secure-boot-version default final stage name (§6).
func detectFinalBootImage(names map[string]bool, secureBoot image.SecureBootVersion, uEnvSupport bool) (bool, string) {
	switch {
	case names["Image.gz"] && names["ramdisk.cpio.gz"]:
		return true, "ramdisk.cpio.gz"
	case names["Image"] && names["rootfs.cpio.gz"]:
		return true, "rootfs.cpio.gz"
	}

	switch {
	case secureBoot == image.SecureBootV2:
		return false, "minildr.img"
	case uEnvSupport:
		return false, "uEnv.txt"
	default:
		return false, "gen3_uboot.bin.usb"
	}
}

func (b *Bundle) applyManifest(m *manifest.Manifest) error {
	b.ID = m.Values["id"]
	b.Chip = strings.ToLower(m.Values["chip"])
	b.Board = strings.ToLower(m.Values["board"])

	switch strings.ToLower(m.Values["console"]) {
	case "usb":
		b.Console = ConsoleUSB
	default:
		b.Console = ConsoleUart
	}

	b.UEnvSupport = strings.EqualFold(m.Values["uenv_support"], "true")

	if v, ok := m.Values["vendor_id"]; ok {
		id, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16)
		if err != nil {
			return pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: vendor_id %q", pkg.ErrConfigInvalid, v))
		}
		b.VendorID = uint16(id)
	}
	if v, ok := m.Values["product_id"]; ok {
		id, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16)
		if err != nil {
			return pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: product_id %q", pkg.ErrConfigInvalid, v))
		}
		b.ProductID = uint16(id)
	}

	switch strings.ToLower(m.Values["secure_boot"]) {
	case "genx":
		b.SecureBoot = image.SecureBootV3
	default:
		b.SecureBoot = image.SecureBootV2
	}

	if v, ok := m.Values["memory_layout"]; ok && v != "" {
		layout, err := image.ParseMemoryLayout(strings.ToLower(v))
		if err != nil {
			return pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: memory_layout %q", pkg.ErrConfigInvalid, v))
		}
		b.MemoryLayout = layout
	}

	switch strings.ToLower(m.Values["uboot"]) {
	case "uboot":
		b.Uboot = UbootStock
	case "suboot":
		b.Uboot = UbootVendor
	default:
		b.Uboot = UbootUnknown
	}

	return nil
}
