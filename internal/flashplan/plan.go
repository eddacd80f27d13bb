// Package flashplan builds a typed description of a flash job (SPI or eMMC):
// which images to serve, the U-Boot command string that triggers the flash,
// the name of the final image in the sequence, and the post-flash reset
// policy. FlashPlan is modeled as a tagged interface (§9 design note) rather
// than a class hierarchy: SPIPlan and EMMCPlan are the two variants.
package flashplan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ardnew/astra-update/internal/image"
	"github.com/ardnew/astra-update/internal/manifest"
	"github.com/ardnew/astra-update/pkg"
)

// Type identifies which flash medium a Plan targets.
type Type int

const (
	TypeUnknown Type = iota
	TypeSPI
	TypeNAND
	TypeEMMC
)

func (t Type) String() string {
	switch t {
	case TypeSPI:
		return "spi"
	case TypeNAND:
		return "nand"
	case TypeEMMC:
		return "emmc"
	default:
		return "unknown"
	}
}

// Plan is a typed flash job: the set of images to serve plus the command to
// type at the U-Boot prompt to trigger the flash.
type Plan interface {
	Type() Type
	Chip() string
	Board() string
	BootImageID() string
	Images() []*image.Image
	Command() string
	FinalImage() string
	ResetWhenComplete() bool
	SecureBoot() image.SecureBootVersion
	MemoryLayout() image.MemoryLayout
	DDRType() image.DDRType
}

// common holds the fields every Plan variant shares.
type common struct {
	chip, board, bootImageID string
	secureBoot                image.SecureBootVersion
	memoryLayout              image.MemoryLayout
	ddrType                   image.DDRType
	resetWhenComplete         bool
	images                    []*image.Image
}

func (c *common) Chip() string                             { return c.chip }
func (c *common) Board() string                            { return c.board }
func (c *common) BootImageID() string                       { return c.bootImageID }
func (c *common) Images() []*image.Image                    { return c.images }
func (c *common) ResetWhenComplete() bool                   { return c.resetWhenComplete }
func (c *common) SecureBoot() image.SecureBootVersion       { return c.secureBoot }
func (c *common) MemoryLayout() image.MemoryLayout          { return c.memoryLayout }
func (c *common) DDRType() image.DDRType                    { return c.ddrType }

func (c *common) applyManifest(m *manifest.Manifest) error {
	c.chip = strings.ToLower(m.Values["chip"])
	c.board = strings.ToLower(m.Values["board"])
	c.bootImageID = m.Values["boot_image"]

	switch strings.ToLower(m.Values["secure_boot"]) {
	case "genx":
		c.secureBoot = image.SecureBootV3
	default:
		c.secureBoot = image.SecureBootV2
	}

	if v, ok := m.Values["memory_layout"]; ok && v != "" {
		layout, err := image.ParseMemoryLayout(strings.ToLower(v))
		if err != nil {
			return pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: memory_layout %q", pkg.ErrConfigInvalid, v))
		}
		c.memoryLayout = layout
	}

	switch strings.ToLower(m.Values["ddr_type"]) {
	case "ddr3":
		c.ddrType = image.DDRTypeDDR3
	case "ddr4":
		c.ddrType = image.DDRTypeDDR4
	case "lpddr4":
		c.ddrType = image.DDRTypeLPDDR4
	case "lpddr4x":
		c.ddrType = image.DDRTypeLPDDR4X
	case "ddr4x16":
		c.ddrType = image.DDRTypeDDR4X16
	default:
		c.ddrType = image.DDRTypeNotSpecified
	}

	c.resetWhenComplete = !strings.EqualFold(m.Values["reset"], "disable")
	return nil
}

// Factory builds a Plan from a flash-image directory, its optional
// manifest.yaml, and caller-supplied config that is merged over it (config
// wins on conflict). If imagePath itself names a single file, a minimal
// single-image SPI plan is built directly from config.
func Factory(imagePath string, config *manifest.Manifest) (Plan, error) {
	if config == nil {
		config = &manifest.Manifest{Values: map[string]string{}}
	}

	resolvedPath := imagePath
	manifestPath := filepath.Join(imagePath, "manifest.yaml")
	if _, err := os.Stat(manifestPath); err != nil {
		if os.IsNotExist(err) && filepath.Base(imagePath) == "eMMCimg" {
			alt := filepath.Join(filepath.Dir(imagePath), "SYNAIMG")
			if _, altErr := os.Stat(filepath.Join(alt, "manifest.yaml")); altErr == nil {
				resolvedPath = alt
				manifestPath = filepath.Join(alt, "manifest.yaml")
			}
		}
	}

	merged := config
	if m, err := manifest.Load(manifestPath); err == nil {
		merged = m.Merge(config)
	} else if !isNotFoundErr(err) {
		return nil, err
	}

	typ := parseType(merged.Values["image_type"], resolvedPath)

	switch typ {
	case TypeSPI:
		return loadSPI(resolvedPath, merged)
	case TypeEMMC:
		return loadEMMC(resolvedPath, merged)
	case TypeNAND:
		return nil, pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: nand flash not supported", pkg.ErrNotSupported))
	default:
		return nil, pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: unrecognized image_type", pkg.ErrConfigInvalid))
	}
}

func isNotFoundErr(err error) bool {
	// ENOTDIR: imagePath is a single file, so imagePath/manifest.yaml cannot exist.
	return err != nil && (os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) || strings_contains(err.Error(), "not found"))
}

func strings_contains(s, sub string) bool { return strings.Contains(s, sub) }

// parseType determines the flash type from the manifest's image_type key,
// falling back to the presence of emmc_part_list in the directory — a
// Yocto-build convention the original tooling auto-detects from.
func parseType(v, dir string) Type {
	switch strings.ToLower(v) {
	case "spi":
		return TypeSPI
	case "nand":
		return TypeNAND
	case "emmc":
		return TypeEMMC
	}

	if _, err := os.Stat(filepath.Join(dir, "emmc_part_list")); err == nil {
		return TypeEMMC
	}
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return TypeSPI
	}
	return TypeUnknown
}
