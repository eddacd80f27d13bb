// Package image models a single file served over the bulk image channel:
// its path, basename, recorded size, and category (boot stage vs. one of the
// update flash targets).
package image

import (
	"io"
	"os"
	"path/filepath"

	"github.com/ardnew/astra-update/pkg"
)

// Category classifies what an Image is used for.
type Category int

// Image categories, mirroring the four image roles the protocol distinguishes.
const (
	CategoryBoot Category = iota
	CategoryUpdateEMMC
	CategoryUpdateSPI
	CategoryUpdateNAND
)

// String returns a lower-case identifier for the category.
func (c Category) String() string {
	switch c {
	case CategoryUpdateEMMC:
		return "update_emmc"
	case CategoryUpdateSPI:
		return "update_spi"
	case CategoryUpdateNAND:
		return "update_nand"
	default:
		return "boot"
	}
}

// SecureBootVersion identifies the device's secure boot ROM generation.
type SecureBootVersion int

const (
	SecureBootV2 SecureBootVersion = iota
	SecureBootV3
)

func (v SecureBootVersion) String() string {
	if v == SecureBootV3 {
		return "genx"
	}
	return "gen2"
}

// MemoryLayout identifies the amount of DRAM present on the board.
type MemoryLayout int

const (
	MemoryLayout1GB MemoryLayout = iota
	MemoryLayout2GB
	MemoryLayout3GB
	MemoryLayout4GB
)

func (m MemoryLayout) String() string {
	switch m {
	case MemoryLayout1GB:
		return "1GB"
	case MemoryLayout2GB:
		return "2GB"
	case MemoryLayout3GB:
		return "3GB"
	case MemoryLayout4GB:
		return "4GB"
	default:
		return "unknown"
	}
}

// ParseMemoryLayout parses a lower-cased "1gb".."4gb" manifest value.
func ParseMemoryLayout(s string) (MemoryLayout, error) {
	switch s {
	case "1gb":
		return MemoryLayout1GB, nil
	case "2gb":
		return MemoryLayout2GB, nil
	case "3gb":
		return MemoryLayout3GB, nil
	case "4gb":
		return MemoryLayout4GB, nil
	default:
		return 0, pkg.Classify(pkg.KindConfigInvalid, pkg.ErrConfigInvalid)
	}
}

// DDRType identifies the DRAM technology present on the board. Not every
// bundle specifies one; NotSpecified matches any requested type.
type DDRType int

const (
	DDRTypeNotSpecified DDRType = iota
	DDRTypeDDR3
	DDRTypeDDR4
	DDRTypeLPDDR4
	DDRTypeLPDDR4X
	DDRTypeDDR4X16
)

func (d DDRType) String() string {
	switch d {
	case DDRTypeDDR3:
		return "DDR3"
	case DDRTypeDDR4:
		return "DDR4"
	case DDRTypeLPDDR4:
		return "LPDDR4"
	case DDRTypeLPDDR4X:
		return "LPDDR4X"
	case DDRTypeDDR4X16:
		return "DDR4X16"
	default:
		return "not_specified"
	}
}

// Image is a single file servable over the bulk image channel.
type Image struct {
	path     string
	name     string
	category Category

	size int64
	f    *os.File
	pos  int64
}

// New constructs an Image for path without opening it.
func New(path string, category Category) *Image {
	return &Image{
		path:     path,
		name:     filepath.Base(path),
		category: category,
	}
}

// Name returns the image's basename, the identifier used on the wire.
func (img *Image) Name() string { return img.name }

// Path returns the image's full filesystem path.
func (img *Image) Path() string { return img.path }

// Category returns the image's category.
func (img *Image) Category() Category { return img.category }

// Size returns the image's recorded size. Valid only after Open succeeds.
func (img *Image) Size() int64 { return img.size }

// Open stats and opens the backing file, recording its size for later
// NextBlock over-read protection.
func (img *Image) Open() error {
	info, err := os.Stat(img.path)
	if err != nil {
		if os.IsNotExist(err) {
			return pkg.Classify(pkg.KindImageMissing, pkg.ErrNotFound)
		}
		if os.IsPermission(err) {
			return pkg.Classify(pkg.KindImageMissing, pkg.ErrPermission)
		}
		return err
	}

	f, err := os.Open(img.path)
	if err != nil {
		return err
	}

	img.f = f
	img.size = info.Size()
	img.pos = 0
	return nil
}

// Close releases the backing file. Safe to call on an unopened Image.
func (img *Image) Close() error {
	if img.f == nil {
		return nil
	}
	err := img.f.Close()
	img.f = nil
	return err
}

// NextBlock reads up to len(buf) bytes starting at the image's current read
// position, clamped so a read never extends past the size recorded at Open
// time (guards against the file growing underneath us mid-send). If the
// backing file has shrunk since Open — the actual read comes up short of
// the clamped request — NextBlock fails with pkg.ErrShort, mirroring
// original_source/lib/image.cpp's GetDataBlock bytesRead-vs-readSize check.
func (img *Image) NextBlock(buf []byte) (int, error) {
	if img.f == nil {
		return 0, pkg.Classify(pkg.KindInternal, pkg.ErrInvalidState)
	}

	want := int64(len(buf))
	remaining := img.size - img.pos
	if want > remaining {
		want = remaining
	}
	if want <= 0 {
		return 0, nil
	}

	n, err := img.f.Read(buf[:want])
	img.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, pkg.Classify(pkg.KindImageMissing, err)
	}
	if int64(n) != want {
		return n, pkg.Classify(pkg.KindImageMissing, pkg.ErrShort)
	}
	return n, nil
}

// Reset seeks the read position back to the start of the image, so the
// same open Image can be read again. The session code reopens images with
// Open instead of calling Reset.
func (img *Image) Reset() error {
	if img.f == nil {
		return nil
	}
	_, err := img.f.Seek(0, os.SEEK_SET)
	img.pos = 0
	return err
}
