package flashplan

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

// SPI default addresses (§6), used whenever a manifest/config doesn't
// override them.
const (
	defaultReadAddress            = 0x10000000
	defaultWriteFirstCopyAddress  = 0xf0000000
	defaultWriteSecondCopyAddress = 0xf0200000
	defaultWriteLength            = 0x200000
)

// spiImage is one image in a SPI flash sequence, with its own set of
// addresses (each image may override the plan-wide defaults).
type spiImage struct {
	img                       *image.Image
	readAddress               uint64
	writeFirstCopyAddress     uint64
	writeSecondCopyAddress    uint64
	writeLength               uint64
	eraseFirstStartAddress    uint64
	eraseFirstLength          uint64
	eraseSecondStartAddress   uint64
	eraseSecondLength         uint64
}

func (si spiImage) command() string {
	e1end := si.eraseFirstStartAddress + si.eraseFirstLength - 1
	e2end := si.eraseSecondStartAddress + si.eraseSecondLength - 1
	return fmt.Sprintf(
		"usbload %s 0x%x; spinit; erase 0x%x 0x%x; cp.b 0x%x 0x%x 0x%x; erase 0x%x 0x%x; cp.b 0x%x 0x%x 0x%x; ",
		si.img.Name(), si.readAddress,
		si.eraseFirstStartAddress, e1end,
		si.readAddress, si.writeFirstCopyAddress, si.writeLength,
		si.eraseSecondStartAddress, e2end,
		si.readAddress, si.writeSecondCopyAddress, si.writeLength,
	)
}

// SPIPlan is a flash job targeting SPI NOR, with one or more images each
// written to a primary and secondary copy address.
type SPIPlan struct {
	common
	spiImages []spiImage
}

func (p *SPIPlan) Type() Type { return TypeSPI }

func (p *SPIPlan) Command() string {
	var b strings.Builder
	for _, si := range p.spiImages {
		b.WriteString(si.command())
	}
	cmd := b.String()
	if p.resetWhenComplete {
		cmd += "; sleep 1; reset"
	}
	return cmd
}

func (p *SPIPlan) FinalImage() string {
	if len(p.spiImages) == 0 {
		return ""
	}
	return p.spiImages[len(p.spiImages)-1].img.Name()
}

func loadSPI(dir string, m *manifest.Manifest) (Plan, error) {
	p := &SPIPlan{}
	if err := p.applyManifest(m); err != nil {
		return nil, err
	}

	defaults := spiImage{
		readAddress:             defaultReadAddress,
		writeFirstCopyAddress:   defaultWriteFirstCopyAddress,
		writeSecondCopyAddress:  defaultWriteSecondCopyAddress,
		writeLength:             defaultWriteLength,
		eraseFirstStartAddress:  defaultWriteFirstCopyAddress,
		eraseFirstLength:        defaultWriteLength,
		eraseSecondStartAddress: defaultWriteSecondCopyAddress,
		eraseSecondLength:       defaultWriteLength,
	}

	if len(m.Images) > 0 {
		for _, entry := range m.Images {
			si, err := buildSPIImage(dir, entry, defaults)
			if err != nil {
				return nil, err
			}
			p.spiImages = append(p.spiImages, si)
			p.images = append(p.images, si.img)
		}
		return p, nil
	}

	entry := m.Values
	imageFile := entry["image_file"]
	path := dir
	if imageFile != "" {
		path = filepath.Join(dir, imageFile)
		if _, err := os.Stat(path); err != nil {
			return nil, pkg.Classify(pkg.KindImageMissing, fmt.Errorf("%w: %s", pkg.ErrNotFound, path))
		}
	} else if info, err := os.Stat(dir); err != nil || info.IsDir() {
		return nil, pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: no image_file and %s is a directory", pkg.ErrConfigInvalid, dir))
	}

	si, err := buildSPIImage(filepath.Dir(path), entry, defaults)
	if err != nil {
		return nil, err
	}
	si.img = image.New(path, image.CategoryUpdateSPI)
	p.spiImages = append(p.spiImages, si)
	p.images = append(p.images, si.img)

	return p, nil
}

func buildSPIImage(dir string, entry map[string]string, defaults spiImage) (spiImage, error) {
	si := defaults

	if v, ok := entry["image_file"]; ok && v != "" {
		si.img = image.New(filepath.Join(dir, v), image.CategoryUpdateSPI)
	}

	overrides := map[string]*uint64{
		"read_address":                &si.readAddress,
		"write_first_copy_address":    &si.writeFirstCopyAddress,
		"write_second_copy_address":   &si.writeSecondCopyAddress,
		"write_length":                &si.writeLength,
		"erase_first_start_address":   &si.eraseFirstStartAddress,
		"erase_first_length":          &si.eraseFirstLength,
		"erase_second_start_address":  &si.eraseSecondStartAddress,
		"erase_second_length":         &si.eraseSecondLength,
	}

	for key, dst := range overrides {
		v, ok := entry[key]
		if !ok || v == "" {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 64)
		if err != nil {
			return si, pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: %s %q", pkg.ErrConfigInvalid, key, v))
		}
		*dst = n
	}

	return si, nil
}

var _ Plan = (*SPIPlan)(nil)
