package flashplan

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ardnew/astra-update/internal/image"
	"github.com/ardnew/astra-update/internal/manifest"
	"github.com/ardnew/astra-update/pkg"
)

// EMMCPlan is a flash job that writes a directory of eMMC partition images
// via U-Boot's l2emmc command.
type EMMCPlan struct {
	common
	dir        string
	finalImage string
}

func (p *EMMCPlan) Type() Type        { return TypeEMMC }
func (p *EMMCPlan) FinalImage() string { return p.finalImage }

func (p *EMMCPlan) Command() string {
	dirName := strings.TrimSuffix(filepath.Base(p.dir), "/")
	cmd := fmt.Sprintf("l2emmc %s", dirName)
	if p.resetWhenComplete {
		cmd += "; sleep 1; reset"
	}
	return cmd
}

func loadEMMC(dir string, m *manifest.Manifest) (Plan, error) {
	p := &EMMCPlan{dir: strings.TrimSuffix(dir, "/")}
	if err := p.applyManifest(m); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, pkg.Classify(pkg.KindBundleNotFound, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.Contains(name, "emmc") || strings.Contains(name, "subimg") {
			p.images = append(p.images, image.New(filepath.Join(dir, name), image.CategoryUpdateEMMC))
		}
	}

	final, err := parseEmmcImageList(filepath.Join(dir, "emmc_image_list"))
	if err != nil {
		return nil, err
	}
	p.finalImage = final

	return p, nil
}

// parseEmmcImageList reads the last non-blank line of an emmc_image_list
// file and returns its first comma-delimited field — the name of the final
// image in the flash sequence.
func parseEmmcImageList(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: %s", pkg.ErrNotFound, path))
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if last == "" {
		return "", pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: empty emmc_image_list", pkg.ErrConfigInvalid))
	}

	field := strings.Split(last, ",")[0]
	return strings.TrimSpace(strings.TrimSuffix(field, ",")), nil
}

var _ Plan = (*EMMCPlan)(nil)
