package bootbundle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ardnew/astra-update/internal/image"
	"github.com/ardnew/astra-update/pkg"
)

// Collection is a set of loaded bundles, one per sub-directory of a bundle
// root, each identified by its manifest's bundle id.
type Collection struct {
	byID map[string]*Bundle
	all  []*Bundle
}

// LoadCollection loads every sub-directory of root that contains a
// manifest.yaml as a Bundle. If root itself contains manifest.yaml (a boot
// job pointed directly at a single bundle), it is loaded alone.
func LoadCollection(root string) (*Collection, error) {
	if _, err := os.Stat(filepath.Join(root, "manifest.yaml")); err == nil {
		b, err := Load(root)
		if err != nil {
			return nil, err
		}
		return &Collection{byID: map[string]*Bundle{b.ID: b}, all: []*Bundle{b}}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, pkg.Classify(pkg.KindBundleNotFound, err)
	}

	c := &Collection{byID: make(map[string]*Bundle)}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "manifest.yaml")); err != nil {
			continue
		}
		b, err := Load(dir)
		if err != nil {
			return nil, err
		}
		c.byID[b.ID] = b
		c.all = append(c.all, b)
	}

	if len(c.all) == 0 {
		return nil, pkg.Classify(pkg.KindBundleNotFound, fmt.Errorf("%w: no bundles under %s", pkg.ErrNotFound, root))
	}
	return c, nil
}

// ByID returns the bundle with the exact given id, or an error if absent.
func (c *Collection) ByID(id string) (*Bundle, error) {
	b, ok := c.byID[id]
	if !ok {
		return nil, pkg.Classify(pkg.KindBundleNotFound, fmt.Errorf("%w: bundle id %q", pkg.ErrNotFound, id))
	}
	return b, nil
}

// All returns every loaded bundle, in load order.
func (c *Collection) All() []*Bundle { return c.all }

// Criteria selects candidate bundles for an update job whose FlashPlan does
// not pin a bundle id. Limited to chip, secure-boot, memory-layout, and
// optionally board (spec §4.7) — DDRType is a flash-plan concern, not a
// bundle-selection one.
type Criteria struct {
	Chip         string
	SecureBoot   image.SecureBootVersion
	MemoryLayout image.MemoryLayout
	Board        string // empty matches any board
}

func (cr Criteria) matches(b *Bundle) bool {
	if b.Chip != cr.Chip || b.SecureBoot != cr.SecureBoot || b.MemoryLayout != cr.MemoryLayout {
		return false
	}
	if cr.Board != "" && b.Board != cr.Board {
		return false
	}
	return true
}

// SelectBest picks the best bundle matching cr, using the priority order
// from §4.7: Vendor U-Boot with uEnv > any bundle with uEnv > bundle with
// USB console and no uEnv > first match.
func (c *Collection) SelectBest(cr Criteria) (*Bundle, error) {
	var matches []*Bundle
	for _, b := range c.all {
		if cr.matches(b) {
			matches = append(matches, b)
		}
	}
	if len(matches) == 0 {
		return nil, pkg.Classify(pkg.KindBundleNotFound, fmt.Errorf("%w: no bundle matches chip=%s", pkg.ErrNotFound, cr.Chip))
	}

	var best *Bundle
	for _, b := range matches {
		switch {
		case b.Uboot == UbootVendor && b.hasUEnv():
			return b, nil
		case best == nil:
			best = b
		case b.hasUEnv() && !best.hasUEnv():
			best = b
		case b.Console == ConsoleUSB && !b.hasUEnv() && !best.hasUEnv():
			best = b
		}
	}
	return best, nil
}
