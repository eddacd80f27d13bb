// Package manifest loads the flat key/value manifest.yaml files that
// describe boot bundles and flash plans. It treats a manifest as "read
// key/value pairs from a file" — no schema validation beyond what's needed
// to hand scalar strings and the optional images list to callers.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/astra-update/pkg"
)

// Manifest is a parsed manifest.yaml: a flat string-keyed map of scalar
// values plus an optional ordered "images" section, each entry itself a
// flat string-keyed map (used by FlashPlan's per-image SPI overrides).
type Manifest struct {
	Values map[string]string
	Images []map[string]string
}

// Load reads and parses path as a manifest.yaml. Every scalar value is
// stringified; the reserved "images" key, if present and a sequence, is
// parsed separately into Images and excluded from Values.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkg.Classify(pkg.KindBundleNotFound, pkg.ErrNotFound)
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, pkg.Classify(pkg.KindConfigInvalid, fmt.Errorf("%w: %v", pkg.ErrConfigInvalid, err))
	}

	m := &Manifest{Values: make(map[string]string)}

	for key, val := range raw {
		if key == "images" {
			seq, ok := val.([]any)
			if !ok {
				continue
			}
			for _, item := range seq {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				m.Images = append(m.Images, stringifyMap(entry))
			}
			continue
		}
		m.Values[key] = stringify(val)
	}

	return m, nil
}

// Merge overlays o's values on top of m, returning a new Manifest whose
// Values prefer o wherever both define a key. This is the "config wins over
// manifest" merge FlashPlan loading uses.
func (m *Manifest) Merge(o *Manifest) *Manifest {
	out := &Manifest{Values: make(map[string]string, len(m.Values)+len(o.Values))}
	for k, v := range m.Values {
		out.Values[k] = v
	}
	for k, v := range o.Values {
		out.Values[k] = v
	}
	if len(o.Images) > 0 {
		out.Images = o.Images
	} else {
		out.Images = m.Images
	}
	return out
}

func stringifyMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
