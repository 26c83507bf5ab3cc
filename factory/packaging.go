package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
)

// PackageJSON is the JSON representation of one package type.
type PackageJSON struct {
	Type          string          `json:"type"`
	VolumePerUnit decimal.Decimal `json:"volume_per_unit"` // liters
	MaterialSKUs  []string        `json:"material_skus,omitempty"`
}

// Catalog resolves package types. It is immutable after construction and
// safe for concurrent use.
type Catalog struct {
	specs map[string]generic.PackageSpec
}

// DefaultPackages are the built-in package types.
var DefaultPackages = []PackageJSON{
	{Type: "keg_half", VolumePerUnit: decimal.RequireFromString("58.67")},
	{Type: "keg_sixth", VolumePerUnit: decimal.RequireFromString("19.55")},
	{Type: "can_16oz", VolumePerUnit: decimal.RequireFromString("0.473"), MaterialSKUs: []string{"CAN-16OZ", "LID-202"}},
	{Type: "bottle_12oz", VolumePerUnit: decimal.RequireFromString("0.355"), MaterialSKUs: []string{"BOTTLE-12OZ", "CAP-26MM"}},
}

// NewCatalog builds a catalog from package definitions. Later entries
// override earlier ones with the same type.
func NewCatalog(packages ...PackageJSON) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]generic.PackageSpec, len(packages))}
	for _, pj := range packages {
		name := strings.TrimSpace(pj.Type)
		if name == "" {
			return nil, generic.Invalid("type", "package type name required")
		}
		if !pj.VolumePerUnit.IsPositive() {
			return nil, generic.Invalid("volume_per_unit", "package %q must have a positive volume", name)
		}
		c.specs[name] = generic.PackageSpec{
			Type:          name,
			VolumePerUnit: pj.VolumePerUnit,
			MaterialSKUs:  append([]string(nil), pj.MaterialSKUs...),
		}
	}
	return c, nil
}

// DefaultCatalog is NewCatalog(DefaultPackages...).
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPackages...)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCatalog reads a JSON array of package types layered over the defaults.
func ParseCatalog(data []byte) (*Catalog, error) {
	var extra []PackageJSON
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, &generic.ValidationError{Field: "packaging", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return NewCatalog(append(append([]PackageJSON(nil), DefaultPackages...), extra...)...)
}

// LoadCatalog reads path with ParseCatalog. An empty path yields the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packaging catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Resolve returns the spec for packageType.
func (c *Catalog) Resolve(packageType string) (generic.PackageSpec, error) {
	spec, ok := c.specs[packageType]
	if !ok {
		return generic.PackageSpec{}, generic.Invalid("package_type", "unknown package type %q", packageType)
	}
	spec.MaterialSKUs = append([]string(nil), spec.MaterialSKUs...)
	return spec, nil
}

// Types lists the known package types in name order.
func (c *Catalog) Types() []generic.PackageSpec {
	out := make([]generic.PackageSpec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
