// Package version resolves requested product versions against a build catalog.
package version

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/davidthor/instctl/pkg/errors"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Descriptor is a requested version resolved to a known build.
type Descriptor struct {
	// Requested is what the caller asked for, e.g. "2017".
	Requested string
	// Name is the catalog name, e.g. "2017" or "2008R2".
	Name string
	// Canonical is the major.minor version, e.g. 14.0.
	Canonical *goversion.Version
	// Build is the full build reference from the catalog.
	Build *goversion.Version
}

// MajorMinor renders the canonical version as "major.minor".
func (d *Descriptor) MajorMinor() string {
	return MajorMinor(d.Canonical)
}

// AtLeast reports whether the resolved build is at or above v.
func (d *Descriptor) AtLeast(v string) bool {
	return d.Canonical.GreaterThanOrEqual(mustParse(v))
}

// Below reports whether the resolved build is strictly below v.
func (d *Descriptor) Below(v string) bool {
	return d.Canonical.LessThan(mustParse(v))
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Build)
}

// Resolver resolves a requested major version to a build.
type Resolver interface {
	ResolveBuild(major string) (*Descriptor, error)
}

type entry struct {
	Name      string `yaml:"name"`
	Canonical string `yaml:"canonical"`
	Build     string `yaml:"build"`
}

// Catalog is an in-memory Resolver.
type Catalog struct {
	entries []*Descriptor
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(catalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded version catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog parses a YAML catalog document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Versions []entry `yaml:"versions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.ParseError("version catalog", err)
	}

	c := &Catalog{}
	for _, e := range doc.Versions {
		canonical, err := goversion.NewVersion(e.Canonical)
		if err != nil {
			return nil, fmt.Errorf("version %s: invalid canonical version %q: %w", e.Name, e.Canonical, err)
		}
		build, err := goversion.NewVersion(e.Build)
		if err != nil {
			return nil, fmt.Errorf("version %s: invalid build %q: %w", e.Name, e.Build, err)
		}
		c.entries = append(c.entries, &Descriptor{Name: e.Name, Canonical: canonical, Build: build})
	}

	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].Canonical.LessThan(c.entries[j].Canonical)
	})
	return c, nil
}

// ResolveBuild accepts a release name ("2017", "2008r2") or a canonical
// major.minor ("14.0").
func (c *Catalog) ResolveBuild(major string) (*Descriptor, error) {
	want := strings.TrimSpace(major)
	for _, d := range c.entries {
		if strings.EqualFold(d.Name, want) || d.MajorMinor() == want {
			resolved := *d
			resolved.Requested = major
			return &resolved, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeVersionUnknown, "version %q is not in the build catalog", major).
		WithDetail("version", major)
}

// Names lists catalog names in ascending version order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, d := range c.entries {
		names = append(names, d.Name)
	}
	return names
}

// MajorMinor renders the first two segments of v.
func MajorMinor(v *goversion.Version) string {
	seg := v.Segments()
	for len(seg) < 2 {
		seg = append(seg, 0)
	}
	return fmt.Sprintf("%d.%d", seg[0], seg[1])
}

// SameMajorMinor reports whether a version string matches the major and
// minor of want. Unparseable strings never match.
func SameMajorMinor(s string, want *goversion.Version) bool {
	v, err := goversion.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return MajorMinor(v) == MajorMinor(want)
}

// InWindow reports whether v lies within [min, max]. Empty bounds are open.
func InWindow(v *goversion.Version, min, max string) (bool, error) {
	var parts []string
	if min != "" {
		parts = append(parts, ">= "+min)
	}
	if max != "" {
		parts = append(parts, "<= "+max)
	}
	if len(parts) == 0 {
		return true, nil
	}
	constraints, err := goversion.NewConstraint(strings.Join(parts, ", "))
	if err != nil {
		return false, err
	}
	return constraints.Check(v), nil
}

func mustParse(v string) *goversion.Version {
	parsed, err := goversion.NewVersion(v)
	if err != nil {
		panic(fmt.Sprintf("invalid version literal %q: %v", v, err))
	}
	return parsed
}
