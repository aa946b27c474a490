// Package features maps user-facing feature names to setup feature tokens.
package features

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/version"
)

//go:embed features.yaml
var tableYAML []byte

const (
	TemplateDefault = "Default"
	TemplateAll     = "All"
)

// Feature is one row of the lookup table.
type Feature struct {
	Name       string   `yaml:"name"`
	Tokens     []string `yaml:"tokens"`
	MinVersion string   `yaml:"min_version,omitempty"`
	MaxVersion string   `yaml:"max_version,omitempty"`
}

// AppliesTo reports whether the feature can be installed on v.
func (f Feature) AppliesTo(v *version.Descriptor) (bool, error) {
	return version.InWindow(v.Canonical, f.MinVersion, f.MaxVersion)
}

// Table is a feature lookup table with named templates.
type Table struct {
	features  []Feature
	index     map[string]int
	templates map[string][]string
	names     []string
}

// DefaultTable returns the embedded table.
func DefaultTable() *Table {
	t, err := LoadTable(tableYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded feature table is invalid: %v", err))
	}
	return t
}

// LoadTable parses a YAML table document.
func LoadTable(data []byte) (*Table, error) {
	var doc struct {
		Features  []Feature           `yaml:"features"`
		Templates map[string][]string `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.ParseError("feature table", err)
	}
	return NewTable(doc.Features, doc.Templates)
}

// NewTable validates features and templates and builds a Table.
func NewTable(features []Feature, templates map[string][]string) (*Table, error) {
	t := &Table{
		features:  features,
		index:     make(map[string]int, len(features)),
		templates: make(map[string][]string, len(templates)),
	}
	for i, f := range features {
		key := strings.ToLower(f.Name)
		if _, dup := t.index[key]; dup {
			return nil, fmt.Errorf("feature %s is defined twice", f.Name)
		}
		if len(f.Tokens) == 0 {
			return nil, fmt.Errorf("feature %s has no tokens", f.Name)
		}
		for _, bound := range []string{f.MinVersion, f.MaxVersion} {
			if bound == "" {
				continue
			}
			if _, err := goversion.NewVersion(bound); err != nil {
				return nil, fmt.Errorf("feature %s: invalid version bound %q: %w", f.Name, bound, err)
			}
		}
		t.index[key] = i
	}
	for name, members := range templates {
		for _, m := range members {
			if _, ok := t.index[strings.ToLower(m)]; !ok {
				return nil, fmt.Errorf("template %s references unknown feature %s", name, m)
			}
		}
		t.templates[strings.ToLower(name)] = members
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

// IsTemplate reports whether name is a template alias.
func (t *Table) IsTemplate(name string) bool {
	_, ok := t.templates[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Templates lists template names as they were defined, sorted.
func (t *Table) Templates() []string {
	return append([]string(nil), t.names...)
}

// Members returns a template's feature names.
func (t *Table) Members(template string) []string {
	return t.templates[strings.ToLower(strings.TrimSpace(template))]
}

// Lookup finds a feature by name, case-insensitively.
func (t *Table) Lookup(name string) (Feature, bool) {
	i, ok := t.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Feature{}, false
	}
	return t.features[i], true
}

// Applicable lists features that can be installed on v, sorted by name.
func (t *Table) Applicable(v *version.Descriptor) []Feature {
	var out []Feature
	for _, f := range t.features {
		if ok, err := f.AppliesTo(v); err == nil && ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve expands names into setup tokens for v. Templates silently drop
// members that do not apply to v; an explicit name that is unknown or does
// not apply fails the whole resolution.
func (t *Table) Resolve(names []string, v *version.Descriptor) (*Set, error) {
	set := &Set{seen: make(map[string]bool)}

	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}

		if members, ok := t.templates[strings.ToLower(name)]; ok {
			for _, m := range members {
				f, _ := t.Lookup(m)
				applies, err := f.AppliesTo(v)
				if err != nil {
					return nil, err
				}
				if applies {
					set.add(f)
				}
			}
			continue
		}

		f, ok := t.Lookup(name)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeFeatureUnsupported, "unknown feature %s", name).
				WithDetail("feature", name).
				WithDetail("version", v.Name)
		}
		applies, err := f.AppliesTo(v)
		if err != nil {
			return nil, err
		}
		if !applies {
			return nil, errors.FeatureUnsupported(f.Name, v.Name)
		}
		set.add(f)
	}

	if len(set.Tokens) == 0 {
		return nil, errors.ValidationError("no features selected", map[string]interface{}{"version": v.Name})
	}
	return set, nil
}

// Set is an ordered, de-duplicated list of setup tokens.
type Set struct {
	Names  []string
	Tokens []string
	seen   map[string]bool
}

func (s *Set) add(f Feature) {
	if s.seen["feature:"+strings.ToLower(f.Name)] {
		return
	}
	s.seen["feature:"+strings.ToLower(f.Name)] = true
	s.Names = append(s.Names, f.Name)
	for _, tok := range f.Tokens {
		key := strings.ToUpper(tok)
		if s.seen[key] {
			continue
		}
		s.seen[key] = true
		s.Tokens = append(s.Tokens, tok)
	}
}

// Contains reports whether token is in the set.
func (s *Set) Contains(token string) bool {
	for _, tok := range s.Tokens {
		if strings.EqualFold(tok, token) {
			return true
		}
	}
	return false
}

// String renders the tokens the way setup expects them.
func (s *Set) String() string {
	return strings.Join(s.Tokens, ",")
}
