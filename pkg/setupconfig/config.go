// Package setupconfig models the setup configuration file and builds it from
// version defaults, an external ini file and caller overrides.
package setupconfig

import (
	"sort"
	"strings"

	"github.com/davidthor/instctl/pkg/version"
)

const (
	// SectionLegacy is the top-level section used by builds below 11.0.
	SectionLegacy = "SQLSERVER2008"
	// SectionOptions is the top-level section used from 11.0 on.
	SectionOptions = "OPTIONS"
)

// SectionFor returns the section key fixed by the resolved build.
func SectionFor(v *version.Descriptor) string {
	if v.Below("11.0") {
		return SectionLegacy
	}
	return SectionOptions
}

// Value is either a single string or a list of strings.
type Value struct {
	items []string
	list  bool
}

// Scalar creates a single-string value.
func Scalar(s string) Value {
	return Value{items: []string{s}}
}

// List creates a list value.
func List(items ...string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{items: cp, list: true}
}

// IsList reports whether v holds a list.
func (v Value) IsList() bool { return v.list }

// Items returns the list entries, or the scalar as a one-element slice.
func (v Value) Items() []string {
	cp := make([]string, len(v.items))
	copy(cp, v.items)
	return cp
}

func (v Value) String() string {
	if !v.list {
		if len(v.items) == 0 {
			return ""
		}
		return v.items[0]
	}
	return strings.Join(v.items, " ")
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	if v.list != o.list || len(v.items) != len(o.items) {
		return false
	}
	for i := range v.items {
		if v.items[i] != o.items[i] {
			return false
		}
	}
	return true
}

// Configuration is an ordered key/value mapping under one section.
// Keys are case-insensitive and stored upper-cased.
type Configuration struct {
	section string
	keys    []string
	values  map[string]Value
}

// New creates an empty configuration for section.
func New(section string) *Configuration {
	return &Configuration{section: section, values: make(map[string]Value)}
}

// Section returns the top-level section key.
func (c *Configuration) Section() string { return c.section }

func normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Set adds or replaces key. Replaced keys keep their position.
func (c *Configuration) Set(key string, v Value) {
	k := normalize(key)
	if _, ok := c.values[k]; !ok {
		c.keys = append(c.keys, k)
	}
	c.values[k] = v
}

// SetString is Set with a scalar.
func (c *Configuration) SetString(key, v string) {
	c.Set(key, Scalar(v))
}

// Get returns the value for key.
func (c *Configuration) Get(key string) (Value, bool) {
	v, ok := c.values[normalize(key)]
	return v, ok
}

// GetString returns the value rendered as a string, or "".
func (c *Configuration) GetString(key string) string {
	v, _ := c.Get(key)
	return v.String()
}

// Has reports whether key is set.
func (c *Configuration) Has(key string) bool {
	_, ok := c.values[normalize(key)]
	return ok
}

// Delete removes key.
func (c *Configuration) Delete(key string) {
	k := normalize(key)
	if _, ok := c.values[k]; !ok {
		return
	}
	delete(c.values, k)
	for i, existing := range c.keys {
		if existing == k {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

// Keys lists keys in insertion order.
func (c *Configuration) Keys() []string {
	cp := make([]string, len(c.keys))
	copy(cp, c.keys)
	return cp
}

// Len returns the number of keys.
func (c *Configuration) Len() int { return len(c.keys) }

// Merge copies every key of other over c.
func (c *Configuration) Merge(other *Configuration) {
	for _, k := range other.keys {
		c.Set(k, other.values[k])
	}
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	out := New(c.section)
	for _, k := range c.keys {
		v := c.values[k]
		out.Set(k, Value{items: v.Items(), list: v.list})
	}
	return out
}

// Map flattens the configuration for display and persistence.
func (c *Configuration) Map() map[string]string {
	out := make(map[string]string, len(c.keys))
	for _, k := range c.keys {
		out[k] = c.values[k].String()
	}
	return out
}

// SortedKeys lists keys alphabetically.
func (c *Configuration) SortedKeys() []string {
	keys := c.Keys()
	sort.Strings(keys)
	return keys
}
