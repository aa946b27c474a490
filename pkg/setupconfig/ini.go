package setupconfig

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/davidthor/instctl/pkg/errors"
)

var loadOptions = ini.LoadOptions{
	IgnoreContinuation:      true,
	IgnoreInlineComment:     true,
	PreserveSurroundedQuote: true,
	SkipUnrecognizableLines: true,
}

// Decode reads a setup configuration file. Exactly one of the OPTIONS or
// SQLSERVER2008 sections must be present.
func Decode(data []byte) (*Configuration, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfig, "cannot read setup configuration", err)
	}

	var found *ini.Section
	for _, sec := range f.Sections() {
		name := strings.ToUpper(sec.Name())
		if name != SectionOptions && name != SectionLegacy {
			continue
		}
		if found != nil {
			return nil, errors.Newf(errors.ErrCodeConfig, "setup configuration has both %s and %s sections", found.Name(), sec.Name())
		}
		found = sec
	}
	if found == nil {
		return nil, errors.Newf(errors.ErrCodeConfig, "setup configuration has no %s or %s section", SectionOptions, SectionLegacy)
	}

	c := New(strings.ToUpper(found.Name()))
	for _, key := range found.Keys() {
		c.Set(key.Name(), parseValue(key.Value()))
	}
	return c, nil
}

// DecodeFile reads and decodes path.
func DecodeFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ParseError(path, err)
	}
	c, err := Decode(data)
	if err != nil {
		return nil, errors.ParseError(path, err)
	}
	return c, nil
}

// Encode renders c in the format setup reads. Every value is quoted; lists
// are space-separated quoted items.
func Encode(c *Configuration) ([]byte, error) {
	f := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})
	sec, err := f.NewSection(c.Section())
	if err != nil {
		return nil, err
	}
	sec.Comment = "; SQL Server setup configuration generated by instctl"

	for _, k := range c.Keys() {
		v, _ := c.Get(k)
		if _, err := sec.NewKey(k, encodeValue(v)); err != nil {
			return nil, fmt.Errorf("writing %s: %w", k, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile encodes c to path, readable only by the current user.
func WriteFile(path string, c *Configuration) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func encodeValue(v Value) string {
	if !v.IsList() {
		return `"` + v.String() + `"`
	}
	quoted := make([]string, 0, len(v.items))
	for _, item := range v.items {
		quoted = append(quoted, `"`+item+`"`)
	}
	return strings.Join(quoted, " ")
}

func parseValue(raw string) Value {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, `"`) {
		return Scalar(raw)
	}
	tokens, ok := splitQuoted(raw)
	if !ok {
		return Scalar(raw)
	}
	if len(tokens) == 1 {
		return Scalar(tokens[0])
	}
	return List(tokens...)
}

// splitQuoted splits `"a" "b c" d` into [a, b c, d].
func splitQuoted(s string) ([]string, bool) {
	var tokens []string
	for i := 0; i < len(s); {
		switch {
		case s[i] == ' ' || s[i] == '\t':
			i++
		case s[i] == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, false
			}
			tokens = append(tokens, s[i+1:i+1+end])
			i += end + 2
		default:
			end := strings.IndexAny(s[i:], " \t")
			if end < 0 {
				end = len(s) - i
			}
			tokens = append(tokens, s[i:i+end])
			i += end
		}
	}
	return tokens, true
}
