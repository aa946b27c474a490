package setupconfig

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const redactedValue = "********"

type argument struct {
	text   string
	name   string
	secret string
}

// Arguments is the setup command line. Secret tokens are held only here and
// are masked by Redacted and String.
type Arguments struct {
	items []argument
}

// Add appends a plain switch such as /IACCEPTSQLSERVERLICENSETERMS.
func (a *Arguments) Add(flag string) {
	a.items = append(a.items, argument{text: flag})
}

// AddSecret appends /NAME="value". A repeated name replaces the earlier token.
func (a *Arguments) AddSecret(name, value string) {
	name = normalize(name)
	for i := range a.items {
		if a.items[i].name == name {
			a.items[i].secret = value
			return
		}
	}
	a.items = append(a.items, argument{name: name, secret: value})
}

// HasSecret reports whether a secret token for name is present.
func (a Arguments) HasSecret(name string) bool {
	name = normalize(name)
	for _, it := range a.items {
		if it.name == name && it.secret != "" {
			return true
		}
	}
	return false
}

// WithConfigFile returns a copy with /CONFIGURATIONFILE prepended.
func (a Arguments) WithConfigFile(path string) Arguments {
	out := Arguments{items: make([]argument, 0, len(a.items)+1)}
	out.items = append(out.items, argument{text: fmt.Sprintf(`/CONFIGURATIONFILE="%s"`, path)})
	out.items = append(out.items, a.items...)
	return out
}

// Strings returns the full command line including secrets. Only hand this to
// the process being launched.
func (a Arguments) Strings() []string {
	out := make([]string, 0, len(a.items))
	for _, it := range a.items {
		if it.name != "" {
			out = append(out, fmt.Sprintf(`/%s="%s"`, it.name, it.secret))
			continue
		}
		out = append(out, it.text)
	}
	return out
}

// Redacted returns the command line with secret values masked.
func (a Arguments) Redacted() []string {
	out := make([]string, 0, len(a.items))
	for _, it := range a.items {
		if it.name != "" {
			out = append(out, fmt.Sprintf(`/%s="%s"`, it.name, redactedValue))
			continue
		}
		out = append(out, it.text)
	}
	return out
}

func (a Arguments) String() string {
	return strings.Join(a.Redacted(), " ")
}

// Len returns the number of arguments.
func (a Arguments) Len() int { return len(a.items) }

const (
	passwordLength = 15
	lowerChars     = "abcdefghijkmnopqrstuvwxyz"
	upperChars     = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digitChars     = "23456789"
	symbolChars    = "!@$%^*-_+=?"
)

// GeneratePassword returns a 15-character password with at least one
// lower-case letter, upper-case letter, digit and symbol.
func GeneratePassword() (string, error) {
	all := lowerChars + upperChars + digitChars + symbolChars
	buf := make([]byte, 0, passwordLength)
	for _, set := range []string{lowerChars, upperChars, digitChars, symbolChars} {
		c, err := pick(set)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for len(buf) < passwordLength {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	// Fisher-Yates so the guaranteed classes are not always first.
	for i := len(buf) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		buf[i], buf[j.Int64()] = buf[j.Int64()], buf[i]
	}
	return string(buf), nil
}

func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, err
	}
	return set[n.Int64()], nil
}
