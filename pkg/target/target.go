// Package target parses and resolves installation targets.
package target

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/davidthor/instctl/pkg/errors"
)

// DefaultInstance is the instance name used when none is given.
const DefaultInstance = "MSSQLSERVER"

// Target is one host slated for installation.
type Target struct {
	// Name is the host as the caller wrote it.
	Name string `json:"name"`
	// InstanceName is the named instance, empty for the default instance.
	InstanceName string `json:"instance_name,omitempty"`
	// Port is an explicit TCP port, 0 when not requested.
	Port int `json:"port,omitempty"`
	// FQDN is filled in by Resolve.
	FQDN string `json:"fqdn,omitempty"`
	// IsLocal is true when the target is the machine running instctl.
	IsLocal bool `json:"is_local,omitempty"`
}

// Host returns the address to connect to.
func (t Target) Host() string {
	if t.FQDN != "" {
		return t.FQDN
	}
	return t.Name
}

// Key identifies the host for mutual exclusion. Two instances on the same
// host share a key because setup cannot run twice concurrently on one machine.
func (t Target) Key() string {
	return strings.ToLower(t.Host())
}

// Instance returns the instance name, defaulting to MSSQLSERVER.
func (t Target) Instance() string {
	if t.InstanceName == "" {
		return DefaultInstance
	}
	return t.InstanceName
}

func (t Target) String() string {
	s := t.Host()
	if t.InstanceName != "" && !strings.EqualFold(t.InstanceName, DefaultInstance) {
		s += `\` + t.InstanceName
	}
	if t.Port != 0 {
		s += "," + strconv.Itoa(t.Port)
	}
	return s
}

// Parse reads host, host\instance, host,port or host\instance,port.
func Parse(s string) (Target, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Target{}, errors.ValidationError("target is empty", nil)
	}

	var t Target
	if i := strings.LastIndex(raw, ","); i >= 0 {
		port, err := strconv.Atoi(strings.TrimSpace(raw[i+1:]))
		if err != nil || port < 1 || port > 65535 {
			return Target{}, errors.ValidationError(fmt.Sprintf("invalid port in target %q", s), map[string]interface{}{"target": s})
		}
		t.Port = port
		raw = raw[:i]
	}

	if i := strings.Index(raw, `\`); i >= 0 {
		t.InstanceName = strings.TrimSpace(raw[i+1:])
		raw = raw[:i]
		if t.InstanceName == "" {
			return Target{}, errors.ValidationError(fmt.Sprintf("empty instance name in target %q", s), map[string]interface{}{"target": s})
		}
	}

	t.Name = strings.TrimSpace(raw)
	if t.Name == "" {
		return Target{}, errors.ValidationError(fmt.Sprintf("missing host in target %q", s), map[string]interface{}{"target": s})
	}
	return t, nil
}

// ParseAll parses every entry and returns the first error.
func ParseAll(values []string) ([]Target, error) {
	targets := make([]Target, 0, len(values))
	for _, v := range values {
		t, err := Parse(v)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Resolver turns a host name into a canonical fully-qualified name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (fqdn string, local bool, err error)
}

// NetResolver resolves names with the system resolver.
type NetResolver struct {
	Resolver *net.Resolver
	// Hostname overrides os.Hostname for local detection.
	Hostname func() (string, error)
}

// NewNetResolver creates a resolver backed by net.DefaultResolver.
func NewNetResolver() *NetResolver {
	return &NetResolver{Resolver: net.DefaultResolver, Hostname: os.Hostname}
}

func (r *NetResolver) Resolve(ctx context.Context, name string) (string, bool, error) {
	local := r.isLocalName(name)
	lookup := name
	if name == "." || strings.EqualFold(name, "localhost") {
		if h, err := r.Hostname(); err == nil {
			lookup = h
		}
	}

	addrs, err := r.Resolver.LookupHost(ctx, lookup)
	if err != nil {
		return "", false, err
	}

	fqdn := lookup
	if cname, err := r.Resolver.LookupCNAME(ctx, lookup); err == nil && cname != "" {
		fqdn = strings.TrimSuffix(cname, ".")
	} else if len(addrs) > 0 {
		if names, err := r.Resolver.LookupAddr(ctx, addrs[0]); err == nil && len(names) > 0 {
			fqdn = strings.TrimSuffix(names[0], ".")
		}
	}

	if !local {
		local = isLoopback(addrs) || r.isLocalName(fqdn)
	}
	return fqdn, local, nil
}

func (r *NetResolver) isLocalName(name string) bool {
	if name == "." || strings.EqualFold(name, "localhost") {
		return true
	}
	h, err := r.Hostname()
	if err != nil {
		return false
	}
	short := strings.SplitN(name, ".", 2)[0]
	return strings.EqualFold(h, name) || strings.EqualFold(h, short)
}

func isLoopback(addrs []string) bool {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.IsLoopback() {
			return true
		}
	}
	return false
}

// Resolve fills FQDN and IsLocal on t.
func Resolve(ctx context.Context, r Resolver, t Target) (Target, error) {
	fqdn, local, err := r.Resolve(ctx, t.Name)
	if err != nil {
		return t, errors.Unreachable(t.Name, err)
	}
	t.FQDN = fqdn
	t.IsLocal = local
	return t, nil
}

// StaticResolver resolves from a fixed table. Names not in the table resolve
// to themselves.
type StaticResolver struct {
	Names map[string]string
	Local map[string]bool
	Fail  map[string]error
}

func (r StaticResolver) Resolve(_ context.Context, name string) (string, bool, error) {
	if err, ok := r.Fail[name]; ok {
		return "", false, err
	}
	fqdn := name
	if mapped, ok := r.Names[name]; ok {
		fqdn = mapped
	}
	return fqdn, r.Local[name], nil
}
