package auth

import (
	"strings"
	"sync"
)

// Decisions holds the one-shot choices shared by every target in a run.
// Create one per orchestration call and pass it by pointer to every worker.
type Decisions struct {
	mu               sync.Mutex
	credentialWarned bool
	provisioned      map[string]bool

	// fallbackMu is held while the operator is being asked. Only callers
	// that need the fallback answer wait on it.
	fallbackMu       sync.Mutex
	fallbackDecided  bool
	fallbackAccepted bool
	prompts          int
}

// NewDecisions creates an empty decision set.
func NewDecisions() *Decisions {
	return &Decisions{provisioned: make(map[string]bool)}
}

// WarnCredentialOnce runs warn the first time it is called in a run and
// reports whether it did.
func (d *Decisions) WarnCredentialOnce(warn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.credentialWarned {
		return false
	}
	d.credentialWarned = true
	if warn != nil {
		warn()
	}
	return true
}

// ConfirmFallback returns the run's fallback decision, calling ask to make it
// if nobody has yet. The lock is held while ask runs so that concurrent
// callers wait for, and then share, the single answer.
func (d *Decisions) ConfirmFallback(ask func() bool) bool {
	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()
	if d.fallbackDecided {
		return d.fallbackAccepted
	}
	d.prompts++
	d.fallbackAccepted = ask()
	d.fallbackDecided = true
	return d.fallbackAccepted
}

// Fallback reports whether the fallback question has been answered, and how.
func (d *Decisions) Fallback() (decided, accepted bool) {
	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()
	return d.fallbackDecided, d.fallbackAccepted
}

// Prompts counts how many times the fallback question was asked.
func (d *Decisions) Prompts() int {
	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()
	return d.prompts
}

// MarkProvisioned records that protocol provisioning ran for host and
// reports whether this was the first time.
func (d *Decisions) MarkProvisioned(host string) bool {
	key := strings.ToLower(host)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.provisioned[key] {
		return false
	}
	d.provisioned[key] = true
	return true
}
