// Package auth selects and verifies the remote-execution protocol per host.
package auth

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/media"
	"github.com/davidthor/instctl/pkg/remote"
)

// State is a step of protocol negotiation for one host.
type State string

const (
	StateUnverified       State = "Unverified"
	StateProtocolSelected State = "ProtocolSelected"
	StateProbedOK         State = "ProbedOK"
	StateProbedFailed     State = "ProbedFailed"
	StateConfirmed        State = "Confirmed"
	StateDeclined         State = "Declined"
	StateProceed          State = "Proceed"
	StateAbandon          State = "Abandon"
)

// Confirmer asks the operator whether to fall back to a less secure protocol.
type Confirmer interface {
	ConfirmFallback(ctx context.Context, host string, from, to remote.Protocol) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, host string, from, to remote.Protocol) (bool, error)

func (f ConfirmFunc) ConfirmFallback(ctx context.Context, host string, from, to remote.Protocol) (bool, error) {
	return f(ctx, host, from, to)
}

// AlwaysConfirm accepts every fallback without asking.
var AlwaysConfirm = ConfirmFunc(func(context.Context, string, remote.Protocol, remote.Protocol) (bool, error) {
	return true, nil
})

// Result is the negotiated protocol for one host.
type Result struct {
	Protocol remote.Protocol
	FellBack bool
	Notes    []string
	Trail    []State
}

func (r *Result) enter(s State) { r.Trail = append(r.Trail, s) }

// Options configure a Negotiator.
type Options struct {
	// Confirmer is asked once per run. Nil declines every fallback.
	Confirmer Confirmer
	// NoFallback declines the fallback without asking.
	NoFallback bool
	Logger     log.FieldLogger
}

// Negotiator picks and verifies a protocol for each host.
type Negotiator struct {
	exec      remote.Executor
	decisions *Decisions
	opts      Options
	logger    log.FieldLogger
}

// NewNegotiator creates a negotiator sharing decisions with the rest of a run.
func NewNegotiator(exec remote.Executor, decisions *Decisions, opts Options) *Negotiator {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if decisions == nil {
		decisions = NewDecisions()
	}
	return &Negotiator{exec: exec, decisions: decisions, opts: opts, logger: logger}
}

// SelectProtocol applies the default rule: an explicit preference wins,
// otherwise CredSSP with an explicit credential and Default without one.
func SelectProtocol(cred *remote.Credential, preference remote.Protocol) remote.Protocol {
	if preference != "" {
		return preference
	}
	if !cred.IsZero() {
		return remote.ProtocolCredSSP
	}
	return remote.ProtocolDefault
}

// Negotiate selects a protocol for host, enables CredSSP on the host when it
// is selected, and verifies the protocol with a probe.
func (n *Negotiator) Negotiate(ctx context.Context, host string, cred *remote.Credential, preference remote.Protocol) (*Result, error) {
	return n.negotiate(ctx, host, cred, preference, true)
}

// Verify is Negotiate without enabling CredSSP. It leaves the host unchanged.
func (n *Negotiator) Verify(ctx context.Context, host string, cred *remote.Credential, preference remote.Protocol) (*Result, error) {
	return n.negotiate(ctx, host, cred, preference, false)
}

func (n *Negotiator) negotiate(ctx context.Context, host string, cred *remote.Credential, preference remote.Protocol, provision bool) (*Result, error) {
	logger := n.logger.WithField("host", host)
	res := &Result{}
	res.enter(StateUnverified)

	proto := SelectProtocol(cred, preference)
	res.Protocol = proto
	res.enter(StateProtocolSelected)

	switch {
	case !proto.IsPrivileged():
	case !provision:
		res.Notes = append(res.Notes, fmt.Sprintf("would enable CredSSP on %s", host))
	case n.decisions.MarkProvisioned(host):
		if _, err := n.exec.Exec(ctx, host, cred, remote.ProtocolDefault, remote.NewCommand(remote.OpEnableCredSSP)); err != nil {
			logger.WithError(err).Warn("could not enable CredSSP")
			res.Notes = append(res.Notes, fmt.Sprintf("could not enable CredSSP on %s: %v", host, err))
		}
	}

	probeErr := n.probe(ctx, host, cred, proto)
	if probeErr == nil {
		res.enter(StateProbedOK)
		res.enter(StateProceed)
		logger.WithField("protocol", proto).Debug("protocol verified")
		return res, nil
	}
	res.enter(StateProbedFailed)

	if !proto.IsPrivileged() {
		res.enter(StateAbandon)
		return res, errors.Unreachable(host, probeErr)
	}

	fallback := remote.ProtocolDefault
	accepted := n.decisions.ConfirmFallback(func() bool {
		return n.ask(ctx, host, proto, fallback)
	})
	if !accepted {
		res.enter(StateDeclined)
		res.enter(StateAbandon)
		return res, errors.Wrap(errors.ErrCodeProtocolDeclined,
			fmt.Sprintf("%s failed on %s and falling back to %s was declined", proto, host, fallback), probeErr).
			WithDetail("host", host)
	}
	res.enter(StateConfirmed)

	logger.WithError(probeErr).Warnf("%s failed, falling back to %s", proto, fallback)
	res.Notes = append(res.Notes, fmt.Sprintf("%s failed on %s, fell back to %s", proto, host, fallback))
	res.Protocol = fallback
	res.FellBack = true

	if err := n.probe(ctx, host, cred, fallback); err != nil {
		res.enter(StateAbandon)
		return res, errors.Unreachable(host, err)
	}
	res.enter(StateProceed)
	return res, nil
}

func (n *Negotiator) probe(ctx context.Context, host string, cred *remote.Credential, proto remote.Protocol) error {
	_, err := n.exec.Exec(ctx, host, cred, proto, remote.NewCommand(remote.OpProbe))
	return err
}

func (n *Negotiator) ask(ctx context.Context, host string, from, to remote.Protocol) bool {
	if n.opts.NoFallback || n.opts.Confirmer == nil {
		return false
	}
	ok, err := n.opts.Confirmer.ConfirmFallback(ctx, host, from, to)
	if err != nil {
		n.logger.WithField("host", host).WithError(err).Warn("fallback confirmation failed, treating as declined")
		return false
	}
	return ok
}

// WarnDoubleHop logs, once per run, that network media cannot be reached
// from the target without a delegated credential.
func (n *Negotiator) WarnDoubleHop(cred *remote.Credential, roots []string) bool {
	if !cred.IsZero() {
		return false
	}
	network := ""
	for _, r := range roots {
		if media.IsNetworkPath(r) {
			network = r
			break
		}
	}
	if network == "" {
		return false
	}
	return n.decisions.WarnCredentialOnce(func() {
		n.logger.WithField("path", network).
			Warn("no credential given; targets may be unable to read network media without one")
	})
}
