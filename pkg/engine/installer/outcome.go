package installer

import (
	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/state/types"
)

// State is a step of the per-host install.
type State string

const (
	StateReadyCheck         State = "ReadyCheck"
	StatePendingRebootCheck State = "PendingRebootCheck"
	StateProtocolNegotiated State = "ProtocolNegotiated"
	StateMediaLocated       State = "MediaLocated"
	StateConfigBuilt        State = "ConfigBuilt"
	StateConfigStaged       State = "ConfigStaged"
	StateExecuted           State = "Executed"
	StateLogCaptured        State = "LogCaptured"
	StatePostInstall        State = "PostInstall"
	StateRebootEvaluated    State = "RebootEvaluated"
	StateDone               State = "Done"

	StateFailed    State = "Failed"
	StateBlocked   State = "Blocked"
	StateAbandoned State = "Abandoned"
)

type outcomeKind int

const (
	outcomeOk outcomeKind = iota
	outcomeRecoverable
	outcomeFatal
)

// Outcome is what one step reports: carry on, carry on with a note, or stop.
type Outcome struct {
	kind outcomeKind
	Note string
	Err  error
}

// Ok continues to the next step.
func Ok() Outcome { return Outcome{kind: outcomeOk} }

// Recoverable continues after recording note on the result.
func Recoverable(note string) Outcome { return Outcome{kind: outcomeRecoverable, Note: note} }

// Fatal stops the install for this target.
func Fatal(err error) Outcome { return Outcome{kind: outcomeFatal, Err: err} }

func (o Outcome) IsOk() bool          { return o.kind == outcomeOk }
func (o Outcome) IsRecoverable() bool { return o.kind == outcomeRecoverable }
func (o Outcome) IsFatal() bool       { return o.kind == outcomeFatal }

// Apply records o on res. It reports whether the install may continue; when
// it may not, res is finished with the status err calls for.
func (o Outcome) Apply(res *types.InstallResult) bool {
	switch o.kind {
	case outcomeRecoverable:
		res.AddNote(o.Note)
		return true
	case outcomeFatal:
		if o.Err != nil {
			res.AddNote(o.Err.Error())
		}
		res.Fail(StatusFor(o.Err), string(errors.CodeOf(o.Err)), o.Err)
		return false
	}
	return true
}

// StatusFor maps a fatal error to the terminal status it produces.
func StatusFor(err error) types.Status {
	switch errors.CodeOf(err) {
	case errors.ErrCodePendingReboot:
		return types.StatusBlocked
	case errors.ErrCodeProtocolDeclined:
		return types.StatusAbandoned
	}
	return types.StatusFailed
}

// TerminalState is the state a finished result ends in.
func TerminalState(res *types.InstallResult) State {
	switch res.Status {
	case types.StatusSucceeded:
		return StateDone
	case types.StatusBlocked:
		return StateBlocked
	case types.StatusAbandoned:
		return StateAbandoned
	}
	return StateFailed
}
