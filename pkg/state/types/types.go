// Package types defines the records instctl produces and persists.
package types

import (
	"fmt"
	"time"
)

// Status is the terminal state of one target's install.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusBlocked means a precondition on the host stopped the install
	// before anything was changed (for example a pending reboot).
	StatusBlocked Status = "blocked"
	// StatusAbandoned means the operator declined to continue.
	StatusAbandoned Status = "abandoned"
)

// SACredential is the generated mixed-mode login. The password is never
// serialized.
type SACredential struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// InstallResult is the outcome for one target. Every install attempt
// produces exactly one.
type InstallResult struct {
	ComputerName string `json:"computer_name"`
	InstanceName string `json:"instance_name"`
	Version      string `json:"version"`
	Build        string `json:"build,omitempty"`

	Status     Status `json:"status"`
	Successful bool   `json:"successful"`
	Restarted  bool   `json:"restarted"`

	Installer string `json:"installer,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Port      int    `json:"port,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`

	// Log is the setup summary read back from the target.
	Log     string `json:"log,omitempty"`
	LogFile string `json:"log_file,omitempty"`

	Notes []string `json:"notes,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	SACredential *SACredential `json:"sa_credential,omitempty"`

	// Configuration is the generated setup configuration with secrets removed.
	Configuration map[string]string `json:"configuration,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// NewInstallResult starts a result for a target.
func NewInstallResult(computer, instance, version string) *InstallResult {
	return &InstallResult{
		ComputerName: computer,
		InstanceName: instance,
		Version:      version,
		StartedAt:    time.Now(),
	}
}

// AddNote appends a note, preserving occurrence order.
func (r *InstallResult) AddNote(note string) {
	r.Notes = append(r.Notes, note)
}

// AddNotef appends a formatted note.
func (r *InstallResult) AddNotef(format string, args ...interface{}) {
	r.AddNote(fmt.Sprintf(format, args...))
}

// SetExitCode records the installer's exit code.
func (r *InstallResult) SetExitCode(code int) {
	r.ExitCode = &code
}

// Finish stamps the terminal status and end time.
func (r *InstallResult) Finish(status Status) {
	r.Status = status
	r.Successful = status == StatusSucceeded
	r.EndedAt = time.Now()
}

// Fail finishes the result with err recorded. code is the error's taxonomy
// code, if any.
func (r *InstallResult) Fail(status Status, code string, err error) {
	r.ErrorCode = code
	if err != nil {
		r.Error = err.Error()
	}
	r.Finish(status)
}

// Duration is how long the install ran.
func (r *InstallResult) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Target renders host or host\instance.
func (r *InstallResult) Target() string {
	if r.InstanceName == "" || r.InstanceName == "MSSQLSERVER" {
		return r.ComputerName
	}
	return r.ComputerName + `\` + r.InstanceName
}

// RunRequest summarizes what an install run was asked to do.
type RunRequest struct {
	Targets  []string          `json:"targets"`
	Version  string            `json:"version"`
	Features []string          `json:"features,omitempty"`
	Throttle int               `json:"throttle,omitempty"`
	Restart  bool              `json:"restart,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// TargetStatus is the per-target summary kept in a run record.
type TargetStatus struct {
	Target   string    `json:"target"`
	Status   Status    `json:"status"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Error    string    `json:"error,omitempty"`
	EndedAt  time.Time `json:"ended_at"`
}

// RunState is the persisted record of one orchestration call.
type RunState struct {
	ID        string                   `json:"id"`
	User      string                   `json:"user,omitempty"`
	Host      string                   `json:"host,omitempty"`
	StartedAt time.Time                `json:"started_at"`
	EndedAt   time.Time                `json:"ended_at,omitempty"`
	Request   RunRequest               `json:"request"`
	Targets   map[string]*TargetStatus `json:"targets,omitempty"`
}

// Record stores the summary of result under its target key.
func (s *RunState) Record(r *InstallResult) {
	if s.Targets == nil {
		s.Targets = make(map[string]*TargetStatus)
	}
	s.Targets[r.Target()] = &TargetStatus{
		Target:   r.Target(),
		Status:   r.Status,
		ExitCode: r.ExitCode,
		Error:    r.Error,
		EndedAt:  r.EndedAt,
	}
}

// Counts tallies targets by status.
func (s *RunState) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, t := range s.Targets {
		counts[t.Status]++
	}
	return counts
}

// Complete reports whether the run recorded an end time.
func (s *RunState) Complete() bool {
	return !s.EndedAt.IsZero()
}

// RunRef is a lightweight reference used when listing runs.
type RunRef struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Version   string    `json:"version"`
	Targets   int       `json:"targets"`
	Failed    int       `json:"failed"`
}
