package installer

import (
	"fmt"
	"os"
	"time"

	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/setupconfig"
	"github.com/davidthor/instctl/pkg/target"
	"github.com/davidthor/instctl/pkg/version"
)

// Entry is the action plan for one target, produced by pre-flight and
// consumed once by Execute.
type Entry struct {
	Target  target.Target
	Version *version.Descriptor

	// Installer is the path of setup.exe as seen from the target.
	Installer string

	// ConfigFile is the local path of the generated configuration file.
	ConfigFile string
	Config     *setupconfig.Configuration
	Arguments  setupconfig.Arguments

	Credential *remote.Credential
	Protocol   remote.Protocol

	// RebootPending means the host must restart before setup runs.
	RebootPending bool
	// Restart permits restarting the host.
	Restart bool

	PerformVolumeMaintenanceTasks bool

	// SAPassword is the generated sa password, if any.
	SAPassword string

	Notes []string

	// StartedAt is when pre-flight began for this target.
	StartedAt time.Time
}

// Instance is the instance name, MSSQLSERVER for the default instance.
func (e *Entry) Instance() string {
	return e.Target.Instance()
}

// AddNote records a note carried into the result.
func (e *Entry) AddNote(note string) {
	e.Notes = append(e.Notes, note)
}

// AddNotef records a formatted note.
func (e *Entry) AddNotef(format string, args ...interface{}) {
	e.AddNote(fmt.Sprintf(format, args...))
}

// Discard removes the local configuration file of an entry that will not
// be executed.
func (e *Entry) Discard() error {
	if e.ConfigFile == "" {
		return nil
	}
	err := os.Remove(e.ConfigFile)
	e.ConfigFile = ""
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// String describes the entry with secret arguments redacted.
func (e *Entry) String() string {
	return fmt.Sprintf("%s: %s %s", e.Target, e.Installer, e.Arguments.String())
}
