// Package remote defines the remote-execution collaborator the installer
// drives. Implementations run a fixed catalog of named operations; callers
// only ever send data, never scripts.
package remote

import (
	"context"
	"fmt"
	"strings"
)

// Protocol is a remote-execution authentication mechanism.
type Protocol string

const (
	ProtocolDefault   Protocol = "Default"
	ProtocolKerberos  Protocol = "Kerberos"
	ProtocolNegotiate Protocol = "Negotiate"
	ProtocolBasic     Protocol = "Basic"
	// ProtocolCredSSP delegates the caller's credential so the target can
	// reach network shares on its behalf.
	ProtocolCredSSP Protocol = "CredSSP"
)

// Protocols lists every supported protocol.
var Protocols = []Protocol{ProtocolDefault, ProtocolKerberos, ProtocolNegotiate, ProtocolBasic, ProtocolCredSSP}

// IsPrivileged reports whether p is the double-hop capable protocol.
func (p Protocol) IsPrivileged() bool {
	return p == ProtocolCredSSP
}

// ParseProtocol matches a protocol name case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range Protocols {
		if strings.EqualFold(string(p), strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown authentication protocol %q", s)
}

// Credential is a user name and secret used against a target.
type Credential struct {
	Username string
	Password string
}

// IsZero reports whether no credential was supplied.
func (c *Credential) IsZero() bool {
	return c == nil || (c.Username == "" && c.Password == "")
}

// String never includes the password.
func (c *Credential) String() string {
	if c == nil {
		return "<none>"
	}
	return c.Username
}

// Operation names an entry in the remote operation catalog.
type Operation string

const (
	OpProbe                 Operation = "probe"
	OpEnableCredSSP         Operation = "enable-credssp"
	OpListExecutables       Operation = "list-executables"
	OpGetCoreCount          Operation = "get-core-count"
	OpTestWindowsFeature    Operation = "test-windows-feature"
	OpInstallWindowsFeature Operation = "install-windows-feature"
	OpReadSetupLog          Operation = "read-setup-log"
	OpRemoveFile            Operation = "remove-file"
)

// Command is an opaque operation descriptor.
type Command struct {
	Op   Operation
	Args map[string]string
}

// NewCommand builds a command from alternating key/value pairs.
func NewCommand(op Operation, kv ...string) Command {
	cmd := Command{Op: op, Args: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		cmd.Args[kv[i]] = kv[i+1]
	}
	return cmd
}

// Arg returns a named argument or "".
func (c Command) Arg(name string) string {
	return c.Args[name]
}

// FileInfo is one executable reported by OpListExecutables. The operation
// returns a JSON array of these.
type FileInfo struct {
	Path           string `json:"path"`
	Description    string `json:"description,omitempty"`
	ProductName    string `json:"product_name,omitempty"`
	ProductVersion string `json:"product_version,omitempty"`
}

// InstallerExit is the outcome of running the setup bootstrapper.
type InstallerExit struct {
	ExitCode int
	TimedOut bool
}

// Executor is the remote collaborator consumed by the installer.
type Executor interface {
	// Exec runs a named operation and returns its textual output.
	Exec(ctx context.Context, host string, cred *Credential, proto Protocol, cmd Command) (string, error)

	// CopyToRemote stages a local file on the host and returns the remote path.
	CopyToRemote(ctx context.Context, localPath, host string, cred *Credential) (string, error)

	// RunInstaller runs exePath with args on the host.
	RunInstaller(ctx context.Context, host string, cred *Credential, proto Protocol, exePath string, args []string) (InstallerExit, error)

	IsRebootPending(ctx context.Context, host string, cred *Credential) (bool, error)

	// RebootAndWait restarts the host and returns once it answers again.
	RebootAndWait(ctx context.Context, host string, cred *Credential) error

	GrantVolumeMaintenance(ctx context.Context, host string, cred *Credential) error

	SetServicePort(ctx context.Context, host, instance string, cred *Credential, port int) error
}
