// Package remotetest provides an in-memory remote.Executor for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davidthor/instctl/pkg/remote"
)

// Host scripts how one fake machine behaves. The zero value is a reachable
// host with four cores that installs cleanly.
type Host struct {
	Unreachable bool
	FailProbe   map[remote.Protocol]bool
	FailCredSSP bool

	// Files maps a media root to the executables beneath it. Roots missing
	// from the map are unreachable.
	Files map[string][]remote.FileInfo

	Cores              int
	HasNetFramework    bool
	FailFeatureInstall bool

	FailCopy     bool
	ExitCode     int
	TimedOut     bool
	InstallerErr error
	Panic        bool

	SetupLog     string
	FailSetupLog bool

	RebootPending bool
	FailReboot    bool
	FailGrant     bool
	FailPort      bool
}

// Call records one collaborator invocation.
type Call struct {
	Host     string
	Method   string
	Op       remote.Operation
	Protocol remote.Protocol
	Args     []string
	Command  remote.Command
	At       time.Time
}

// Fake is a scripted remote.Executor. It is safe for concurrent use.
type Fake struct {
	// InstallerDelay holds RunInstaller open to make overlap observable.
	InstallerDelay time.Duration

	mu        sync.Mutex
	hosts     map[string]*Host
	calls     []Call
	staged    map[string]map[string]string
	installed map[string]string
	active    int
	maxActive int
	counter   int
}

var _ remote.Executor = (*Fake)(nil)

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		hosts:     make(map[string]*Host),
		staged:    make(map[string]map[string]string),
		installed: make(map[string]string),
	}
}

// Host returns the script for name, creating it on first use.
func (f *Fake) Host(name string) *Host {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostLocked(name)
}

func (f *Fake) hostLocked(name string) *Host {
	key := strings.ToLower(name)
	h, ok := f.hosts[key]
	if !ok {
		h = &Host{}
		f.hosts[key] = h
	}
	return h
}

func (f *Fake) record(c Call) {
	c.At = time.Now()
	f.calls = append(f.calls, c)
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the calls made against host with the given method.
func (f *Fake) CallsTo(host, method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.EqualFold(c.Host, host) && c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// OpCalls returns Exec calls for one operation against host.
func (f *Fake) OpCalls(host string, op remote.Operation) []Call {
	var out []Call
	for _, c := range f.CallsTo(host, "Exec") {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Staged lists remote files still present on host.
func (f *Fake) Staged(host string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.staged[strings.ToLower(host)] {
		out[k] = v
	}
	return out
}

// InstalledConfig returns the configuration file content that was staged on
// host when the installer ran.
func (f *Fake) InstalledConfig(host string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[strings.ToLower(host)]
}

// MaxActive reports the highest number of overlapping RunInstaller calls.
func (f *Fake) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *Fake) Exec(_ context.Context, host string, _ *remote.Credential, proto remote.Protocol, cmd remote.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Host: host, Method: "Exec", Op: cmd.Op, Protocol: proto, Command: cmd})
	h := f.hostLocked(host)

	if h.Unreachable {
		return "", fmt.Errorf("connecting to %s: connection refused", host)
	}

	switch cmd.Op {
	case remote.OpProbe:
		if h.FailProbe[proto] {
			return "", fmt.Errorf("%s: access denied using %s", host, proto)
		}
		return "ok", nil

	case remote.OpEnableCredSSP:
		if h.FailCredSSP {
			return "", fmt.Errorf("%s: enabling CredSSP failed", host)
		}
		return "", nil

	case remote.OpListExecutables:
		files, ok := h.Files[cmd.Arg("root")]
		if !ok {
			return "", fmt.Errorf("cannot find path %s", cmd.Arg("root"))
		}
		data, err := json.Marshal(files)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case remote.OpGetCoreCount:
		cores := h.Cores
		if cores == 0 {
			cores = 4
		}
		return strconv.Itoa(cores), nil

	case remote.OpTestWindowsFeature:
		return strconv.FormatBool(h.HasNetFramework), nil

	case remote.OpInstallWindowsFeature:
		if h.FailFeatureInstall {
			return "", fmt.Errorf("install of %s failed: source files could not be found", cmd.Arg("name"))
		}
		h.HasNetFramework = true
		return "Success", nil

	case remote.OpReadSetupLog:
		if h.FailSetupLog {
			return "", fmt.Errorf("summary log not found")
		}
		return h.SetupLog, nil

	case remote.OpRemoveFile:
		delete(f.staged[strings.ToLower(host)], cmd.Arg("path"))
		return "", nil
	}
	return "", fmt.Errorf("unsupported operation %q", cmd.Op)
}

func (f *Fake) CopyToRemote(_ context.Context, localPath, host string, _ *remote.Credential) (string, error) {
	data, readErr := os.ReadFile(localPath)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Host: host, Method: "CopyToRemote", Args: []string{localPath}})
	h := f.hostLocked(host)
	if h.FailCopy || h.Unreachable {
		return "", fmt.Errorf("copy to %s failed", host)
	}
	if readErr != nil {
		return "", readErr
	}

	f.counter++
	remotePath := fmt.Sprintf(`C:\Windows\Temp\%d-%s`, f.counter, path.Base(strings.ReplaceAll(localPath, `\`, "/")))
	key := strings.ToLower(host)
	if f.staged[key] == nil {
		f.staged[key] = make(map[string]string)
	}
	f.staged[key][remotePath] = string(data)
	return remotePath, nil
}

func (f *Fake) RunInstaller(ctx context.Context, host string, _ *remote.Credential, proto remote.Protocol, exePath string, args []string) (remote.InstallerExit, error) {
	f.mu.Lock()
	f.record(Call{Host: host, Method: "RunInstaller", Protocol: proto, Args: append([]string{exePath}, args...)})
	h := f.hostLocked(host)
	for p, content := range f.staged[strings.ToLower(host)] {
		for _, a := range args {
			if strings.Contains(a, p) {
				f.installed[strings.ToLower(host)] = content
			}
		}
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	script := *h
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.record(Call{Host: host, Method: "RunInstallerDone"})
		f.mu.Unlock()
	}()

	if f.InstallerDelay > 0 {
		select {
		case <-time.After(f.InstallerDelay):
		case <-ctx.Done():
			return remote.InstallerExit{}, ctx.Err()
		}
	}

	if script.Panic {
		panic("installer collaborator exploded")
	}
	if script.InstallerErr != nil {
		return remote.InstallerExit{}, script.InstallerErr
	}
	return remote.InstallerExit{ExitCode: script.ExitCode, TimedOut: script.TimedOut}, nil
}

func (f *Fake) IsRebootPending(_ context.Context, host string, _ *remote.Credential) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Host: host, Method: "IsRebootPending"})
	h := f.hostLocked(host)
	if h.Unreachable {
		return false, fmt.Errorf("connecting to %s: connection refused", host)
	}
	return h.RebootPending, nil
}

func (f *Fake) RebootAndWait(_ context.Context, host string, _ *remote.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Host: host, Method: "RebootAndWait"})
	h := f.hostLocked(host)
	if h.FailReboot {
		return fmt.Errorf("%s did not come back after restart", host)
	}
	h.RebootPending = false
	return nil
}

func (f *Fake) GrantVolumeMaintenance(_ context.Context, host string, _ *remote.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Host: host, Method: "GrantVolumeMaintenance"})
	if f.hostLocked(host).FailGrant {
		return fmt.Errorf("granting SeManageVolumePrivilege failed")
	}
	return nil
}

func (f *Fake) SetServicePort(_ context.Context, host, instance string, _ *remote.Credential, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Host: host, Method: "SetServicePort", Args: []string{instance, strconv.Itoa(port)}})
	if f.hostLocked(host).FailPort {
		return fmt.Errorf("setting TCP port failed")
	}
	return nil
}
