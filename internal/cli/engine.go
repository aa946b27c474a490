package cli

import (
	log "github.com/sirupsen/logrus"

	"github.com/davidthor/instctl/pkg/engine"
	"github.com/davidthor/instctl/pkg/remote/sshexec"
	"github.com/davidthor/instctl/pkg/state"
)

// sshFlags are the connection settings shared by commands that reach hosts.
type sshFlags struct {
	port                  int
	user                  string
	keyFiles              []string
	knownHosts            string
	insecureIgnoreHostKey bool
}

func (f sshFlags) options() sshexec.Options {
	opts := sshexec.DefaultOptions()
	if f.port != 0 {
		opts.Port = f.port
	}
	opts.User = f.user
	opts.KeyFiles = f.keyFiles
	if f.knownHosts != "" {
		opts.KnownHostsFile = f.knownHosts
	}
	opts.InsecureIgnoreHostKey = f.insecureIgnoreHostKey
	opts.Logger = log.StandardLogger()
	return opts
}

// createEngine creates an install engine that reaches hosts over SSH and
// records runs in stateManager.
func createEngine(stateManager state.Manager, ssh sshFlags) (*engine.Engine, *sshexec.Executor) {
	exec := sshexec.New(ssh.options())
	eng := engine.NewEngine(exec, engine.Options{
		StateManager: stateManager,
		Logger:       log.StandardLogger(),
	})
	return eng, exec
}
