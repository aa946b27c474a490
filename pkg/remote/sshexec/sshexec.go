// Package sshexec runs the remote operation catalog against Windows hosts
// over SSH. Every operation is a fixed PowerShell script passed with
// -EncodedCommand; files are staged over SFTP.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/remote"
)

const (
	DefaultPort           = 22
	DefaultStagingDir     = `C:\Windows\Temp`
	DefaultDialTimeout    = 15 * time.Second
	DefaultInstallTimeout = 3 * time.Hour
	DefaultRebootGrace    = 30 * time.Second
	DefaultRebootTimeout  = 20 * time.Minute
)

// Options configure the executor.
type Options struct {
	Port int

	// User is used when a call carries no credential.
	User string

	// KeyFiles are private keys offered before the password.
	KeyFiles []string

	// UseAgent offers the keys of the agent at SSH_AUTH_SOCK.
	UseAgent bool

	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	StagingDir     string
	DialTimeout    time.Duration
	InstallTimeout time.Duration

	// RebootGrace is how long to wait after issuing a restart before the
	// first reachability probe.
	RebootGrace   time.Duration
	RebootTimeout time.Duration

	Logger log.FieldLogger
}

// DefaultOptions returns options for a Windows OpenSSH server on port 22.
func DefaultOptions() Options {
	home, _ := os.UserHomeDir()
	return Options{
		Port:           DefaultPort,
		UseAgent:       true,
		KnownHostsFile: filepath.Join(home, ".ssh", "known_hosts"),
		StagingDir:     DefaultStagingDir,
		DialTimeout:    DefaultDialTimeout,
		InstallTimeout: DefaultInstallTimeout,
		RebootGrace:    DefaultRebootGrace,
		RebootTimeout:  DefaultRebootTimeout,
	}
}

// Executor implements remote.Executor. Connections are cached per host and
// user and dropped when the host restarts.
type Executor struct {
	opts Options
	log  log.FieldLogger

	mu      sync.Mutex
	clients map[string]*ssh.Client

	// agentMu guards the connection to the SSH agent, opened on first use.
	agentMu   sync.Mutex
	agentConn net.Conn
	agent     agent.ExtendedAgent
}

var _ remote.Executor = (*Executor)(nil)

// New creates an executor. Zero-valued durations take their defaults.
func New(opts Options) *Executor {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.StagingDir == "" {
		opts.StagingDir = DefaultStagingDir
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.InstallTimeout == 0 {
		opts.InstallTimeout = DefaultInstallTimeout
	}
	if opts.RebootGrace == 0 {
		opts.RebootGrace = DefaultRebootGrace
	}
	if opts.RebootTimeout == 0 {
		opts.RebootTimeout = DefaultRebootTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Executor{
		opts:    opts,
		log:     logger.WithField("component", "sshexec"),
		clients: make(map[string]*ssh.Client),
	}
}

// Close drops every cached connection, including the one to the SSH agent.
func (e *Executor) Close() error {
	e.mu.Lock()
	for key, c := range e.clients {
		_ = c.Close()
		delete(e.clients, key)
	}
	e.mu.Unlock()

	e.agentMu.Lock()
	defer e.agentMu.Unlock()
	e.dropAgentLocked()
	return nil
}

func (e *Executor) Exec(ctx context.Context, host string, cred *remote.Credential, proto remote.Protocol, cmd remote.Command) (string, error) {
	text, err := commandFor(cmd)
	if err != nil {
		return "", err
	}
	delegate, err := delegation(proto, cred)
	if err != nil {
		return "", err
	}
	e.log.WithFields(log.Fields{"host": host, "op": cmd.Op, "protocol": proto}).Debug("running remote operation")

	stdout, stderr, code, err := e.run(ctx, host, cred, delegate, text)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("%s on %s exited %d: %s", cmd.Op, host, code, firstLine(stderr, stdout))
	}
	return strings.TrimRight(stdout, "\r\n"), nil
}

func (e *Executor) CopyToRemote(ctx context.Context, localPath, host string, cred *remote.Credential) (string, error) {
	client, err := e.client(ctx, host, cred, false)
	if err != nil {
		return "", err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("opening sftp session to %s: %w", host, err)
	}
	defer sc.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	target := stagingPath(e.opts.StagingDir, filepath.Base(localPath))
	dst, err := sc.Create(strings.ReplaceAll(target, `\`, "/"))
	if err != nil {
		return "", fmt.Errorf("creating %s on %s: %w", target, host, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("copying to %s on %s: %w", target, host, err)
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return target, nil
}

func (e *Executor) RunInstaller(ctx context.Context, host string, cred *remote.Credential, proto remote.Protocol, exePath string, args []string) (remote.InstallerExit, error) {
	delegate, err := delegation(proto, cred)
	if err != nil {
		return remote.InstallerExit{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.InstallTimeout)
	defer cancel()

	e.log.WithFields(log.Fields{"host": host, "installer": exePath, "protocol": proto}).Debug("starting installer")
	_, stderr, code, err := e.run(ctx, host, cred, delegate, renderInstaller(exePath, args))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return remote.InstallerExit{TimedOut: true}, nil
		}
		return remote.InstallerExit{}, err
	}
	if code != 0 && stderr != "" {
		e.log.WithFields(log.Fields{"host": host, "exit_code": code}).Debug(firstLine(stderr, ""))
	}
	return remote.InstallerExit{ExitCode: code}, nil
}

func (e *Executor) IsRebootPending(ctx context.Context, host string, cred *remote.Credential) (bool, error) {
	out, err := e.script(ctx, host, cred, render(rebootPendingScript, nil))
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(out))
}

// RebootAndWait issues a restart, waits out the grace period and then
// probes with exponential backoff until the host answers or RebootTimeout
// elapses.
func (e *Executor) RebootAndWait(ctx context.Context, host string, cred *remote.Credential) error {
	command, err := encode(render(restartScript, nil))
	if err != nil {
		return err
	}
	client, err := e.client(ctx, host, cred, false)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("restarting %s: %w", host, err)
	}
	// The connection may drop before an exit status arrives.
	err = session.Run(command)
	_ = session.Close()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("restarting %s: exit status %d", host, exitErr.ExitStatus())
	}
	e.forgetHost(host)
	e.log.WithField("host", host).Info("restart issued, waiting for host")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.opts.RebootGrace):
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.opts.RebootTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	probe := func() error {
		_, err := e.Exec(waitCtx, host, cred, remote.ProtocolDefault, remote.NewCommand(remote.OpProbe))
		if err != nil {
			e.forgetHost(host)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		e.log.WithField("host", host).Debugf("host not back yet, retrying in %s: %v", next, err)
	}
	if err := backoff.RetryNotify(probe, backoff.WithContext(b, waitCtx), notify); err != nil {
		return fmt.Errorf("%s did not come back within %s: %w", host, e.opts.RebootTimeout, err)
	}
	return nil
}

func (e *Executor) GrantVolumeMaintenance(ctx context.Context, host string, cred *remote.Credential) error {
	_, err := e.script(ctx, host, cred, render(grantVolumeScript, nil))
	return err
}

func (e *Executor) SetServicePort(ctx context.Context, host, instance string, cred *remote.Credential, port int) error {
	_, err := e.script(ctx, host, cred, render(servicePortScript, map[string]string{
		"instance": instance,
		"port":     strconv.Itoa(port),
	}))
	return err
}

func (e *Executor) script(ctx context.Context, host string, cred *remote.Credential, text string) (string, error) {
	stdout, stderr, code, err := e.run(ctx, host, cred, false, text)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("%s exited %d: %s", host, code, firstLine(stderr, stdout))
	}
	return strings.TrimRight(stdout, "\r\n"), nil
}

// run executes command in a new session and returns its output and exit
// status. Cancelling ctx closes the session.
// run executes a PowerShell script on host and returns stdout, stderr and
// the exit code.
func (e *Executor) run(ctx context.Context, host string, cred *remote.Credential, delegate bool, script string) (string, string, int, error) {
	command, err := encode(script)
	if err != nil {
		return "", "", 0, err
	}
	client, err := e.client(ctx, host, cred, delegate)
	if err != nil {
		return "", "", 0, err
	}
	session, err := client.NewSession()
	if err != nil {
		// A stale connection, usually after the host restarted.
		e.forget(e.cacheKey(host, cred, delegate))
		if client, err = e.client(ctx, host, cred, delegate); err != nil {
			return "", "", 0, err
		}
		if session, err = client.NewSession(); err != nil {
			return "", "", 0, errors.Unreachable(host, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(command); err != nil {
		return "", "", 0, fmt.Errorf("start command on %s: %w", host, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return "", "", 0, ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.String(), stderr.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), 0, fmt.Errorf("command on %s: %w", host, err)
	}
}

func (e *Executor) client(ctx context.Context, host string, cred *remote.Credential, delegate bool) (*ssh.Client, error) {
	key := e.cacheKey(host, cred, delegate)

	e.mu.Lock()
	if c, ok := e.clients[key]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c, err := e.dial(ctx, host, cred, delegate)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[key]; ok {
		_ = c.Close()
		return existing, nil
	}
	e.clients[key] = c
	return c, nil
}

func (e *Executor) forget(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[key]; ok {
		_ = c.Close()
		delete(e.clients, key)
	}
}

// forgetHost drops every connection to host, whatever user it was made as.
func (e *Executor) forgetHost(host string) {
	prefix := strings.ToLower(host) + "|"
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, c := range e.clients {
		if strings.HasPrefix(key, prefix) {
			_ = c.Close()
			delete(e.clients, key)
		}
	}
}

func (e *Executor) cacheKey(host string, cred *remote.Credential, delegate bool) string {
	key := strings.ToLower(host) + "|" + e.user(cred)
	if delegate {
		key += "|password"
	}
	return key
}

// delegation reports whether proto needs a password logon. On Windows
// OpenSSH only a password logon carries network credentials, so it stands in
// for the delegating protocol; key logons serve every other protocol.
func delegation(proto remote.Protocol, cred *remote.Credential) (bool, error) {
	if !proto.IsPrivileged() {
		return false, nil
	}
	if cred == nil || cred.Password == "" {
		return false, fmt.Errorf("%s requires a credential with a password", proto)
	}
	return true, nil
}

func (e *Executor) user(cred *remote.Credential) string {
	if cred != nil && cred.Username != "" {
		return cred.Username
	}
	if e.opts.User != "" {
		return e.opts.User
	}
	return os.Getenv("USERNAME")
}

func (e *Executor) dial(ctx context.Context, host string, cred *remote.Credential, delegate bool) (*ssh.Client, error) {
	hostKeyCallback, err := e.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            e.user(cred),
		Auth:            e.authMethods(cred, delegate),
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.opts.DialTimeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(e.opts.Port))
	dialer := net.Dialer{Timeout: e.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Unreachable(host, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Unreachable(host, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (e *Executor) authMethods(cred *remote.Credential, delegate bool) []ssh.AuthMethod {
	var signers []ssh.Signer
	if !delegate {
		signers = e.signers()
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if cred != nil && cred.Password != "" {
		password := cred.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods
}

func (e *Executor) signers() []ssh.Signer {
	var signers []ssh.Signer
	for _, path := range e.opts.KeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			e.log.WithError(err).Debugf("skipping key %s", path)
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			e.log.WithError(err).Debugf("skipping key %s", path)
			continue
		}
		signers = append(signers, signer)
	}
	if e.opts.UseAgent {
		signers = append(signers, e.agentSigners()...)
	}
	return signers
}

func (e *Executor) agentSigners() []ssh.Signer {
	e.agentMu.Lock()
	defer e.agentMu.Unlock()
	if e.agent == nil {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			e.log.WithError(err).Debug("ssh agent unavailable")
			return nil
		}
		e.agentConn = conn
		e.agent = agent.NewClient(conn)
	}
	signers, err := e.agent.Signers()
	if err != nil {
		// Reconnect next time.
		e.log.WithError(err).Debug("listing ssh agent keys")
		e.dropAgentLocked()
		return nil
	}
	return signers
}

func (e *Executor) dropAgentLocked() {
	if e.agentConn != nil {
		_ = e.agentConn.Close()
	}
	e.agentConn = nil
	e.agent = nil
}

func (e *Executor) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if e.opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if e.opts.KnownHostsFile == "" {
		return nil, errors.New(errors.ErrCodeConfig, "no known_hosts file configured and host key checking is enabled")
	}
	cb, err := knownhosts.New(e.opts.KnownHostsFile)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfig, "loading known hosts", err)
	}
	return cb, nil
}

func stagingPath(dir, name string) string {
	sep := "/"
	if strings.Contains(dir, `\`) {
		sep = `\`
	}
	return strings.TrimRight(dir, `\/`) + sep + name
}

func firstLine(primary, fallback string) string {
	s := strings.TrimSpace(primary)
	if s == "" {
		s = strings.TrimSpace(fallback)
	}
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return s
}
