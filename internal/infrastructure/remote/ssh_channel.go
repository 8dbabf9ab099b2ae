package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/wphive/backend/internal/core/ports"
)

var (
	ErrSSHConnection     = errors.New("ssh: connection failed")
	ErrSSHAuthentication = errors.New("ssh: authentication failed")
	ErrSSHCommandFailed  = errors.New("ssh: command execution failed")
	ErrSSHTimeout        = errors.New("ssh: connection timeout")
	ErrSSHNotConnected   = errors.New("ssh: not connected")
)

type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	Timeout    time.Duration
}

// SSHChannel is the SSH-backed command channel. Connection retries are the
// retry controller's responsibility; Connect makes exactly one bounded
// attempt.
type SSHChannel struct {
	config SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHChannel(cfg SSHConfig) *SSHChannel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SSHChannel{config: cfg}
}

func (c *SSHChannel) authMethods() ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	if c.config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key", ErrSSHAuthentication)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.config.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.config.Password))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}

	return authMethods, nil
}

func (c *SSHChannel) Connect(ctx context.Context) error {
	authMethods, err := c.authMethods()
	if err != nil {
		return err
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
		// Optimize for high latency / unstable networks
		Config: ssh.Config{
			Ciphers: []string{
				"chacha20-poly1305@openssh.com",
				"aes128-gcm@openssh.com",
				"aes128-ctr",
			},
		},
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	dialer := net.Dialer{
		Timeout:   c.config.Timeout,
		KeepAlive: 60 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrSSHTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrSSHConnection, err)
	}

	// Bound the handshake, then clear the deadline for the long-lived session.
	_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrSSHTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrSSHConnection, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.mu.Unlock()
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (c *SSHChannel) connected() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrSSHNotConnected
	}
	return c.client, nil
}

func (c *SSHChannel) Exec(ctx context.Context, cmd string) (ports.ExecResult, error) {
	client, err := c.connected()
	if err != nil {
		return ports.ExecResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return ports.ExecResult{}, fmt.Errorf("%w: failed to create session", ErrSSHConnection)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	return c.waitRun(ctx, session, cmd, &stdout, &stderr)
}

func (c *SSHChannel) ExecStream(ctx context.Context, cmd string, onLine func(string)) (ports.ExecResult, error) {
	client, err := c.connected()
	if err != nil {
		return ports.ExecResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return ports.ExecResult{}, fmt.Errorf("%w: failed to create session", ErrSSHConnection)
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return ports.ExecResult{}, fmt.Errorf("%w: stdout pipe failed", ErrSSHConnection)
	}
	// Merging stderr into stdout on the remote side preserves emission
	// order for the live console.
	cmd = cmd + " 2>&1"

	var stdout bytes.Buffer
	lineDone := make(chan struct{})
	go func() {
		defer close(lineDone)
		scanner := bufio.NewScanner(io.TeeReader(stdoutPipe, &stdout))
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
	}()

	result, err := c.waitRun(ctx, session, cmd, &stdout, &bytes.Buffer{})
	<-lineDone
	result.Stdout = stdout.String()
	return result, err
}

// waitRun runs cmd on the session, translating session exit into an
// ExecResult. A cancelled context kills the in-flight command.
func (c *SSHChannel) waitRun(ctx context.Context, session *ssh.Session, cmd string, stdout, stderr *bytes.Buffer) (ports.ExecResult, error) {
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return ports.ExecResult{}, fmt.Errorf("%w: command cancelled: %v", ErrSSHCommandFailed, ctx.Err())
	case err := <-done:
		result := ports.ExecResult{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// The command ran and exited non-zero; that is the step
			// runner's call, not a transport failure.
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("%w: %v", ErrSSHCommandFailed, err)
	}
}

func (c *SSHChannel) Upload(ctx context.Context, path string, content []byte) error {
	client, err := c.connected()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("%w: failed to create sftp client", ErrSSHConnection)
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create remote file %s", ErrSSHCommandFailed, path)
	}
	defer remoteFile.Close()

	if _, err := remoteFile.Write(content); err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", ErrSSHCommandFailed, path, err)
	}
	return nil
}

func (c *SSHChannel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
