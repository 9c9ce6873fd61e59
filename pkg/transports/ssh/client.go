package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyo-play/pkg/transports"
)

// Transport is a transports.Transport backed by one SSH connection and a
// lazily opened SFTP subsystem.
type Transport struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	done        chan struct{}
}

// New creates an SSH transport. The configuration is validated but no
// connection is made until Connect.
func New(config *Config, logger zerolog.Logger) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Transport{
		config: config,
		logger: logger.With().Str("component", "ssh_transport").Str("address", config.Address()).Logger(),
	}, nil
}

// Name returns "ssh".
func (t *Transport) Name() string {
	return "ssh"
}

// Connect establishes the SSH connection. An existing healthy connection
// is reused.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		if err := t.healthCheckLocked(); err == nil {
			return nil
		}
		t.logger.Warn().Msg("Existing connection is dead, reconnecting")
		t.closeLocked()
	}

	clientConfig, err := t.config.BuildSSHClientConfig()
	if err != nil {
		return &transports.TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if t.config.IsProxyEnabled() {
		err = t.connectViaProxy(ctx, clientConfig)
	} else {
		err = t.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	t.connectedAt = time.Now()
	t.done = make(chan struct{})
	if t.config.KeepAliveInterval > 0 {
		go t.keepAlive(t.client, t.done)
	}

	t.logger.Info().Msg("SSH connection established")
	return nil
}

type dialResult struct {
	client *ssh.Client
	err    error
}

func (t *Transport) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", t.config.Address(), clientConfig)
		resultCh <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine may still succeed; close whatever it returns.
		go func() {
			if r := <-resultCh; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &transports.TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-resultCh:
		if r.err != nil {
			return &transports.TransportError{Op: "connect", Err: r.err, IsTemporary: true, IsAuthError: isAuthFailure(r.err)}
		}
		t.client = r.client
		return nil
	}
}

func (t *Transport) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := &Config{
		Host:                  t.config.ProxyHost,
		Port:                  t.config.ProxyPort,
		User:                  t.config.ProxyUser,
		AuthMethod:            AuthMethodKey,
		PrivateKeyPath:        t.config.ProxyPrivateKeyPath,
		ConnectionTimeout:     t.config.ConnectionTimeout,
		StrictHostKeyChecking: t.config.StrictHostKeyChecking,
		KnownHostsPath:        t.config.KnownHostsPath,
	}
	if proxyConfig.PrivateKeyPath == "" {
		proxyConfig.PrivateKeyPath = t.config.PrivateKeyPath
	}

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return &transports.TransportError{Op: "connect", Err: fmt.Errorf("failed to build proxy config: %w", err), IsAuthError: true}
	}

	t.logger.Debug().Str("proxy", proxyConfig.Address()).Msg("Connecting to jump host")

	proxyClient, err := ssh.Dial("tcp", proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return &transports.TransportError{Op: "connect", Err: fmt.Errorf("jump host %s: %w", proxyConfig.Address(), err), IsTemporary: true}
	}
	if err := ctx.Err(); err != nil {
		_ = proxyClient.Close()
		return &transports.TransportError{Op: "connect", Err: err}
	}

	targetAddress := t.config.Address()
	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &transports.TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &transports.TransportError{Op: "connect", Err: err, IsTemporary: true, IsAuthError: isAuthFailure(err)}
	}

	t.client = ssh.NewClient(ncc, chans, reqs)
	t.proxy = proxyClient
	return nil
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// Close closes the SFTP subsystem and the SSH connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	if t.sftp != nil {
		_ = t.sftp.Close()
		t.sftp = nil
	}
	var err error
	if t.client != nil {
		err = t.client.Close()
		t.client = nil
	}
	if t.proxy != nil {
		_ = t.proxy.Close()
		t.proxy = nil
	}
	if err != nil {
		return &transports.TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// HealthCheck verifies the connection still answers.
func (t *Transport) HealthCheck(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return &transports.TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return t.healthCheckLocked()
}

func (t *Transport) healthCheckLocked() error {
	session, err := t.client.NewSession()
	if err != nil {
		return &transports.TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &transports.TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	return nil
}

func (t *Transport) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			t.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= t.config.MaxKeepAliveRetries {
				t.logger.Error().Msg("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

func (t *Transport) getClient() (*ssh.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, &transports.TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return t.client, nil
}

// Exec runs cmd in a new session. With Become set the command runs under
// sudo.
func (t *Transport) Exec(ctx context.Context, cmd string) (*transports.ExecResult, error) {
	client, err := t.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &transports.TransportError{Op: "session", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := t.wrapCommand(cmd)
	if t.config.Become && t.config.BecomePassword != "" {
		session.Stdin = strings.NewReader(t.config.BecomePassword + "\n")
	}

	start := time.Now()
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- session.Run(finalCmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-doneCh:
	}

	result := &transports.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	t.logger.Debug().
		Str("command", cmd).
		Bool("become", t.config.Become).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("Command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &transports.TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return result, nil
}

func (t *Transport) wrapCommand(cmd string) string {
	if !t.config.Become {
		return cmd
	}
	if t.config.BecomePassword != "" {
		return "sudo -S -p '' sh -c " + transports.ShellQuote(cmd)
	}
	return "sudo -n sh -c " + transports.ShellQuote(cmd)
}

var _ transports.Transport = (*Transport)(nil)
