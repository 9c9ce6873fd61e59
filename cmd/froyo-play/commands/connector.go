package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports"
	"github.com/openfroyo/froyo-play/pkg/transports/local"
	"github.com/openfroyo/froyo-play/pkg/transports/ssh"
)

// connectorOptions are the CLI-wide SSH settings.
type connectorOptions struct {
	DefaultUser    string
	KnownHostsPath string
	NoHostKeyCheck bool
}

// hostConnector opens a local or SSH transport per inventory host.
type hostConnector struct {
	opts   connectorOptions
	logger zerolog.Logger
}

var _ engine.Connector = (*hostConnector)(nil)

func newConnector(opts connectorOptions, logger zerolog.Logger) *hostConnector {
	return &hostConnector{opts: opts, logger: logger}
}

func (c *hostConnector) Open(ctx context.Context, host engine.Host) (transports.Transport, error) {
	var t transports.Transport
	if host.Connection == engine.ConnectionLocal {
		t = local.New(local.Config{Become: host.Become}, c.logger)
	} else {
		cfg, err := c.sshConfig(host)
		if err != nil {
			return nil, err
		}
		st, err := ssh.New(cfg, c.logger)
		if err != nil {
			return nil, err
		}
		t = st
	}

	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host.Name, err)
	}
	// Servers at their session limit accept the connection but refuse
	// every command.
	if st, ok := t.(*ssh.Transport); ok {
		if err := st.HealthCheck(ctx); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("%s accepted the connection but cannot run commands: %w", host.Name, err)
		}
	}
	return t, nil
}

func (c *hostConnector) sshConfig(host engine.Host) (*ssh.Config, error) {
	user := host.User
	if user == "" {
		user = c.opts.DefaultUser
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	cfg := ssh.DefaultConfig(host.EffectiveAddress(), user)
	if host.Port != 0 {
		cfg.Port = host.Port
	}
	switch {
	case host.Password != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = host.Password
	case host.KeyPath != "":
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = host.KeyPath
	case os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	if c.opts.KnownHostsPath != "" {
		cfg.KnownHostsPath = c.opts.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = !c.opts.NoHostKeyCheck
	cfg.Become = host.Become
	cfg.BecomePassword = host.BecomePassword

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh settings for %s: %w", host.Name, err)
	}
	return cfg, nil
}
