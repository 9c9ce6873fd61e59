package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/transports/ssh"
)

func TestHostConnector_SSHConfig(t *testing.T) {
	key := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(key, []byte("unused"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SSH_AUTH_SOCK", "")

	c := newConnector(connectorOptions{DefaultUser: "deploy", NoHostKeyCheck: true}, zerolog.Nop())

	tests := []struct {
		name     string
		host     engine.Host
		wantAddr string
		wantUser string
		wantAuth ssh.AuthMethod
	}{
		{
			name:     "password and port",
			host:     engine.Host{Name: "db1", Address: "10.0.0.5", Port: 2222, User: "root", Password: "pw"},
			wantAddr: "10.0.0.5:2222",
			wantUser: "root",
			wantAuth: ssh.AuthMethodPassword,
		},
		{
			name:     "key with default user",
			host:     engine.Host{Name: "web1", KeyPath: key, Become: true},
			wantAddr: "web1:22",
			wantUser: "deploy",
			wantAuth: ssh.AuthMethodKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := c.sshConfig(tt.host)
			if err != nil {
				t.Fatalf("sshConfig() error = %v", err)
			}
			if cfg.Address() != tt.wantAddr || cfg.User != tt.wantUser || cfg.AuthMethod != tt.wantAuth {
				t.Errorf("config = %s %s %s", cfg.Address(), cfg.User, cfg.AuthMethod)
			}
			if cfg.StrictHostKeyChecking {
				t.Error("host key checking should be off")
			}
			if cfg.Become != tt.host.Become {
				t.Errorf("become = %v", cfg.Become)
			}
		})
	}
}

func TestHostConnector_Local(t *testing.T) {
	c := newConnector(connectorOptions{}, zerolog.Nop())
	tr, err := c.Open(context.Background(), engine.Host{Name: "here", Connection: engine.ConnectionLocal})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer tr.Close()

	res, err := tr.Exec(context.Background(), "echo hi")
	if err != nil || res.Stdout != "hi\n" {
		t.Errorf("Exec() = %+v, %v", res, err)
	}
}
