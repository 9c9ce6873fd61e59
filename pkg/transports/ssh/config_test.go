package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyo-play/pkg/transports"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.User != "deploy" {
		t.Errorf("expected user 'deploy', got '%s'", config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.Become {
		t.Error("expected become to be off by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name: "key file missing",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "proxy with missing user",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ProxyHost = "bastion.example.com"
				c.ProxyUser = ""
			},
			errorMsg: "proxy user is required",
		},
		{
			name:       "unsupported auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "kerberos" },
			errorMsg:   "unsupported auth method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "deploy")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%v'", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.Port = 2222

	if address := config.Address(); address != "example.com:2222" {
		t.Errorf("expected address 'example.com:2222', got '%s'", address)
	}

	config.Host = "::1"
	if address := config.Address(); address != "[::1]:2222" {
		t.Errorf("expected address '[::1]:2222', got '%s'", address)
	}
}

func TestConfigProxy(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")

	if config.IsProxyEnabled() {
		t.Error("expected proxy to be disabled")
	}
	if address := config.ProxyAddress(); address != "" {
		t.Errorf("expected empty proxy address, got '%s'", address)
	}

	config.ProxyHost = "bastion.example.com"
	config.ProxyPort = 2200
	if !config.IsProxyEnabled() {
		t.Error("expected proxy to be enabled")
	}
	if address := config.ProxyAddress(); address != "bastion.example.com:2200" {
		t.Errorf("expected proxy address 'bastion.example.com:2200', got '%s'", address)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "deploy" {
			t.Errorf("expected user 'deploy', got '%s'", clientConfig.User)
		}
		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := writeTestKey(t)

		config := DefaultConfig("example.com", "deploy")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication with garbage key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "bad_key")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
			t.Fatalf("failed to write key: %v", err)
		}

		config := DefaultConfig("example.com", "deploy")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected parse error, got nil")
		}
	})
}

func TestWrapCommand(t *testing.T) {
	tests := []struct {
		name     string
		become   bool
		password string
		want     string
	}{
		{"plain", false, "", "systemctl is-active nginx"},
		{"become nopasswd", true, "", "sudo -n sh -c 'systemctl is-active nginx'"},
		{"become with password", true, "pw", "sudo -S -p '' sh -c 'systemctl is-active nginx'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "deploy")
			config.AuthMethod = AuthMethodPassword
			config.Password = "secret"
			config.Become = tt.become
			config.BecomePassword = tt.password

			tr, err := New(config, zerolog.Nop())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := tr.wrapCommand("systemctl is-active nginx"); got != tt.want {
				t.Errorf("wrapCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecBeforeConnect(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"

	tr, err := New(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = tr.Exec(context.Background(), "true")
	if err == nil {
		t.Fatal("expected error before Connect")
	}
	if !transports.IsConnectionError(err) {
		t.Errorf("expected connection error, got %v", err)
	}
	if err := tr.HealthCheck(context.Background()); !transports.IsConnectionError(err) {
		t.Errorf("HealthCheck() before Connect = %v, want connection error", err)
	}
}

func TestConnectRefused(t *testing.T) {
	config := DefaultConfig("127.0.0.1", "deploy")
	config.Port = 1
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 2 * time.Second

	tr, err := New(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = tr.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !transports.IsConnectionError(err) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}
