package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/smartpipeline/pkg/config"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}

	if config.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", config.User)
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
}

func TestFromSettings(t *testing.T) {
	settings := config.SSH{
		Host:           "hypervisor.lab",
		Port:           2222,
		User:           "root",
		KeyPath:        "/root/.ssh/id_ed25519",
		TimeoutSeconds: 15,
	}

	c := FromSettings(settings)
	if c.Address() != "hypervisor.lab:2222" {
		t.Errorf("expected address hypervisor.lab:2222, got %s", c.Address())
	}
	if c.PrivateKeyPath != "/root/.ssh/id_ed25519" {
		t.Errorf("unexpected key path %s", c.PrivateKeyPath)
	}
	if c.StrictHostKeyChecking {
		t.Error("expected host key checking off without known_hosts")
	}
	if c.ConnectionTimeout != 15*time.Second {
		t.Errorf("expected 15s connection timeout, got %v", c.ConnectionTimeout)
	}

	settings.KnownHostsPath = "/root/.ssh/known_hosts"
	if c := FromSettings(settings); !c.StrictHostKeyChecking {
		t.Error("expected host key checking with known_hosts")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
			expectError: false,
		},
		{
			name: "missing host",
			modifyFunc: func(c *Config) {
				c.Host = ""
			},
			expectError: true,
			errorMsg:    "host is required",
		},
		{
			name: "invalid port",
			modifyFunc: func(c *Config) {
				c.Port = 0
			},
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name: "missing user",
			modifyFunc: func(c *Config) {
				c.User = ""
			},
			expectError: true,
			errorMsg:    "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			expectError: true,
			errorMsg:    "password is required",
		},
		{
			name: "key auth with missing key",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name: "unsupported auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "agent"
			},
			expectError: true,
			errorMsg:    "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			expectError: true,
			errorMsg:    "connection timeout must be positive",
		},
		{
			name: "invalid command timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.CommandTimeout = 0
			},
			expectError: true,
			errorMsg:    "command timeout must be positive",
		},
		{
			name: "proxy with missing user",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ProxyHost = "proxy.example.com"
				c.ProxyUser = ""
			},
			expectError: true,
			errorMsg:    "proxy user is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()

			if tt.expectError && err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}

			if !tt.expectError && err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}

			if tt.expectError && !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%v'", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222

	expected := "example.com:2222"
	if address := config.Address(); address != expected {
		t.Errorf("expected address '%s', got '%s'", expected, address)
	}

	config.Host = "fd00::1"
	if address := config.Address(); address != "[fd00::1]:2222" {
		t.Errorf("expected bracketed IPv6 address, got '%s'", address)
	}
}

func TestConfigProxyAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.ProxyHost = "proxy.example.com"
	config.ProxyPort = 2222

	expected := "proxy.example.com:2222"
	if address := config.ProxyAddress(); address != expected {
		t.Errorf("expected proxy address '%s', got '%s'", expected, address)
	}
	if !config.IsProxyEnabled() {
		t.Error("expected proxy to be enabled")
	}

	config.ProxyHost = ""
	if address := config.ProxyAddress(); address != "" {
		t.Errorf("expected empty proxy address, got '%s'", address)
	}
	if config.IsProxyEnabled() {
		t.Error("expected proxy to be disabled")
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig("testuser")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
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

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig("jump")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if clientConfig.User != "jump" {
			t.Errorf("expected user 'jump', got '%s'", clientConfig.User)
		}

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

		if _, err := config.BuildSSHClientConfig("testuser"); err == nil {
			t.Error("expected error for missing known_hosts, got nil")
		}
	})
}

// writeTestKey writes a fresh ED25519 private key in OpenSSH format.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}
