package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/terradev/terradev/pkg/config"
)

func writeTestKey(t *testing.T, passphrase string) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestConfigValidate(t *testing.T) {
	key := writeTestKey(t, "")

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"key", func(c *Config) { c.KeyPath = key }, ""},
		{"password", func(c *Config) { c.Password = "secret" }, ""},
		{"missing host", func(c *Config) { c.Host = "" }, "host is required"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "invalid port"},
		{"missing user", func(c *Config) { c.User = "" }, "user is required"},
		{"zero timeout", func(c *Config) { c.Password = "x"; c.ConnectTimeout = 0 }, "timeout must be positive"},
		{"missing key file", func(c *Config) { c.KeyPath = "/nonexistent/key" }, "private key file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig("iac.internal", "deploy")
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFindsDefaultKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	c := DefaultConfig("iac.internal", "deploy")
	if err := c.Validate(); err == nil {
		t.Fatal("expected error without any key or password")
	}

	if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, ".ssh", "id_rsa")
	if err := os.WriteFile(want, []byte("key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if c.KeyPath != want {
		t.Errorf("KeyPath = %s, want %s", c.KeyPath, want)
	}
}

func TestConfigFromRemote(t *testing.T) {
	t.Setenv(PassphraseEnv, "hunter2")

	c := ConfigFromRemote(config.RemoteConfig{
		Host:           "iac.internal",
		User:           "deploy",
		KeyPath:        "/keys/deploy",
		KnownHostsPath: "/etc/ssh/known_hosts",
	})
	if c.Port != 22 || c.KeyPath != "/keys/deploy" || c.Passphrase != "hunter2" {
		t.Errorf("config = %+v", c)
	}
	if c.KnownHostsPath != "/etc/ssh/known_hosts" {
		t.Errorf("KnownHostsPath = %q", c.KnownHostsPath)
	}

	c = ConfigFromRemote(config.RemoteConfig{Host: "fd00::10", User: "deploy", Port: 2222})
	if got := c.Address(); got != "[fd00::10]:2222" {
		t.Errorf("Address() = %s", got)
	}
}

func TestClientConfig(t *testing.T) {
	t.Run("key and password", func(t *testing.T) {
		c := DefaultConfig("iac.internal", "deploy")
		c.KeyPath = writeTestKey(t, "")
		c.Password = "secret"

		cc, err := c.ClientConfig()
		if err != nil {
			t.Fatalf("ClientConfig() error = %v", err)
		}
		if cc.User != "deploy" || len(cc.Auth) != 2 || cc.Timeout != c.ConnectTimeout {
			t.Errorf("client config = %+v", cc)
		}
	})

	t.Run("encrypted key", func(t *testing.T) {
		c := DefaultConfig("iac.internal", "deploy")
		c.KeyPath = writeTestKey(t, "hunter2")

		if _, err := c.ClientConfig(); err == nil {
			t.Error("expected error without passphrase")
		}
		c.Passphrase = "hunter2"
		if _, err := c.ClientConfig(); err != nil {
			t.Errorf("ClientConfig() error = %v", err)
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		c := DefaultConfig("iac.internal", "deploy")
		c.Password = "secret"
		c.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := c.ClientConfig(); err == nil {
			t.Error("expected error for unreadable known_hosts")
		}
	})

	t.Run("no auth", func(t *testing.T) {
		if _, err := DefaultConfig("iac.internal", "deploy").ClientConfig(); err == nil {
			t.Error("expected error without auth")
		}
	})
}
