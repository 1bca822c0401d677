package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/terradev/terradev/pkg/config"
)

// PassphraseEnv names the environment variable holding the passphrase of an
// encrypted private key.
const PassphraseEnv = "TERRADEV_SSH_KEY_PASSPHRASE"

// Config describes the connection to the remote IaC host. At least one of
// KeyPath and Password must be usable; both are offered when set.
type Config struct {
	Host string
	Port int
	User string

	KeyPath    string
	Passphrase string
	Password   string

	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string

	ConnectTimeout time.Duration

	// KeepAliveInterval of 0 disables keep-alives. The connection is dropped
	// after KeepAliveRetries consecutive failures.
	KeepAliveInterval time.Duration
	KeepAliveRetries  int
}

// DefaultConfig returns a config for user@host:22 with a 30s connect timeout.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:             host,
		Port:             22,
		User:             user,
		ConnectTimeout:   30 * time.Second,
		KeepAliveRetries: 3,
	}
}

// ConfigFromRemote builds a key-authenticated config from operations.remote.
// The key passphrase, if any, is read from PassphraseEnv.
func ConfigFromRemote(remote config.RemoteConfig) *Config {
	c := DefaultConfig(remote.Host, remote.User)
	if remote.Port > 0 {
		c.Port = remote.Port
	}
	c.KeyPath = remote.KeyPath
	c.Passphrase = os.Getenv(PassphraseEnv)
	c.KnownHostsPath = remote.KnownHostsPath
	return c
}

// Validate checks the config, filling KeyPath from ~/.ssh when neither a key
// nor a password was given.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.ConnectTimeout <= 0:
		return errors.New("connection timeout must be positive")
	}

	if c.KeyPath == "" && c.Password == "" {
		c.KeyPath = defaultKey()
		if c.KeyPath == "" {
			return errors.New("no private key or password configured and no default key found")
		}
	}
	if c.KeyPath != "" {
		if _, err := os.Stat(c.KeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.KeyPath)
		}
	}
	return nil
}

func defaultKey() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ClientConfig builds the x/crypto/ssh client config.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.KeyPath != "" {
		pem, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no authentication method configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
