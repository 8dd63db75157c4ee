package ssh

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes one SSH endpoint and how to authenticate against it.
type Config struct {
	Host string
	Port int
	User string

	// Password enables password authentication when non-empty.
	Password string
	// PrivateKeyPath enables public key authentication when non-empty.
	PrivateKeyPath string
	// Passphrase decrypts the private key when it is encrypted.
	Passphrase string

	// KnownHostsPath enables strict host key verification against the
	// given file. Empty disables verification, which is the norm for
	// freshly provisioned hosts whose keys are not yet known.
	KnownHostsPath string

	// ConnectTimeout bounds the TCP and SSH handshake.
	ConnectTimeout time.Duration
	// CommandTimeout bounds a single remote command, 0 for no limit.
	CommandTimeout time.Duration
}

// DefaultConfig returns a config with standard timeouts on port 22.
func DefaultConfig() Config {
	return Config{
		Port:           22,
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: 5 * time.Minute,
	}
}

// Validate checks that the config is complete enough to connect.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("ssh config: host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ssh config: port %d out of range", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("ssh config: user is required")
	}
	if c.Password == "" && c.PrivateKeyPath == "" {
		return fmt.Errorf("ssh config: either password or private_key_path is required")
	}
	return nil
}

// Address returns the host:port dial address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// buildClientConfig assembles the crypto/ssh client configuration.
func (c *Config) buildClientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key %s: %w", c.PrivateKeyPath, err)
		}
		var signer ssh.Signer
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key %s: %w", c.PrivateKeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts %s: %w", c.KnownHostsPath, err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
