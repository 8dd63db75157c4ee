package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is a single SSH connection implementing the engine's bootstrap
// transport: Connect, Run, Upload, Close.
type Client struct {
	config Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewClient builds an unconnected client. Call Connect before use.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{config: config}, nil
}

// Connect dials the endpoint and performs the SSH handshake. The returned
// error is a *TransportError classified as temporary or an auth failure.
func (c *Client) Connect(ctx context.Context) error {
	clientConfig, err := c.config.buildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		resultCh <- dialResult{client, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return classifyConnectError(res.err)
		}
		c.mu.Lock()
		c.client = res.client
		c.mu.Unlock()
		log.Debug().Str("address", c.config.Address()).Str("user", c.config.User).Msg("ssh connected")
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.client != nil {
				res.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	}
}

// Run executes a command in a fresh session and returns its exit code and
// combined output. A non-zero exit is reported through the exit code with a
// nil error; the error return is reserved for transport-level failures.
func (c *Client) Run(ctx context.Context, command string) (int, string, error) {
	client := c.connected()
	if client == nil {
		return -1, "", &TransportError{Op: "exec", Err: errors.New("not connected")}
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, "", &TransportError{Op: "exec", Err: fmt.Errorf("creating session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(command) }()

	select {
	case err := <-errCh:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitStatus(), output.String(), nil
			}
			return -1, output.String(), &TransportError{Op: "exec", Err: err, IsTemporary: true}
		}
		return 0, output.String(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return -1, output.String(), &TransportError{Op: "exec", Err: ctx.Err()}
	}
}

// Close tears down the connection. Safe to call without a prior Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) connected() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}
