package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/provisio/provisio/pkg/config"
	"github.com/provisio/provisio/pkg/expr"
)

// ConnectionSpec is a fully resolved connection block for one instance.
type ConnectionSpec struct {
	Host           string        `validate:"required"`
	Port           int           `validate:"min=1,max=65535"`
	User           string        `validate:"required"`
	Password       string        `validate:"-"`
	PrivateKeyPath string        `validate:"-"`
	Timeout        time.Duration `validate:"min=0"`
}

// Transport is a connected session to a single instance. Implementations
// classify their errors with Temporary() and AuthFailure() methods so the
// engine can decide whether to retry connecting.
type Transport interface {
	// Connect establishes the session. Safe to call once.
	Connect(ctx context.Context) error
	// Run executes a command and returns its exit code and combined output.
	// A non-zero exit code is returned with a nil error.
	Run(ctx context.Context, command string) (exitCode int, output string, err error)
	// Upload copies a local file to the remote path, creating parent
	// directories as needed.
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// TransportFactory builds a transport for a resolved connection.
type TransportFactory func(spec *ConnectionSpec) (Transport, error)

var specValidator = validator.New()

// resolveConnection evaluates a connection block against the instance's
// self-bound scope.
func resolveConnection(conn *config.Connection, scope *expr.Scope) (*ConnectionSpec, error) {
	spec := &ConnectionSpec{Port: 22}

	host, err := expr.EvaluateString(conn.Host, scope)
	if err != nil {
		return nil, fmt.Errorf("connection host: %w", err)
	}
	spec.Host = host

	if conn.Port != nil {
		port, err := expr.EvaluateInt(conn.Port, scope)
		if err != nil {
			return nil, fmt.Errorf("connection port: %w", err)
		}
		spec.Port = port
	}
	if conn.User != nil {
		if spec.User, err = expr.EvaluateString(conn.User, scope); err != nil {
			return nil, fmt.Errorf("connection user: %w", err)
		}
	}
	if conn.Password != nil {
		if spec.Password, err = expr.EvaluateString(conn.Password, scope); err != nil {
			return nil, fmt.Errorf("connection password: %w", err)
		}
	}
	if conn.PrivateKeyPath != nil {
		if spec.PrivateKeyPath, err = expr.EvaluateString(conn.PrivateKeyPath, scope); err != nil {
			return nil, fmt.Errorf("connection private_key_path: %w", err)
		}
	}
	if conn.Timeout != nil {
		raw, err := expr.EvaluateString(conn.Timeout, scope)
		if err != nil {
			return nil, fmt.Errorf("connection timeout: %w", err)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("connection timeout %q: %w", raw, err)
		}
		spec.Timeout = d
	}

	if err := specValidator.Struct(spec); err != nil {
		return nil, fmt.Errorf("connection block invalid: %w", err)
	}
	return spec, nil
}

// runBootstrap connects to the instance and executes its provision blocks in
// declaration order. Connecting is retried with exponential backoff on
// temporary failures; authentication failures abort immediately. Action
// failures abort the remaining actions.
func (a *Applier) runBootstrap(ctx context.Context, inst *Instance, spec *ConnectionSpec, scope *expr.Scope) error {
	transport, err := a.transports(spec)
	if err != nil {
		return NewPermanentError(CodeBootstrapFailed, "creating transport", err).WithInstance(inst.ID)
	}
	defer transport.Close()

	if err := a.connectWithRetry(ctx, inst, transport, spec); err != nil {
		return err
	}

	for i, prov := range inst.Decl.Provisioners {
		if err := a.runAction(ctx, inst, transport, prov, scope); err != nil {
			return NewPermanentError(CodeBootstrapFailed,
				fmt.Sprintf("provision %q block %d failed", prov.Kind, i+1), err).
				WithInstance(inst.ID).
				WithOperation("bootstrap")
		}
	}
	return nil
}

func (a *Applier) connectWithRetry(ctx context.Context, inst *Instance, transport Transport, spec *ConnectionSpec) error {
	attempts := a.opts.ConnectAttempts
	for attempt := 1; ; attempt++ {
		err := transport.Connect(ctx)
		if err == nil {
			if a.metrics != nil {
				a.metrics.ObserveConnectAttempts(inst.Type, attempt)
			}
			return nil
		}

		if isAuthError(err) {
			return NewPermanentError(CodeAuthFailed,
				fmt.Sprintf("authentication failed for %s@%s:%d", spec.User, spec.Host, spec.Port), err).
				WithInstance(inst.ID).
				WithOperation("connect")
		}
		if !isTemporaryConnectionError(err) || attempt >= attempts {
			return NewTransientError(CodeConnectFailed,
				fmt.Sprintf("connecting to %s:%d failed after %d attempt(s)", spec.Host, spec.Port, attempt), err).
				WithInstance(inst.ID).
				WithOperation("connect")
		}

		delay := backoffDelay(a.opts.ConnectBackoff, attempt)
		log.Debug().
			Str("instance", inst.ID).
			Str("host", spec.Host).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("connect failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return NewPermanentError(CodeCancelled, "run cancelled while connecting", ctx.Err()).WithInstance(inst.ID)
		}
	}
}

func (a *Applier) runAction(ctx context.Context, inst *Instance, transport Transport, prov *config.Provisioner, scope *expr.Scope) error {
	switch prov.Kind {
	case config.ProvisionFile:
		source, err := expr.EvaluateString(prov.Source, scope)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		dest, err := expr.EvaluateString(prov.Destination, scope)
		if err != nil {
			return fmt.Errorf("destination: %w", err)
		}
		log.Debug().Str("instance", inst.ID).Str("source", source).Str("destination", dest).Msg("uploading file")
		if err := transport.Upload(ctx, source, dest); err != nil {
			return fmt.Errorf("uploading %s: %w", source, err)
		}
		if a.metrics != nil {
			a.metrics.IncBootstrapAction(config.ProvisionFile)
		}
		return nil

	case config.ProvisionExec:
		commands, err := expr.EvaluateStringList(prov.Commands, scope)
		if err != nil {
			return fmt.Errorf("commands: %w", err)
		}
		for _, cmd := range commands {
			log.Debug().Str("instance", inst.ID).Str("command", cmd).Msg("running command")
			exitCode, output, err := transport.Run(ctx, cmd)
			if err != nil {
				return fmt.Errorf("running %q: %w", cmd, err)
			}
			if exitCode != 0 {
				return fmt.Errorf("command %q exited with code %d: %s", cmd, exitCode, output)
			}
		}
		if a.metrics != nil {
			a.metrics.IncBootstrapAction(config.ProvisionExec)
		}
		return nil

	default:
		return fmt.Errorf("unknown provision kind %q", prov.Kind)
	}
}

// backoffDelay computes exponential backoff with jitter: base * 2^(n-1),
// capped at one minute, with up to 25% random variation.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if max := float64(time.Minute); delay > max {
		delay = max
	}
	jitter := delay * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(delay + jitter)
}
