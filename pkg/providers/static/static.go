// Package static implements an in-process provider that materializes
// instances without touching real infrastructure. Identities are generated
// locally and addresses are allocated from a private range, which makes it
// useful for dry environments, demos, and tests.
package static

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Provider materializes instances in memory.
type Provider struct {
	mu      sync.Mutex
	nextIP  int
	created map[string]map[string]interface{}
}

// New returns an empty static provider.
func New() *Provider {
	return &Provider{created: make(map[string]map[string]interface{})}
}

// Create assigns an identity and an address from 10.100.0.0/16, and echoes
// the resolved attributes back as outputs.
func (p *Provider) Create(ctx context.Context, resourceType string, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	p.nextIP++
	addr := fmt.Sprintf("10.100.%d.%d", p.nextIP/256, p.nextIP%256)
	p.mu.Unlock()

	identity := fmt.Sprintf("%s-%s", resourceType, uuid.New().String()[:8])
	outputs := map[string]interface{}{
		"id":      identity,
		"address": addr,
	}

	p.mu.Lock()
	p.created[identity] = outputs
	p.mu.Unlock()

	log.Debug().
		Str("type", resourceType).
		Str("identity", identity).
		Str("address", addr).
		Msg("static instance created")
	return identity, outputs, nil
}

// Read returns the outputs recorded at creation.
func (p *Provider) Read(ctx context.Context, resourceType, identity string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	outputs, ok := p.created[identity]
	if !ok {
		return nil, fmt.Errorf("static provider: unknown identity %q", identity)
	}
	return outputs, nil
}
