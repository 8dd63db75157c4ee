package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/provisio/provisio/pkg/config"
	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/expr"
)

// mockProvider materializes instances in memory, with optional failure
// injection keyed on a "fail" attribute.
type mockProvider struct {
	mu       sync.Mutex
	counter  int
	creates  []string
	failFn   func(resourceType string, attrs map[string]interface{}) error
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

func (m *mockProvider) Create(ctx context.Context, resourceType string, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	cur := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&m.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&m.maxSeen, seen, cur) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if m.failFn != nil {
		if err := m.failFn(resourceType, attrs); err != nil {
			return "", nil, err
		}
	}

	m.mu.Lock()
	m.counter++
	identity := fmt.Sprintf("%s-%d", resourceType, m.counter)
	addr := fmt.Sprintf("10.0.0.%d", m.counter)
	m.creates = append(m.creates, identity)
	m.mu.Unlock()

	return identity, map[string]interface{}{"id": identity, "address": addr}, nil
}

func (m *mockProvider) Read(ctx context.Context, resourceType, identity string) (map[string]interface{}, error) {
	return nil, errors.New("not implemented")
}

// mockTransport records bootstrap activity and can fail connects in
// sequence.
type mockTransport struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	actions     []string
	runExit     int
}

type connErr struct {
	temp bool
	auth bool
}

func (e connErr) Error() string     { return "connect failed" }
func (e connErr) Temporary() bool   { return e.temp }
func (e connErr) AuthFailure() bool { return e.auth }

func (m *mockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if len(m.connectErrs) > 0 {
		err := m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
		return err
	}
	return nil
}

func (m *mockTransport) Run(ctx context.Context, command string) (int, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, "exec:"+command)
	return m.runExit, "", nil
}

func (m *mockTransport) Upload(ctx context.Context, local, remote string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, fmt.Sprintf("upload:%s->%s", local, remote))
	return nil
}

func (m *mockTransport) Close() error { return nil }

func fastOpts() engine.ApplyOptions {
	return engine.ApplyOptions{
		Parallelism:     4,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		ConnectAttempts: 3,
		ConnectBackoff:  time.Millisecond,
	}
}

func applyConfig(t *testing.T, src string, vars map[string]cty.Value, provider engine.Provider, transports engine.TransportFactory, opts engine.ApplyOptions) (*engine.Run, *engine.Graph) {
	t.Helper()
	cfg := parseConfig(t, src)
	defaults, err := config.ResolveVariables(cfg, config.VariableOptions{})
	if err != nil {
		t.Fatalf("ResolveVariables: %v", err)
	}
	scope := expr.NewScope().WithVariables(defaults).WithVariables(vars)
	_, byDecl, err := engine.ExpandAll(cfg, scope)
	if err != nil {
		t.Fatalf("ExpandAll: %v", err)
	}
	graph, err := engine.BuildGraph(cfg, byDecl)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	registry := engine.NewProviderRegistry()
	registry.RegisterFallback(provider)
	applier := engine.NewApplier(registry, transports, nil, opts)
	run, err := applier.Apply(context.Background(), cfg, graph, scope)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return run, graph
}

const applySrc = `
variable "env" { default = "dev" }

resource "network" "net" {
  cidr = "10.0.0.0/16"
}

resource "subnet" "sub" {
  count   = var.env == "prod" ? 2 : 1
  network = net.id
  cidr    = "10.0.${count.index}.0/24"
}

resource "server" "srv" {
  count  = 2
  subnet = sub[0].id
}

output "subnet_ids" {
  value = sub.*.id
}

output "network_id" {
  value = net.id
}
`

func TestApplyDevTopology(t *testing.T) {
	provider := &mockProvider{}
	run, _ := applyConfig(t, applySrc, map[string]cty.Value{"env": cty.StringVal("dev")}, provider, nil, fastOpts())

	if run.Status != engine.RunSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if run.Summary.Total != 4 || run.Summary.Applied != 4 {
		t.Errorf("summary = %+v", run.Summary)
	}
	for id, res := range run.Results {
		if res.Status != engine.StatusApplied {
			t.Errorf("%s status = %s", id, res.Status)
		}
	}

	ids, ok := run.Outputs["subnet_ids"].([]interface{})
	if !ok || len(ids) != 1 {
		t.Errorf("subnet_ids = %v", run.Outputs["subnet_ids"])
	}
	if run.Outputs["network_id"] == "" {
		t.Error("network_id output missing")
	}
	if len(run.Unavailable) != 0 {
		t.Errorf("unavailable = %v", run.Unavailable)
	}
}

func TestApplyProdTopology(t *testing.T) {
	provider := &mockProvider{}
	run, _ := applyConfig(t, applySrc, map[string]cty.Value{"env": cty.StringVal("prod")}, provider, nil, fastOpts())

	if run.Status != engine.RunSucceeded {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.Summary.Total != 5 {
		t.Errorf("total = %d, want 5", run.Summary.Total)
	}
	ids, ok := run.Outputs["subnet_ids"].([]interface{})
	if !ok || len(ids) != 2 {
		t.Errorf("subnet_ids = %v", run.Outputs["subnet_ids"])
	}
}

func TestApplyDependencyOrder(t *testing.T) {
	provider := &mockProvider{}
	run, _ := applyConfig(t, applySrc, map[string]cty.Value{"env": cty.StringVal("dev")}, provider, nil, fastOpts())
	if run.Status != engine.RunSucceeded {
		t.Fatal(run.Status)
	}

	pos := make(map[string]int)
	for i, identity := range provider.creates {
		pos[identity[:len(identity)-2]] = i // strip "-N"
	}
	if pos["network"] > pos["subnet"] {
		t.Errorf("network created after subnet: %v", provider.creates)
	}
	if pos["subnet"] > pos["server"] {
		t.Errorf("subnet created after server: %v", provider.creates)
	}
}

func TestApplyFailureBlocksDependents(t *testing.T) {
	src := `
resource "network" "net" {
  fail = true
}
resource "subnet" "sub" {
  count   = 2
  network = net.id
}
resource "server" "srv" {
  subnet = sub[0].id
}
resource "bucket" "logs" {
  name = "logs"
}

output "subnet_ids" { value = sub.*.id }
output "bucket_id" { value = logs.id }
`
	provider := &mockProvider{
		failFn: func(resourceType string, attrs map[string]interface{}) error {
			if fail, _ := attrs["fail"].(bool); fail {
				return errors.New("upstream rejected the request")
			}
			return nil
		},
	}
	run, _ := applyConfig(t, src, nil, provider, nil, fastOpts())

	if run.Status != engine.RunPartial {
		t.Fatalf("run status = %s, want partial", run.Status)
	}
	if run.Results["net[0]"].Status != engine.StatusFailed {
		t.Errorf("net[0] = %s", run.Results["net[0]"].Status)
	}
	// The independent bucket still applied; nothing was aborted.
	if run.Results["logs[0]"].Status != engine.StatusApplied {
		t.Errorf("logs[0] = %s", run.Results["logs[0]"].Status)
	}
	// Direct and transitive dependents are blocked, naming the origin.
	for _, id := range []string{"sub[0]", "sub[1]", "srv[0]"} {
		res := run.Results[id]
		if res.Status != engine.StatusBlocked {
			t.Errorf("%s = %s, want blocked", id, res.Status)
		}
		if res.BlockedBy != "net[0]" {
			t.Errorf("%s blocked_by = %q, want net[0]", id, res.BlockedBy)
		}
	}

	if _, ok := run.Outputs["bucket_id"]; !ok {
		t.Error("bucket_id output should be available")
	}
	if _, ok := run.Unavailable["subnet_ids"]; !ok {
		t.Error("subnet_ids output should be unavailable")
	}
}

func TestApplyRetriesTransientProviderErrors(t *testing.T) {
	var calls int32
	provider := &mockProvider{
		failFn: func(resourceType string, attrs map[string]interface{}) error {
			if atomic.AddInt32(&calls, 1) <= 2 {
				return engine.NewTransientError(engine.CodeProviderFailed, "throttled", nil)
			}
			return nil
		},
	}
	run, _ := applyConfig(t, `resource "network" "net" {}`, nil, provider, nil, fastOpts())

	if run.Status != engine.RunSucceeded {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.Results["net[0]"].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", run.Results["net[0]"].Attempts)
	}
}

func TestApplyDoesNotRetryPermanentErrors(t *testing.T) {
	var calls int32
	provider := &mockProvider{
		failFn: func(resourceType string, attrs map[string]interface{}) error {
			atomic.AddInt32(&calls, 1)
			return engine.NewPermanentError(engine.CodeProviderFailed, "invalid request", nil)
		},
	}
	run, _ := applyConfig(t, `resource "network" "net" {}`, nil, provider, nil, fastOpts())

	if run.Status != engine.RunFailed {
		t.Fatalf("run status = %s", run.Status)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}

func TestApplyParallelismBound(t *testing.T) {
	provider := &mockProvider{delay: 20 * time.Millisecond}
	opts := fastOpts()
	opts.Parallelism = 2
	run, _ := applyConfig(t, `resource "server" "srv" { count = 6 }`, nil, provider, nil, opts)

	if run.Status != engine.RunSucceeded {
		t.Fatal(run.Status)
	}
	if max := atomic.LoadInt32(&provider.maxSeen); max > 2 {
		t.Errorf("max concurrent creates = %d, want <= 2", max)
	}
}

func TestApplyEmptyConfiguration(t *testing.T) {
	run, _ := applyConfig(t, `output "nothing" { value = "constant" }`, nil, &mockProvider{}, nil, fastOpts())
	if run.Status != engine.RunSucceeded {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.Summary.Total != 0 {
		t.Errorf("total = %d", run.Summary.Total)
	}
	if run.Outputs["nothing"] != "constant" {
		t.Errorf("outputs = %v", run.Outputs)
	}
}

func TestApplyCancelledContext(t *testing.T) {
	cfg := parseConfig(t, `resource "network" "net" {}`)
	scope := expr.NewScope()
	_, byDecl, err := engine.ExpandAll(cfg, scope)
	if err != nil {
		t.Fatal(err)
	}
	graph, err := engine.BuildGraph(cfg, byDecl)
	if err != nil {
		t.Fatal(err)
	}
	registry := engine.NewProviderRegistry()
	registry.RegisterFallback(&mockProvider{})
	applier := engine.NewApplier(registry, nil, nil, fastOpts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := applier.Apply(ctx, cfg, graph, scope)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != engine.RunCancelled {
		t.Fatalf("run status = %s, want cancelled", run.Status)
	}
	if run.Results["net[0]"].Status != engine.StatusCancelled {
		t.Errorf("net[0] = %s", run.Results["net[0]"].Status)
	}
}

const bootstrapSrc = `
variable "user" { default = "root" }

resource "server" "srv" {
  name = "web"

  connection {
    host = self.address
    user = var.user
  }

  provision "file" {
    source      = "./app.tar.gz"
    destination = "/opt/app.tar.gz"
  }

  provision "exec" {
    commands = ["tar -xzf /opt/app.tar.gz -C /opt", "systemctl start app"]
  }
}
`

func TestApplyRunsBootstrapInOrder(t *testing.T) {
	transport := &mockTransport{}
	var gotSpec *engine.ConnectionSpec
	factory := func(spec *engine.ConnectionSpec) (engine.Transport, error) {
		gotSpec = spec
		return transport, nil
	}
	run, _ := applyConfig(t, bootstrapSrc, nil, &mockProvider{}, factory, fastOpts())

	if run.Status != engine.RunSucceeded {
		t.Fatalf("run status = %s: %+v", run.Status, run.Results["srv[0]"])
	}
	if gotSpec == nil || gotSpec.User != "root" || gotSpec.Host == "" {
		t.Fatalf("connection spec = %+v", gotSpec)
	}
	// self.address resolves to the provider-assigned address.
	if gotSpec.Host != "10.0.0.1" {
		t.Errorf("host = %q, want 10.0.0.1", gotSpec.Host)
	}

	want := []string{
		"upload:./app.tar.gz->/opt/app.tar.gz",
		"exec:tar -xzf /opt/app.tar.gz -C /opt",
		"exec:systemctl start app",
	}
	if len(transport.actions) != len(want) {
		t.Fatalf("actions = %v", transport.actions)
	}
	for i, a := range want {
		if transport.actions[i] != a {
			t.Errorf("action %d = %q, want %q", i, transport.actions[i], a)
		}
	}
}

func TestApplyBootstrapRetriesTemporaryConnectFailures(t *testing.T) {
	transport := &mockTransport{
		connectErrs: []error{connErr{temp: true}, connErr{temp: true}},
	}
	factory := func(spec *engine.ConnectionSpec) (engine.Transport, error) {
		return transport, nil
	}
	run, _ := applyConfig(t, bootstrapSrc, nil, &mockProvider{}, factory, fastOpts())

	if run.Status != engine.RunSucceeded {
		t.Fatalf("run status = %s: %+v", run.Status, run.Results["srv[0]"])
	}
	if transport.connects != 3 {
		t.Errorf("connect attempts = %d, want 3", transport.connects)
	}
}

func TestApplyBootstrapDoesNotRetryAuthFailures(t *testing.T) {
	transport := &mockTransport{
		connectErrs: []error{connErr{auth: true}},
	}
	factory := func(spec *engine.ConnectionSpec) (engine.Transport, error) {
		return transport, nil
	}
	run, _ := applyConfig(t, bootstrapSrc, nil, &mockProvider{}, factory, fastOpts())

	res := run.Results["srv[0]"]
	if res.Status != engine.StatusFailed {
		t.Fatalf("srv[0] = %s, want failed", res.Status)
	}
	if transport.connects != 1 {
		t.Errorf("connect attempts = %d, want 1", transport.connects)
	}
	// Materialization succeeded before bootstrap failed; the identity is
	// kept in the report.
	if res.Identity == "" {
		t.Error("identity should be recorded despite bootstrap failure")
	}
}

func TestApplyBootstrapFailsOnNonZeroExit(t *testing.T) {
	transport := &mockTransport{runExit: 1}
	factory := func(spec *engine.ConnectionSpec) (engine.Transport, error) {
		return transport, nil
	}
	run, _ := applyConfig(t, bootstrapSrc, nil, &mockProvider{}, factory, fastOpts())

	if run.Results["srv[0]"].Status != engine.StatusFailed {
		t.Fatalf("srv[0] = %s, want failed", run.Results["srv[0]"].Status)
	}
}

func TestApplyIdempotentReapply(t *testing.T) {
	cfg := parseConfig(t, `
resource "network" "net" { cidr = "10.0.0.0/16" }
resource "subnet" "sub" {
  count   = 1
  network = net.id
}
`)
	scope := expr.NewScope()
	_, byDecl, err := engine.ExpandAll(cfg, scope)
	if err != nil {
		t.Fatal(err)
	}
	graph, err := engine.BuildGraph(cfg, byDecl)
	if err != nil {
		t.Fatal(err)
	}
	provider := &mockProvider{}
	registry := engine.NewProviderRegistry()
	registry.RegisterFallback(provider)
	applier := engine.NewApplier(registry, nil, nil, fastOpts())

	first, err := applier.Apply(context.Background(), cfg, graph, scope)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != engine.RunSucceeded || first.Summary.Unchanged != 0 {
		t.Fatalf("first run = %+v", first.Summary)
	}

	second, err := applier.Apply(context.Background(), cfg, graph, scope)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != engine.RunSucceeded {
		t.Fatalf("second run status = %s", second.Status)
	}
	if second.Summary.Unchanged != 2 {
		t.Errorf("unchanged = %d, want 2", second.Summary.Unchanged)
	}
	if len(provider.creates) != 2 {
		t.Errorf("provider called %d times across both runs, want 2", len(provider.creates))
	}
}
