package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/telemetry"
)

// Client is one provider's instance API.
type Client interface {
	// ListInstances returns the provider's instances tagged with job, or every
	// managed instance when job is empty.
	ListInstances(ctx context.Context, job string) ([]engine.LiveInstance, error)

	// Terminate destroys an instance.
	Terminate(ctx context.Context, instanceID string) error

	// Create provisions an instance and returns it with its provider-assigned id.
	Create(ctx context.Context, spec engine.InstanceSpec) (*engine.LiveInstance, error)
}

// Registry routes provider names to clients and implements engine.ProviderGateway.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// clients maps provider name to client.
	clients map[string]Client

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewRegistry creates an empty registry. Either metrics or tracer may be nil.
func NewRegistry(metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Register adds a client under name.
func (r *Registry) Register(name string, client Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.clients[name] = client
	return nil
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[name]
	if !exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("provider %s not registered", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	return client, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListInstances implements engine.ProviderGateway. Returned instances carry the
// provider name, and the job when the provider does not tag them.
func (r *Registry) ListInstances(ctx context.Context, provider, job string) ([]engine.LiveInstance, error) {
	client, err := r.Get(provider)
	if err != nil {
		return nil, err
	}

	var live []engine.LiveInstance
	err = telemetry.RecordProviderOperation(ctx, r.tracer, r.metrics, provider, "list_instances", func(ctx context.Context) error {
		var err error
		live, err = client.ListInstances(ctx, job)
		return err
	})
	if err != nil {
		return nil, wrapProviderError(provider, "list_instances", err)
	}

	for i := range live {
		live[i].Provider = provider
		if live[i].Job == "" {
			live[i].Job = job
		}
	}
	return live, nil
}

// Terminate implements engine.ProviderGateway.
func (r *Registry) Terminate(ctx context.Context, provider, instanceID string) error {
	client, err := r.Get(provider)
	if err != nil {
		return err
	}

	err = telemetry.RecordProviderOperation(ctx, r.tracer, r.metrics, provider, "terminate", func(ctx context.Context) error {
		return client.Terminate(ctx, instanceID)
	})
	if err != nil {
		return wrapProviderError(provider, "terminate", err).WithDetail("instance_id", instanceID)
	}
	return nil
}

// Create implements engine.ProviderGateway.
func (r *Registry) Create(ctx context.Context, provider string, spec engine.InstanceSpec) (*engine.LiveInstance, error) {
	client, err := r.Get(provider)
	if err != nil {
		return nil, err
	}

	var inst *engine.LiveInstance
	err = telemetry.RecordProviderOperation(ctx, r.tracer, r.metrics, provider, "create", func(ctx context.Context) error {
		var err error
		inst, err = client.Create(ctx, spec)
		return err
	})
	if err != nil {
		return nil, wrapProviderError(provider, "create", err)
	}
	if inst == nil {
		return nil, wrapProviderError(provider, "create", fmt.Errorf("provider returned no instance"))
	}

	inst.Provider = provider
	if inst.Job == "" {
		inst.Job = spec.Job
	}
	return inst, nil
}

// wrapProviderError keeps an existing engine error code and classifies everything
// else as a transient provider failure.
func wrapProviderError(provider, op string, err error) *engine.EngineError {
	code := engine.CodeOf(err)
	if code == "" {
		code = engine.ErrCodeProviderFailed
	}
	return engine.NewTransientError(fmt.Sprintf("provider %s %s failed", provider, op), err).
		WithCode(code).
		WithResource(provider).
		WithOperation(op)
}
