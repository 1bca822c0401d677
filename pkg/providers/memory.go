package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/terradev/terradev/pkg/engine"
)

// Operation names used by MemoryClient for error injection and call counting.
const (
	OpList      = "list_instances"
	OpCreate    = "create"
	OpTerminate = "terminate"
)

// MemoryClient is an in-process provider. It backs endpoints of the form
// "memory://" for local development and serves as the gateway in tests.
type MemoryClient struct {
	mu        sync.Mutex
	name      string
	instances map[string]engine.LiveInstance
	seq       int
	errs      map[string]error
	calls     map[string]int
	delay     time.Duration
	now       func() time.Time
}

// NewMemoryClient creates an empty in-memory provider. Assigned ids are prefixed
// with name.
func NewMemoryClient(name string) *MemoryClient {
	return &MemoryClient{
		name:      name,
		instances: make(map[string]engine.LiveInstance),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
		now:       time.Now,
	}
}

// Seed adds instances as they are, keeping their ids.
func (c *MemoryClient) Seed(instances ...engine.LiveInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inst := range instances {
		inst.Provider = c.name
		c.instances[inst.ID] = inst
	}
}

// Update applies fn to the instance with id and reports whether it exists.
func (c *MemoryClient) Update(id string, fn func(*engine.LiveInstance)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return false
	}
	fn(&inst)
	c.instances[id] = inst
	return true
}

// SetError makes every call of op fail with err. A nil err clears the failure.
func (c *MemoryClient) SetError(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, op)
		return
	}
	c.errs[op] = err
}

// SetDelay makes every call wait d or until its context is done.
func (c *MemoryClient) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Calls returns how many times op was invoked.
func (c *MemoryClient) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Instances returns every instance sorted by id.
func (c *MemoryClient) Instances() []engine.LiveInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.LiveInstance, 0, len(c.instances))
	for _, inst := range c.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// begin records a call and returns the injected error, honoring the configured delay.
func (c *MemoryClient) begin(ctx context.Context, op string) error {
	c.mu.Lock()
	c.calls[op]++
	delay := c.delay
	err := c.errs[op]
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return engine.NewTransientError("provider call timed out", ctx.Err()).WithCode(engine.ErrCodeTimeout)
		}
	}
	return err
}

// ListInstances implements Client.
func (c *MemoryClient) ListInstances(ctx context.Context, job string) ([]engine.LiveInstance, error) {
	if err := c.begin(ctx, OpList); err != nil {
		return nil, err
	}

	out := []engine.LiveInstance{}
	for _, inst := range c.Instances() {
		if job == "" || inst.Job == job {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Terminate implements Client.
func (c *MemoryClient) Terminate(ctx context.Context, instanceID string) error {
	if err := c.begin(ctx, OpTerminate); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[instanceID]; !ok {
		return engine.NewPermanentError(fmt.Sprintf("instance %s not found", instanceID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	delete(c.instances, instanceID)
	return nil
}

// Create implements Client. The new instance is running with a fresh id.
func (c *MemoryClient) Create(ctx context.Context, spec engine.InstanceSpec) (*engine.LiveInstance, error) {
	if err := c.begin(ctx, OpCreate); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	inst := engine.LiveInstance{
		ID:        fmt.Sprintf("%s-%d", c.name, c.seq),
		Provider:  c.name,
		Job:       spec.Job,
		Status:    "running",
		GPUs:      spec.GPUs,
		GPUType:   spec.GPUType,
		Region:    spec.Region,
		CreatedAt: c.now().UTC(),
	}
	for {
		if _, taken := c.instances[inst.ID]; !taken {
			break
		}
		c.seq++
		inst.ID = fmt.Sprintf("%s-%d", c.name, c.seq)
	}
	c.instances[inst.ID] = inst
	return &inst, nil
}
