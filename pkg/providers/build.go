package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/terradev/terradev/pkg/config"
	"github.com/terradev/terradev/pkg/telemetry"
)

// MemoryScheme selects the in-process provider in a provider endpoint, e.g.
// "memory://local".
const MemoryScheme = "memory://"

// FromConfig builds a registry from the providers section of the configuration.
// Endpoints starting with memory:// get a MemoryClient; everything else is an
// HTTP bridge.
func FromConfig(cfg map[string]config.ProviderConfig, metrics *telemetry.Metrics, tracer *telemetry.Tracer) (*Registry, error) {
	reg := NewRegistry(metrics, tracer)

	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg[name]
		var client Client
		if strings.HasPrefix(pc.Endpoint, MemoryScheme) {
			client = NewMemoryClient(name)
		} else {
			client = NewHTTPClient(pc.Endpoint, pc.Token, pc.Timeout)
		}
		if err := reg.Register(name, client); err != nil {
			return nil, fmt.Errorf("failed to register provider %s: %w", name, err)
		}
	}

	return reg, nil
}
