package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/terradev/terradev/pkg/engine"
)

// Schema names registered by default.
const (
	SchemaManifest     = "Manifest"
	SchemaCandidate    = "Candidate"
	SchemaRequirements = "Requirements"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	for name, src := range map[string]string{
		SchemaManifest:     builtinManifestSchema,
		SchemaCandidate:    builtinCandidateSchema,
		SchemaRequirements: builtinRequirementsSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles src and registers the definition #<name> it declares.
func (sr *SchemaRegistry) RegisterSchema(name, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.MakePath(cue.Def(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare #%s", name, name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Data is round-tripped
// through its JSON form so that json tags decide field names.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	sr.mu.RLock()
	dataVal := sr.ctx.CompileBytes(raw)
	sr.mu.RUnlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Schema: schemaName, Errors: convertCUEErrors(err)}
	}

	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaError lists every violation found while unifying data with a schema.
type SchemaError struct {
	Schema string
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("validation against #%s failed", e.Schema)
	}
	msg := fmt.Sprintf("validation against #%s failed: %s", e.Schema, e.Errors[0].Error())
	if n := len(e.Errors) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

// ValidateManifest validates a manifest against the #Manifest schema.
func (sr *SchemaRegistry) ValidateManifest(ctx context.Context, m *engine.Manifest) error {
	return sr.ValidateAgainstSchema(ctx, SchemaManifest, m)
}

// ValidateCandidate validates a candidate against the #Candidate schema.
func (sr *SchemaRegistry) ValidateCandidate(ctx context.Context, c engine.Candidate) error {
	return sr.ValidateAgainstSchema(ctx, SchemaCandidate, c)
}

// ValidateRequirements validates selection requirements against the #Requirements schema.
func (sr *SchemaRegistry) ValidateRequirements(ctx context.Context, r engine.Requirements) error {
	return sr.ValidateAgainstSchema(ctx, SchemaRequirements, r)
}

// Built-in schema definitions

const builtinManifestSchema = `
#Node: {
	provider:     string & =~"^[a-z0-9_]+$"
	pod_id?:      string
	instance_id?: string
	gpus:         int & >=0
	gpu_type:     string & !=""
	region:       string & !=""
	status:       string & !=""
	created_at:   string
	ttl?:         int & >=0
}

#Manifest: {
	job:           string & =~"^[a-zA-Z0-9_.-]+$"
	version:       string & !=""
	nodes:         [...#Node] | null
	dataset_hash?: string & =~"^sha256:[0-9a-f]{64}$"
	ttl?:          int & >=0
	created_at:    string
	metadata?: {[string]: string}
}
`

const builtinCandidateSchema = `
#Candidate: {
	provider:       string & =~"^[a-z0-9_]+$"
	instance_type:  string & !=""
	gpu_type:       string
	gpu_memory_gb:  number & >=0
	price_per_hour: number & >=0
	availability?:  number & >=0 & <=1
	latency_ms?:    number & >=0
	region:         string
}
`

const builtinRequirementsSchema = `
#Requirements: {
	job?:                string
	gpu_type?:           string
	gpu_count?:          int & >=0
	gpu_memory_gb?:      number & >=0
	region?:             string
	max_price_per_hour?: number & >=0
	dry_run:             bool
	filter?:             string
}
`
