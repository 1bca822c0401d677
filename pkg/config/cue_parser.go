package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/terradev/terradev/pkg/engine"
)

// CUEParser evaluates manifest documents written in CUE or JSON and validates them.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// LoadManifestFile reads a manifest from a .cue or .json file.
func (cp *CUEParser) LoadManifestFile(ctx context.Context, path string) (*engine.Manifest, error) {
	val, errs := cp.loadFile(path)
	if len(errs) > 0 {
		return nil, &SchemaError{Schema: SchemaManifest, Errors: errs}
	}
	return cp.decodeManifest(ctx, val, path)
}

// ParseManifest evaluates inline manifest content. JSON is valid CUE, so both are accepted.
func (cp *CUEParser) ParseManifest(ctx context.Context, content []byte) (*engine.Manifest, error) {
	val := cp.ctx.CompileBytes(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, &SchemaError{Schema: SchemaManifest, Errors: convertCUEErrors(err)}
	}
	return cp.decodeManifest(ctx, val, "inline")
}

// decodeManifest extracts a manifest from a CUE value. A document may hold the manifest
// at its root or under a top-level "manifest" field.
func (cp *CUEParser) decodeManifest(ctx context.Context, val cue.Value, source string) (*engine.Manifest, error) {
	if nested := val.LookupPath(cue.ParsePath("manifest")); nested.Exists() {
		val = nested
	}

	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &SchemaError{Schema: SchemaManifest, Errors: convertCUEErrors(err)}
	}

	raw, err := cp.ExportJSON(val)
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", source, err)
	}

	var m engine.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest from %s: %w", source, err)
	}

	if err := cp.ValidateManifest(ctx, &m); err != nil {
		return nil, err
	}

	return &m, nil
}

// ValidateManifest checks struct tags first, then the #Manifest schema.
func (cp *CUEParser) ValidateManifest(ctx context.Context, m *engine.Manifest) error {
	if err := cp.validator.Struct(m); err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}
	return cp.schemaRegistry.ValidateManifest(ctx, m)
}

// loadFile loads a single CUE or JSON file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON exports a CUE value to JSON.
func (cp *CUEParser) ExportJSON(val cue.Value) ([]byte, error) {
	var data interface{}
	if err := val.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}

	return json.MarshalIndent(data, "", "  ")
}

// IsManifestFile reports whether path has an extension LoadManifestFile understands.
func IsManifestFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".json":
		return true
	}
	return false
}
