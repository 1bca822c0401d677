// Package config loads terradev configuration and evaluates the user-supplied
// documents the rest of the system consumes.
//
// # Overview
//
// Three concerns live here:
//
//   - Config files (YAML or TOML, chosen by extension) decoded over DefaultConfig,
//     validated with struct tags, and optionally watched for changes.
//   - Manifest documents written in CUE or JSON, evaluated to concrete values and
//     checked against the built-in #Manifest schema.
//   - Starlark candidate filters, executed in a sandbox with a wall-clock timeout
//     and an execution step limit.
//
// # Components
//
// Load / Watch: Read a config file and reload it on change. Invalid intermediate
// writes are logged and skipped so a half-saved file never replaces a good config.
//
// SchemaRegistry: Holds the #Manifest, #Candidate and #Requirements schemas and
// supports registering custom definitions.
//
// CUEParser: Evaluates manifest documents. A document may hold the manifest at its
// root or under a top-level "manifest" field, so CUE users can factor shared node
// templates into hidden fields.
//
// StarlarkEvaluator: Compiles candidate filter predicates once and calls them per
// candidate under a timeout and step budget, for example
//
//	def accept(c):
//	    return c["provider"] != "vastai" and c["price_per_hour"] < 3.0
//
// # Usage Example
//
//	cfg, err := config.Load("terradev.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	parser := config.NewCUEParser()
//	m, err := parser.LoadManifestFile(ctx, "train1.cue")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Reporting
//
// Schema violations are returned as *SchemaError, whose Errors carry file, line,
// column and field path when CUE can attribute them.
package config
