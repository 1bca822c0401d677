// Package providers adapts GPU provider APIs to engine.ProviderGateway and
// pricing data to engine.CandidateSource.
//
// A Registry routes each call to the Client registered for the provider name and
// records a span and call metrics around it. Two clients ship with terradev:
// HTTPClient talks to a provider bridge over JSON, and MemoryClient keeps
// instances in process for local development.
//
// StaticSource serves candidates from a YAML or JSON file.
package providers
