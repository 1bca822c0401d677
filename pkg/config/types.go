package config

import (
	"strconv"
	"time"

	"github.com/terradev/terradev/pkg/telemetry"
)

// Config is the terradev configuration file.
type Config struct {
	// Store configures the SQLite state database.
	Store StoreConfig `yaml:"store" toml:"store" validate:"required"`

	// Decision configures instance scoring and risk flags.
	Decision DecisionConfig `yaml:"decision" toml:"decision"`

	// Drift configures drift detection.
	Drift DriftConfig `yaml:"drift" toml:"drift"`

	// Operations configures the IaC executor.
	Operations OperationsConfig `yaml:"operations" toml:"operations"`

	// Providers maps a provider name to its bridge endpoint.
	Providers map[string]ProviderConfig `yaml:"providers" toml:"providers" validate:"dive"`

	// Policy configures custom risk policies.
	Policy PolicyConfig `yaml:"policy" toml:"policy"`

	// Audit configures audit trail export.
	Audit AuditConfig `yaml:"audit" toml:"audit"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry" toml:"telemetry"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path is the SQLite database path.
	Path string `yaml:"path" toml:"path" validate:"required"`
}

// Weights are the fixed factor weights of the decision engine.
type Weights struct {
	Cost         float64 `yaml:"cost" toml:"cost" json:"cost" validate:"gte=0,lte=1"`
	Performance  float64 `yaml:"performance" toml:"performance" json:"performance" validate:"gte=0,lte=1"`
	Availability float64 `yaml:"availability" toml:"availability" json:"availability" validate:"gte=0,lte=1"`
	Latency      float64 `yaml:"latency" toml:"latency" json:"latency" validate:"gte=0,lte=1"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Cost + w.Performance + w.Availability + w.Latency
}

// DecisionConfig configures the decision engine.
type DecisionConfig struct {
	// Weights are the per-factor weights. The defaults sum to 0.9.
	Weights Weights `yaml:"weights" toml:"weights"`

	// NormalizeWeights rescales the weights to sum to 1.0.
	NormalizeWeights bool `yaml:"normalize_weights" toml:"normalize_weights"`

	// HighCostThreshold is the hourly price above which a cost risk is flagged.
	HighCostThreshold float64 `yaml:"high_cost_threshold" toml:"high_cost_threshold" validate:"gte=0"`

	// AvailabilityThreshold is the SLA below which an availability risk is flagged.
	AvailabilityThreshold float64 `yaml:"availability_threshold" toml:"availability_threshold" validate:"gte=0,lte=1"`

	// LesserKnownProviders are flagged with a provider risk.
	LesserKnownProviders []string `yaml:"lesser_known_providers" toml:"lesser_known_providers"`

	// DefaultAvailability is assumed when a candidate reports none.
	DefaultAvailability float64 `yaml:"default_availability" toml:"default_availability" validate:"gte=0,lte=1"`

	// DefaultLatencyMs is assumed when a candidate reports none.
	DefaultLatencyMs float64 `yaml:"default_latency_ms" toml:"default_latency_ms" validate:"gte=0"`

	// FilterTimeout bounds a Starlark candidate filter evaluation.
	FilterTimeout time.Duration `yaml:"filter_timeout" toml:"filter_timeout"`

	// CandidatesFile is the default candidates file for `decide select`.
	CandidatesFile string `yaml:"candidates_file" toml:"candidates_file"`
}

// DriftConfig configures drift detection.
type DriftConfig struct {
	// ProviderTimeout bounds each per-provider live query.
	ProviderTimeout time.Duration `yaml:"provider_timeout" toml:"provider_timeout"`

	// MaxParallel bounds concurrent provider calls.
	MaxParallel int `yaml:"max_parallel" toml:"max_parallel" validate:"gte=0"`

	// WatchInterval is the default period of `drift watch`.
	WatchInterval time.Duration `yaml:"watch_interval" toml:"watch_interval"`
}

// OperationsConfig configures the operation manager and its executor.
type OperationsConfig struct {
	// WorkDir is the IaC working directory.
	WorkDir string `yaml:"work_dir" toml:"work_dir"`

	// TerraformBin is the executor binary.
	TerraformBin string `yaml:"terraform_bin" toml:"terraform_bin"`

	// Timeout bounds a single executor run.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`

	// Permissions are the scopes granted to this process.
	Permissions []string `yaml:"permissions" toml:"permissions" validate:"dive,oneof=read_only dry_run plan_only apply destroy modify_state"`

	// Remote runs the executor on a remote host over SSH when Host is set.
	Remote RemoteConfig `yaml:"remote" toml:"remote"`
}

// RemoteConfig configures the SSH executor.
type RemoteConfig struct {
	Host    string `yaml:"host" toml:"host" validate:"omitempty,hostname|ip"`
	Port    int    `yaml:"port" toml:"port" validate:"omitempty,gt=0,lte=65535"`
	User    string `yaml:"user" toml:"user" validate:"required_with=Host"`
	KeyPath string `yaml:"key_path" toml:"key_path"`

	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string `yaml:"known_hosts_path" toml:"known_hosts_path"`
}

// ProviderConfig configures one provider bridge.
type ProviderConfig struct {
	Endpoint string        `yaml:"endpoint" toml:"endpoint" validate:"required,url"`
	Token    string        `yaml:"token" toml:"token"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
}

// PolicyConfig configures custom risk policies.
type PolicyConfig struct {
	// Dir holds additional .rego risk policies, reloaded on change.
	Dir string `yaml:"dir" toml:"dir"`
}

// AuditConfig configures audit trail export.
type AuditConfig struct {
	// ExportDir receives trail documents from `audit export`.
	ExportDir string `yaml:"export_dir" toml:"export_dir"`

	// ObjectStore uploads trail documents to S3-compatible storage when Endpoint is set.
	ObjectStore ObjectStoreConfig `yaml:"object_store" toml:"object_store"`
}

// ObjectStoreConfig configures the S3-compatible audit exporter.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	Bucket    string `yaml:"bucket" toml:"bucket" validate:"required_with=Endpoint"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" toml:"use_ssl"`
	Prefix    string `yaml:"prefix" toml:"prefix"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: ".terradev/state.db",
		},
		Decision: DecisionConfig{
			Weights: Weights{
				Cost:         0.30,
				Performance:  0.25,
				Availability: 0.20,
				Latency:      0.15,
			},
			HighCostThreshold:     2.0,
			AvailabilityThreshold: 0.99,
			LesserKnownProviders:  []string{"vastai", "tensor_dock"},
			DefaultAvailability:   0.95,
			DefaultLatencyMs:      50,
			FilterTimeout:         5 * time.Second,
		},
		Drift: DriftConfig{
			ProviderTimeout: 30 * time.Second,
			MaxParallel:     10,
			WatchInterval:   5 * time.Minute,
		},
		Operations: OperationsConfig{
			WorkDir:      ".",
			TerraformBin: "terraform",
			Timeout:      600 * time.Second,
			Permissions:  []string{"read_only", "dry_run", "plan_only"},
			Remote: RemoteConfig{
				Port: 22,
			},
		},
		Providers: map[string]ProviderConfig{},
		Audit: AuditConfig{
			ExportDir: ".terradev/audit",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "nodes.0.gpus").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = loc + ":" + strconv.Itoa(e.Line) + ":" + strconv.Itoa(e.Column)
	}
	if e.Path != "" {
		if loc != "" {
			loc += " "
		}
		loc += e.Path
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}
