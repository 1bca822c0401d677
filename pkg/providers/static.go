package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/terradev/terradev/pkg/engine"
)

var validate = validator.New()

// candidatesFile is the document layout of a candidates file. A bare list is also
// accepted.
type candidatesFile struct {
	Candidates []engine.Candidate `yaml:"candidates"`
}

// StaticSource is a CandidateSource over a fixed candidate list.
type StaticSource struct {
	candidates []engine.Candidate
}

// NewStaticSource creates a source over candidates.
func NewStaticSource(candidates []engine.Candidate) *StaticSource {
	return &StaticSource{candidates: candidates}
}

// LoadStaticSource reads a YAML or JSON candidates file.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read candidates file: %w", err)
	}
	candidates, err := ParseCandidates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewStaticSource(candidates), nil
}

// ParseCandidates decodes and validates a candidates document.
func ParseCandidates(data []byte) ([]engine.Candidate, error) {
	var doc candidatesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		var list []engine.Candidate
		if errList := yaml.Unmarshal(data, &list); errList != nil {
			return nil, fmt.Errorf("failed to parse candidates: %w", err)
		}
		doc.Candidates = list
	}

	for i := range doc.Candidates {
		if err := validate.Struct(doc.Candidates[i]); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
	}
	return doc.Candidates, nil
}

// Candidates implements engine.CandidateSource. It applies the hard constraints of
// req: GPU type, region and maximum hourly price. Scoring is left to the decision
// engine.
func (s *StaticSource) Candidates(_ context.Context, req engine.Requirements) ([]engine.Candidate, error) {
	out := make([]engine.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if req.GPUType != "" && !strings.EqualFold(c.GPUType, req.GPUType) {
			continue
		}
		if req.Region != "" && c.Region != "" && c.Region != req.Region {
			continue
		}
		if req.MaxPricePerHour > 0 && c.PricePerHour > req.MaxPricePerHour {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
