// Package selector supplies the target allocation a rebalancing cycle aims
// for. The upstream scoring pipeline hands off its ranked picks as a YAML
// file; this package loads and validates that handoff.
package selector

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"rebalancer/internal/domain"
)

// Selector produces the target allocation for the next cycle.
type Selector interface {
	Targets(ctx context.Context) (domain.TargetAllocation, error)
}

// Compile-time interface checks.
var (
	_ Selector = (*FileSelector)(nil)
	_ Selector = (*StaticSelector)(nil)
)

// FileSelector reads the allocation from a YAML handoff file written by the
// scoring pipeline.
type FileSelector struct {
	Path string
}

// NewFileSelector creates a FileSelector for the given path.
func NewFileSelector(path string) *FileSelector {
	return &FileSelector{Path: path}
}

// targetsFile is the handoff document shape.
type targetsFile struct {
	AsOf    string                  `yaml:"as_of"`
	Targets domain.TargetAllocation `yaml:"targets"`
}

// Targets loads and validates the handoff file.
func (s *FileSelector) Targets(_ context.Context) (domain.TargetAllocation, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}

	var doc targetsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing targets file %s: %w", s.Path, err)
	}
	if err := Validate(doc.Targets); err != nil {
		return nil, fmt.Errorf("targets file %s: %w", s.Path, err)
	}
	return doc.Targets, nil
}

// StaticSelector returns a fixed allocation. Used in tests and, with an
// empty allocation, by the sell-all command.
type StaticSelector struct {
	Allocation domain.TargetAllocation
}

func (s *StaticSelector) Targets(_ context.Context) (domain.TargetAllocation, error) {
	if err := Validate(s.Allocation); err != nil {
		return nil, err
	}
	return s.Allocation, nil
}

// Validate checks an allocation: well-formed asset codes, no duplicates,
// each weight in (0, 1], and the sum at most 1. An empty allocation is
// valid and means exit every position.
func Validate(targets domain.TargetAllocation) error {
	seen := make(map[string]bool, len(targets))
	for _, tw := range targets {
		if !domain.ValidAssetCode(tw.AssetID) {
			return fmt.Errorf("malformed asset code %q", tw.AssetID)
		}
		if seen[tw.AssetID] {
			return fmt.Errorf("duplicate asset %s", tw.AssetID)
		}
		seen[tw.AssetID] = true
		if tw.Weight <= 0 || tw.Weight > 1 {
			return fmt.Errorf("weight %v for %s outside (0, 1]", tw.Weight, tw.AssetID)
		}
	}

	if sum := targets.WeightSum(); sum > 1+1e-9 {
		return fmt.Errorf("weights sum to %v, exceeding 1", sum)
	}
	return nil
}
