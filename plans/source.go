package plans

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Source supplies the authoritative plan list, usually backed by a billing provider.
type Source interface {
	ListPlans(ctx context.Context) ([]Plan, error)
}

// StaticSource serves a fixed plan list.
type StaticSource []Plan

// ListPlans returns a copy of the static plan list.
func (s StaticSource) ListPlans(context.Context) ([]Plan, error) {
	out := make([]Plan, len(s))
	copy(out, s)
	return out, nil
}

// FileSource reads plans from a YAML file on every call.
//
// Each entry either sets limits directly or carries billing metadata:
//
//	plans:
//	  - id: free
//	    name: Free
//	    daily_limit: 100
//	    monthly_limit: 2000
//	  - id: pro
//	    name: Pro
//	    metadata:
//	      daily_api_limit: "10000"
//	      monthly_api_limit: "0"
type FileSource struct {
	Path string
}

type fileDocument struct {
	Plans []fileEntry `yaml:"plans"`
}

type fileEntry struct {
	Plan     `yaml:",inline"`
	Metadata map[string]string `yaml:"metadata"`
}

// NewFileSource returns a source reading the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// ListPlans parses the plan file.
func (f *FileSource) ListPlans(context.Context) ([]Plan, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return ParsePlans(data)
}

// ParsePlans decodes a YAML plan document.
func ParsePlans(data []byte) ([]Plan, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}

	out := make([]Plan, 0, len(doc.Plans))
	for _, entry := range doc.Plans {
		p := entry.Plan
		if len(entry.Metadata) > 0 {
			fromMeta, err := PlanFromMetadata(p.ID, p.Name, entry.Metadata)
			if err != nil {
				return nil, err
			}
			if p.DailyLimit == nil {
				p.DailyLimit = fromMeta.DailyLimit
			}
			if p.MonthlyLimit == nil {
				p.MonthlyLimit = fromMeta.MonthlyLimit
			}
		}
		out = append(out, p)
	}
	return out, nil
}
