package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/bptl/internal/model"
)

// Seed is the content of a mappings file: the services handlers may call and
// the topic mappings that bind them.
//
//	services:
//	  - reference: zrc
//	    api_type: zrc
//	    api_root: https://zaken.example.nl/api/v1/
//	    auth_header: Bearer ${ZRC_TOKEN}
//	mappings:
//	  - topic: zaak-initialize
//	    handler: zaak-initialize
//	    services:
//	      - alias: ZRC
//	        service: zrc
type Seed struct {
	Services []model.Service `yaml:"services"`
	Mappings []seedMapping   `yaml:"mappings"`
}

// seedMapping is a mapping as written in the file. Active defaults to true.
type seedMapping struct {
	Topic    string                 `yaml:"topic"`
	Handler  string                 `yaml:"handler"`
	Active   *bool                  `yaml:"active"`
	Services []model.ServiceBinding `yaml:"services"`
}

// SeedStore persists seeded services and mappings.
type SeedStore interface {
	SaveService(ctx context.Context, svc *model.Service) error
	SaveMapping(ctx context.Context, m *model.HandlerMapping) error
}

// LoadSeed reads a mappings file. ${VAR} references in auth headers are
// expanded from the environment.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse mappings file %s: %w", path, err)
	}

	for i := range seed.Services {
		svc := &seed.Services[i]
		if svc.Reference == "" || svc.APIType == "" || svc.APIRoot == "" {
			return nil, fmt.Errorf("mappings file %s: service %d needs reference, api_type and api_root", path, i)
		}
		svc.AuthHeader = os.ExpandEnv(svc.AuthHeader)
	}
	for i, m := range seed.Mappings {
		if m.Topic == "" || m.Handler == "" {
			return nil, fmt.Errorf("mappings file %s: mapping %d needs topic and handler", path, i)
		}
	}
	return &seed, nil
}

// HandlerMappings returns the mappings with defaults applied.
func (s *Seed) HandlerMappings() []*model.HandlerMapping {
	out := make([]*model.HandlerMapping, 0, len(s.Mappings))
	for _, sm := range s.Mappings {
		out = append(out, &model.HandlerMapping{
			TopicName:        sm.Topic,
			HandlerReference: sm.Handler,
			Active:           sm.Active == nil || *sm.Active,
			DefaultServices:  sm.Services,
		})
	}
	return out
}

// Apply upserts the seeded services, then the mappings.
func (s *Seed) Apply(ctx context.Context, st SeedStore) error {
	for i := range s.Services {
		if err := st.SaveService(ctx, &s.Services[i]); err != nil {
			return fmt.Errorf("save service %s: %w", s.Services[i].Reference, err)
		}
	}
	for _, m := range s.HandlerMappings() {
		if err := st.SaveMapping(ctx, m); err != nil {
			return fmt.Errorf("save mapping %s: %w", m.TopicName, err)
		}
	}
	return nil
}
