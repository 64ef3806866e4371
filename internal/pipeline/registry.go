// Package pipeline runs multi-stage workflow DAGs in dependency-ordered waves.
package pipeline

import (
	"sort"
	"sync"

	"github.com/jcheng510/ai-erp-system-sub003/internal/validation"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Registry holds validated pipeline definitions. Pipelines with unknown
// stage dependencies or dependency cycles are rejected at registration.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*schema.PipelineDefinition
	validator validation.Validator
	known     validation.TypeLookup
}

// NewRegistry creates an empty registry. known reports which workflow types
// have processors; nil skips that check.
func NewRegistry(known validation.TypeLookup) *Registry {
	return &Registry{
		pipelines: make(map[string]*schema.PipelineDefinition),
		validator: validation.NewCatalogValidator(),
		known:     known,
	}
}

// Register validates and stores p, replacing any pipeline with the same ID.
func (r *Registry) Register(p *schema.PipelineDefinition) error {
	if err := r.validator.ValidatePipeline(p, r.known).ToError(); err != nil {
		return err
	}
	cp := *p
	cp.Stages = append([]schema.Stage(nil), p.Stages...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.ID] = &cp
	return nil
}

// Get returns a registered pipeline.
func (r *Registry) Get(id string) (*schema.PipelineDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not found", id)
	}
	return p, nil
}

// List returns every registered pipeline ordered by ID.
func (r *Registry) List() []*schema.PipelineDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.PipelineDefinition, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
