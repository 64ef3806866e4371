package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Processor implements the business logic of one workflow type. It receives
// the engine handle for journaling steps, consulting the oracle, requesting
// approvals and raising exceptions.
type Processor interface {
	Execute(ctx context.Context, h Handle, rc *RunContext) (*schema.WorkflowResult, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, h Handle, rc *RunContext) (*schema.WorkflowResult, error)

func (f ProcessorFunc) Execute(ctx context.Context, h Handle, rc *RunContext) (*schema.WorkflowResult, error) {
	return f(ctx, h, rc)
}

// Handle is the engine surface exposed to processors.
type Handle interface {
	RecordStep(ctx context.Context, rc *RunContext, step Step) *StepResult
	MakeAIDecision(ctx context.Context, rc *RunContext, req DecisionRequest) (*DecisionResult, error)
	MakeBatchAIDecision(ctx context.Context, rc *RunContext, req BatchDecisionRequest) ([]DecisionResult, error)
	RequestApproval(ctx context.Context, rc *RunContext, req ApprovalInput) (*ApprovalOutcome, error)
	HandleException(ctx context.Context, rc *RunContext, ex ExceptionInput) (*store.ExceptionRecord, error)
}

// Registry is the closed set of processors, fixed at construction.
type Registry struct {
	processors map[string]Processor
}

// NewRegistry builds a registry from workflow type to processor.
func NewRegistry(entries map[string]Processor) (*Registry, error) {
	for wt, p := range entries {
		if wt == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "processor registered with empty workflow type")
		}
		if p == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "nil processor for workflow type %q", wt)
		}
	}
	return &Registry{processors: maps.Clone(entries)}, nil
}

// Lookup returns the processor for a workflow type.
func (r *Registry) Lookup(workflowType string) (Processor, bool) {
	p, ok := r.processors[workflowType]
	return p, ok
}

// Has reports whether a processor exists for the workflow type.
func (r *Registry) Has(workflowType string) bool {
	_, ok := r.processors[workflowType]
	return ok
}

// Types returns the registered workflow types in sorted order.
func (r *Registry) Types() []string {
	types := slices.Collect(maps.Keys(r.processors))
	sort.Strings(types)
	return types
}

// Validate fails with UNKNOWN_PROCESSOR listing every type without a processor.
func (r *Registry) Validate(workflowTypes ...string) error {
	var missing []string
	for _, wt := range workflowTypes {
		if !r.Has(wt) && !slices.Contains(missing, wt) {
			missing = append(missing, wt)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return schema.NewErrorf(schema.ErrCodeUnknownProcessor,
		"no processor registered for workflow types: %s", strings.Join(missing, ", ")).
		WithDetails(map[string]any{"missing": missing})
}

// RunContext is the mutable per-run state handed to a processor.
type RunContext struct {
	Run        *store.WorkflowRun
	Definition *store.WorkflowDefinition
	Input      map[string]any
	// ApprovalGranted is set when the run resumes after a granted approval.
	ApprovalGranted bool
	// ResumeFromStep makes RecordStep skip steps numbered below it.
	ResumeFromStep int
	Logger         *slog.Logger

	mu    sync.Mutex
	state map[string]any
}

// RunID returns the owning run ID, or "" for a detached context.
func (rc *RunContext) RunID() string {
	if rc == nil || rc.Run == nil {
		return ""
	}
	return rc.Run.ID
}

// Set stores a value shared between the processor's steps.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == nil {
		rc.state = make(map[string]any)
	}
	rc.state[key] = value
}

// Get returns a value stored with Set.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.state[key]
	return v, ok
}
