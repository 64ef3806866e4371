// Package catalog loads the YAML catalog of workflow definitions, pipelines,
// approval thresholds, exception rules and processor bindings, validates it
// and seeds it into the running system.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jcheng510/ai-erp-system-sub003/internal/processors"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/internal/validation"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Catalog is the decoded catalog document.
type Catalog struct {
	Definitions    []DefinitionSpec            `yaml:"definitions"`
	Pipelines      []schema.PipelineDefinition `yaml:"pipelines"`
	Thresholds     []store.ApprovalThreshold   `yaml:"thresholds"`
	ExceptionRules []RuleSpec                  `yaml:"exception_rules"`
	Processors     []ProcessorSpec             `yaml:"processors"`
}

// DefinitionSpec is a workflow definition as written in the catalog.
// Active defaults to true.
type DefinitionSpec struct {
	ID            string                `yaml:"id"`
	Name          string                `yaml:"name"`
	Description   string                `yaml:"description"`
	WorkflowType  string                `yaml:"workflow_type"`
	TriggerType   schema.TriggerType    `yaml:"trigger_type"`
	Schedule      string                `yaml:"schedule"`
	TriggerEvents []string              `yaml:"trigger_events"`
	DependsOn     []string              `yaml:"depends_on"`
	Threshold     *schema.ThresholdSpec `yaml:"threshold"`
	Retry         schema.RetryPolicy    `yaml:"retry"`
	MaxConcurrent int                   `yaml:"max_concurrent"`
	Active        *bool                 `yaml:"active"`
}

// RuleSpec is an exception rule as written in the catalog. Active defaults
// to true.
type RuleSpec struct {
	ID            string                    `yaml:"id"`
	ExceptionType string                    `yaml:"exception_type"`
	Priority      int                       `yaml:"priority"`
	Strategy      schema.ResolutionStrategy `yaml:"strategy"`
	Condition     string                    `yaml:"condition"`
	AutoAction    string                    `yaml:"auto_action"`
	NotifyRoles   []string                  `yaml:"notify_roles"`
	Active        *bool                     `yaml:"active"`
}

// ProcessorSpec binds a workflow type to a processor.
type ProcessorSpec struct {
	WorkflowType string            `yaml:"workflow_type"`
	Kind         string            `yaml:"kind"`
	URL          string            `yaml:"url"`
	Timeout      time.Duration     `yaml:"timeout"`
	Headers      map[string]string `yaml:"headers"`
}

// Load reads and parses a catalog file.
func Load(path string, v *validation.SchemaValidator) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(data, v)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse validates data against the catalog JSON Schema and decodes it.
func Parse(data []byte, v *validation.SchemaValidator) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "catalog is not valid YAML").WithCause(err)
	}
	if doc == nil {
		return &Catalog{}, nil
	}
	if err := v.ValidateCatalog(doc); err != nil {
		return nil, err
	}

	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode catalog").WithCause(err)
	}
	return &c, nil
}

// WorkflowDefinitions converts the catalog definitions to store rows.
func (c *Catalog) WorkflowDefinitions() []*store.WorkflowDefinition {
	out := make([]*store.WorkflowDefinition, 0, len(c.Definitions))
	for _, d := range c.Definitions {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		out = append(out, &store.WorkflowDefinition{
			ID:            d.ID,
			Name:          name,
			Description:   d.Description,
			WorkflowType:  d.WorkflowType,
			TriggerType:   d.TriggerType,
			Schedule:      d.Schedule,
			TriggerEvents: d.TriggerEvents,
			DependsOn:     d.DependsOn,
			Threshold:     d.Threshold,
			Retry:         d.Retry,
			MaxConcurrent: max(d.MaxConcurrent, 1),
			Active:        d.Active == nil || *d.Active,
		})
	}
	return out
}

// Rules converts the catalog exception rules to store rows.
func (c *Catalog) Rules() []*store.ExceptionRule {
	out := make([]*store.ExceptionRule, 0, len(c.ExceptionRules))
	for _, r := range c.ExceptionRules {
		out = append(out, &store.ExceptionRule{
			ID:            r.ID,
			ExceptionType: r.ExceptionType,
			Priority:      r.Priority,
			Strategy:      r.Strategy,
			Condition:     r.Condition,
			AutoAction:    r.AutoAction,
			NotifyRoles:   r.NotifyRoles,
			Active:        r.Active == nil || *r.Active,
		})
	}
	return out
}

// Bindings returns the processor bindings keyed by workflow type, merged
// over base. Catalog entries win.
func (c *Catalog) Bindings(base map[string]processors.Binding) map[string]processors.Binding {
	out := make(map[string]processors.Binding, len(base)+len(c.Processors))
	for wt, b := range base {
		out[wt] = b
	}
	for _, p := range c.Processors {
		b := out[p.WorkflowType]
		b.Kind = p.Kind
		b.URL = p.URL
		b.Timeout = p.Timeout
		b.Headers = p.Headers
		out[p.WorkflowType] = b
	}
	return out
}
