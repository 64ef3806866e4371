package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// PipelineRegistrar accepts validated pipelines.
type PipelineRegistrar interface {
	Register(p *schema.PipelineDefinition) error
}

// SeedReport counts what Seed wrote.
type SeedReport struct {
	Definitions int `json:"definitions"`
	Pipelines   int `json:"pipelines"`
	Thresholds  int `json:"thresholds"`
	Rules       int `json:"rules"`
}

// Seed upserts the catalog into the store and registers its pipelines.
// Upserts keep run counters and schedule bookkeeping of existing definitions.
func Seed(ctx context.Context, s store.Store, pipelines PipelineRegistrar, c *Catalog, logger *slog.Logger) (*SeedReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	report := &SeedReport{}

	for _, def := range c.WorkflowDefinitions() {
		if err := s.UpsertDefinition(ctx, def); err != nil {
			return report, fmt.Errorf("seed definition %s: %w", def.ID, err)
		}
		report.Definitions++
	}
	for i := range c.Thresholds {
		th := c.Thresholds[i]
		if err := s.UpsertThreshold(ctx, &th); err != nil {
			return report, fmt.Errorf("seed threshold %s: %w", th.EntityType, err)
		}
		report.Thresholds++
	}
	for _, rule := range c.Rules() {
		if err := s.UpsertExceptionRule(ctx, rule); err != nil {
			return report, fmt.Errorf("seed exception rule %s: %w", rule.ID, err)
		}
		report.Rules++
	}
	if pipelines != nil {
		for i := range c.Pipelines {
			if err := pipelines.Register(&c.Pipelines[i]); err != nil {
				return report, fmt.Errorf("register pipeline %s: %w", c.Pipelines[i].ID, err)
			}
			report.Pipelines++
		}
	}

	logger.InfoContext(ctx, "catalog seeded",
		slog.Int("definitions", report.Definitions),
		slog.Int("pipelines", report.Pipelines),
		slog.Int("thresholds", report.Thresholds),
		slog.Int("rules", report.Rules),
	)
	return report, nil
}
