package pipeline

import (
	"log/slog"
	"slices"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// BuildExecutionWaves orders stages into waves: a stage joins the first wave
// after all of its dependencies have been placed. Stage order within a wave
// follows declaration order. If a scan places nothing, the remaining stages
// are flushed as a final wave and a warning is logged, so an unsatisfiable
// graph still makes progress.
func BuildExecutionWaves(stages []schema.Stage, logger *slog.Logger) [][]schema.Stage {
	placed := make(map[string]bool, len(stages))
	remaining := slices.Clone(stages)
	var waves [][]schema.Stage

	for len(remaining) > 0 {
		var wave, next []schema.Stage
		for _, st := range remaining {
			if dependenciesPlaced(st, placed) {
				wave = append(wave, st)
			} else {
				next = append(next, st)
			}
		}

		if len(wave) == 0 {
			if logger != nil {
				logger.Warn("unresolvable stage dependencies, forcing remaining stages into a final wave",
					slog.Any("stages", WaveNames([][]schema.Stage{remaining})[0]),
				)
			}
			waves = append(waves, remaining)
			break
		}

		for _, st := range wave {
			placed[st.WorkflowType] = true
		}
		waves = append(waves, wave)
		remaining = next
	}
	return waves
}

func dependenciesPlaced(st schema.Stage, placed map[string]bool) bool {
	for _, dep := range st.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}

// WaveNames projects waves onto their workflow types.
func WaveNames(waves [][]schema.Stage) [][]string {
	out := make([][]string, len(waves))
	for i, wave := range waves {
		names := make([]string, len(wave))
		for j, st := range wave {
			names[j] = st.WorkflowType
		}
		out[i] = names
	}
	return out
}
