package validation

import (
	"strings"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

type visitState uint8

const (
	unvisited visitState = iota
	onPath
	done
)

// validatePipelineDAG rejects pipelines whose depends_on edges loop back on
// themselves, naming the first loop found as a chain such as "a -> c -> b -> a".
// Unknown dependency names are left to the semantic checks.
func validatePipelineDAG(p *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	deps := make(map[string][]string, len(p.Stages))
	for _, st := range p.Stages {
		deps[st.WorkflowType] = st.DependsOn
	}

	state := make(map[string]visitState, len(p.Stages))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onPath
		path = append(path, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch state[dep] {
			case onPath:
				start := indexOf(path, dep)
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return false
	}

	for _, st := range p.Stages {
		if state[st.WorkflowType] == unvisited && visit(st.WorkflowType) {
			result.AddError("stages", schema.ErrCodeCycleDetected,
				"pipeline stages form a dependency cycle: "+strings.Join(cycle, " -> "))
			break
		}
	}
	return result
}

func indexOf(items []string, s string) int {
	for i, item := range items {
		if item == s {
			return i
		}
	}
	return -1
}
