package diagram

import (
	"fmt"

	"github.com/jcheng510/ai-erp-system-sub003/internal/pipeline"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Build constructs a DiagramModel for a pipeline. Levels follow the execution
// waves. When result is non-nil each stage carries its outcome.
func Build(p *schema.PipelineDefinition, result *schema.PipelineResult) *DiagramModel {
	waves := pipeline.BuildExecutionWaves(p.Stages, nil)

	nodes := make([]*Node, 0, len(p.Stages)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart, Wave: -1})

	levels := make([][]string, 0, len(waves)+2)
	levels = append(levels, []string{StartID})
	for i, wave := range waves {
		ids := make([]string, 0, len(wave))
		for _, st := range wave {
			node := stageNode(st, i)
			overlayStatus(node, result)
			nodes = append(nodes, node)
			ids = append(ids, st.WorkflowType)
		}
		levels = append(levels, ids)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd, Wave: len(waves)})
	levels = append(levels, []string{EndID})

	return &DiagramModel{
		Title:  title(p),
		Nodes:  nodes,
		Edges:  buildEdges(p.Stages),
		Levels: levels,
	}
}

func stageNode(st schema.Stage, wave int) *Node {
	node := &Node{ID: st.WorkflowType, Label: st.WorkflowType, Kind: NodeKindStage, Wave: wave}
	if st.Condition != "" {
		node.Kind = NodeKindConditional
		node.Label = fmt.Sprintf("%s\n(if %s)", st.WorkflowType, st.Condition)
	}
	return node
}

func overlayStatus(node *Node, result *schema.PipelineResult) {
	if result == nil {
		return
	}
	sr, ok := result.Stages[node.ID]
	if !ok {
		return
	}
	node.Status = &StatusOverlay{Status: string(sr.Status), Error: sr.Error}
	if sr.Result != nil {
		node.Status.RunID = sr.Result.RunID
		node.Status.Attempts = sr.Result.Attempts
		if node.Status.Error == "" {
			node.Status.Error = sr.Result.Error
		}
	}
}

// buildEdges links start to the roots, each dependency to its dependents and
// the leaves to end. Edges to unknown stages are dropped.
func buildEdges(stages []schema.Stage) []Edge {
	byType := make(map[string]schema.Stage, len(stages))
	hasDependents := make(map[string]bool, len(stages))
	for _, st := range stages {
		byType[st.WorkflowType] = st
	}

	var edges []Edge
	for _, st := range stages {
		if len(st.DependsOn) == 0 {
			edges = append(edges, Edge{From: StartID, To: st.WorkflowType})
		}
		for _, dep := range st.DependsOn {
			upstream, ok := byType[dep]
			if !ok {
				continue
			}
			hasDependents[dep] = true
			edges = append(edges, Edge{From: dep, To: st.WorkflowType, Label: forwardLabel(upstream)})
		}
	}
	for _, st := range stages {
		if !hasDependents[st.WorkflowType] {
			edges = append(edges, Edge{From: st.WorkflowType, To: EndID})
		}
	}
	return edges
}

func forwardLabel(st schema.Stage) string {
	switch {
	case st.OutputSelector != "":
		return st.ForwardKey() + " " + st.OutputSelector
	case st.OutputKey != "" && st.OutputKey != st.WorkflowType:
		return st.OutputKey
	}
	return ""
}

func title(p *schema.PipelineDefinition) string {
	if p.Name != "" {
		return p.Name
	}
	if p.ID != "" {
		return p.ID
	}
	return "Pipeline"
}
