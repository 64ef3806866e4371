package diagram

import (
	"fmt"
	"strings"
)

var (
	mermaidIDReplacer    = strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	mermaidLabelReplacer = strings.NewReplacer(`"`, "#quot;", "|", "#124;")
)

// RenderMermaid renders the model as a top-down Mermaid flowchart. Stages of
// one wave are grouped in a subgraph so the wave order reads top to bottom.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	wave := 0
	for _, level := range model.Levels {
		if isTerminalLevel(level) {
			for _, id := range level {
				if node := model.Node(id); node != nil {
					fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
				}
			}
			continue
		}
		wave++
		fmt.Fprintf(&b, "    subgraph wave_%d [\"Wave %d\"]\n", wave, wave)
		for _, id := range level {
			if node := model.Node(id); node != nil {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(node))
			}
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Label != "" {
			arrow += "|" + mermaidEscapeLabel(edge.Label) + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(edge.From), arrow, mermaidSafeID(edge.To))
	}

	var classes []string
	for _, node := range model.Nodes {
		if style, ok := overlayStyle(node); ok {
			classes = append(classes, fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), style.class))
		}
	}
	if len(classes) == 0 {
		return b.String()
	}

	b.WriteString("\n")
	for _, s := range stageStyles {
		st := s.style
		def := fmt.Sprintf("fill:%s,stroke:%s,color:%s", st.fill, st.stroke, st.font)
		if st.dashed {
			def += ",stroke-dasharray:5 5"
		}
		fmt.Fprintf(&b, "    classDef %s %s\n", st.class, def)
	}
	for _, line := range classes {
		b.WriteString(line)
	}
	return b.String()
}

func isTerminalLevel(level []string) bool {
	return len(level) == 1 && (level[0] == StartID || level[0] == EndID)
}

// mermaidNodeDef draws stages as boxes, conditional stages as diamonds and
// the start and end markers as circles.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindConditional:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidEscapeLabel(s string) string {
	return mermaidLabelReplacer.Replace(s)
}
