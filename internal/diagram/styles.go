package diagram

import (
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// stageStyle is how every renderer draws one stage outcome.
type stageStyle struct {
	class  string // mermaid class name
	tag    string // ascii marker
	fill   string
	stroke string
	font   string
	dashed bool
}

// stageStyles lists the outcomes in the order their mermaid classes are declared.
var stageStyles = []struct {
	status schema.StageStatus
	style  stageStyle
}{
	{schema.StageCompleted, stageStyle{class: "completed", tag: "[OK]", fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"}},
	{schema.StageFailed, stageStyle{class: "failed", tag: "[FAIL]", fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"}},
	{schema.StageAwaitingApproval, stageStyle{class: "awaiting", tag: "[WAIT]", fill: "#b7791a", stroke: "#8a5c14", font: "#ffffff"}},
	{schema.StageNotRun, stageStyle{class: "notrun", tag: "[----]", fill: "#d3d3d3", stroke: "#9a9a9a", font: "#000000"}},
	{schema.StageSkipped, stageStyle{class: "skipped", tag: "[SKIP]", fill: "#e8e8e8", stroke: "#888888", font: "#888888", dashed: true}},
}

// styleFor returns the style of a stage status, if it has one.
func styleFor(status string) (stageStyle, bool) {
	for _, s := range stageStyles {
		if string(s.status) == status {
			return s.style, true
		}
	}
	return stageStyle{}, false
}

// overlayStyle returns the style of a node's recorded outcome.
func overlayStyle(node *Node) (stageStyle, bool) {
	if node.Status == nil {
		return stageStyle{}, false
	}
	return styleFor(node.Status.Status)
}
