package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStage       NodeKind = "stage"
	NodeKindConditional NodeKind = "conditional"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Virtual node ids bracketing every pipeline.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one stage of the pipeline, or a virtual start/end node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Wave   int
	Status *StatusOverlay
}

// StatusOverlay carries the outcome of a pipeline execution for a node.
type StatusOverlay struct {
	Status   string // from schema.StageStatus
	RunID    string
	Attempts int
	Error    string
}

// Edge connects a stage to a dependent. Label names the forwarded key when
// it differs from the stage's workflow type.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with the given id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
