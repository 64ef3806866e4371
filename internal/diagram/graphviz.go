package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the graphviz output format.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

var imageFormats = map[ImageFormat]graphviz.Format{
	"":        graphviz.PNG,
	FormatPNG: graphviz.PNG,
	FormatSVG: graphviz.SVG,
}

var nodeShapes = map[NodeKind]cgraph.Shape{
	NodeKindStage:       cgraph.BoxShape,
	NodeKindConditional: cgraph.DiamondShape,
	NodeKindStart:       cgraph.CircleShape,
	NodeKindEnd:         cgraph.CircleShape,
}

// RenderImage lays the model out top to bottom with dot and encodes it.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	gvFormat, ok := imageFormats[format]
	if !ok {
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	if err := drawModel(graph, model); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func drawModel(graph *cgraph.Graph, model *DiagramModel) error {
	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	drawn := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		n, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		styleNode(n, node)
		drawn[node.ID] = n
	}

	for _, edge := range model.Edges {
		from, to := drawn[edge.From], drawn[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}
	return nil
}

// styleNode takes the shape from the node kind and the colours from its
// recorded outcome.
func styleNode(n *cgraph.Node, node *Node) {
	n.SetLabel(node.Label)
	if shape, ok := nodeShapes[node.Kind]; ok {
		n.SetShape(shape)
	}
	if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
		n.SetWidth(0.5)
		n.SetHeight(0.5)
	}

	style, ok := overlayStyle(node)
	if !ok {
		return
	}
	if style.dashed {
		n.SetStyle(cgraph.DashedNodeStyle)
	} else {
		n.SetStyle(cgraph.FilledNodeStyle)
	}
	n.SetFillColor(style.fill)
	n.SetColor(style.stroke)
	n.SetFontColor(style.font)
}
