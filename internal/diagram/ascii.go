package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const boxGap = "  "

// RenderASCII renders the model as plain text: one row of boxes per wave,
// joined by arrows, followed by the list of forwarded outputs.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	var rows [][]asciiBox
	for _, level := range model.Levels {
		var row []asciiBox
		for _, id := range level {
			if node := model.Node(id); node != nil {
				row = append(row, makeBox(node))
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}

	for i, row := range rows {
		if i > 0 {
			writeArrow(&b, rowWidth(rows[i-1]))
		}
		writeRow(&b, row)
	}

	first := true
	for _, e := range model.Edges {
		if e.Label == "" {
			continue
		}
		if first {
			b.WriteString("\n--- forwarded outputs ---\n")
			first = false
		}
		fmt.Fprintf(&b, "  %s ─→ %s: %s\n", e.From, e.To, e.Label)
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

// makeBox frames the node label plus its outcome marker and attempt count.
func makeBox(node *Node) asciiBox {
	content := []string{firstLine(node.Label)}
	if style, ok := overlayStyle(node); ok {
		content = append(content, style.tag)
	}
	if node.Status != nil && node.Status.Attempts > 1 {
		content = append(content, fmt.Sprintf("%d attempts", node.Status.Attempts))
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}
	rule := strings.Repeat("─", inner+2)

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+rule+"┐")
	for _, line := range content {
		lines = append(lines, "│ "+line+strings.Repeat(" ", inner-utf8.RuneCountInString(line))+" │")
	}
	lines = append(lines, "└"+rule+"┘")
	return asciiBox{lines: lines, width: inner + 4}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func rowWidth(row []asciiBox) int {
	w := 0
	for i, box := range row {
		if i > 0 {
			w += len(boxGap)
		}
		w += box.width
	}
	return w
}

// writeRow prints boxes side by side, padding shorter boxes with blanks.
func writeRow(b *strings.Builder, row []asciiBox) {
	height := 0
	for _, box := range row {
		height = max(height, len(box.lines))
	}
	for line := 0; line < height; line++ {
		for i, box := range row {
			if i > 0 {
				b.WriteString(boxGap)
			}
			if line < len(box.lines) {
				b.WriteString(box.lines[line])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// writeArrow draws a downward arrow centred under a row of the given width.
func writeArrow(b *strings.Builder, width int) {
	pad := strings.Repeat(" ", max(width/2, 1))
	b.WriteString(pad + "│\n")
	b.WriteString(pad + "▼\n")
}
