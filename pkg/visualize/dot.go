// Package visualize renders a runbook's dependency graph as Graphviz
// DOT text.
package visualize

import (
	"fmt"
	"strings"

	"github.com/playbook-sh/playbook/pkg/domain"
)

var _ domain.Visualizer = (*DOTExporter)(nil)

// DOTExporter writes the DAG in DOT format. Node shape encodes the
// type, color encodes critical/skip, and conditional nodes carry their
// when expression as a tooltip.
type DOTExporter struct{}

func NewDOTExporter() *DOTExporter { return &DOTExporter{} }

func (e *DOTExporter) ExportDOT(rb *domain.Runbook) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", rb.Title)
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [fontname=\"Helvetica\"];\n\n")

	for _, node := range rb.NodesInOrder() {
		attrs := []string{
			fmt.Sprintf("label=%q", nodeLabel(node)),
			fmt.Sprintf("shape=%s", nodeShape(node.Type)),
		}
		switch {
		case node.Critical:
			attrs = append(attrs, `color="red"`, `penwidth=2`)
		case node.Skip:
			attrs = append(attrs, `style="dashed"`, `color="gray"`)
		}
		if node.When != "" && node.When != "true" {
			attrs = append(attrs, fmt.Sprintf("tooltip=%q", "when: "+node.When))
		}
		fmt.Fprintf(&b, "  %q [%s];\n", node.ID, strings.Join(attrs, ", "))
	}

	b.WriteString("\n")
	for _, node := range rb.NodesInOrder() {
		for _, dep := range node.DependsOn {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, node.ID)
		}
	}
	b.WriteString("}\n")
	return b.String(), nil
}

func nodeLabel(node *domain.Node) string {
	if node.Name != "" && node.Name != node.ID {
		return fmt.Sprintf("%s\n(%s)", node.Name, node.ID)
	}
	return node.ID
}

func nodeShape(t domain.NodeType) string {
	switch t {
	case domain.NodeManual:
		return "hexagon"
	case domain.NodeCommand:
		return "box"
	case domain.NodeFunction:
		return "ellipse"
	}
	return "box"
}
