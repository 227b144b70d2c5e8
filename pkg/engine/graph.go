package engine

import (
	"fmt"

	"github.com/playbook-sh/playbook/pkg/domain"
	"github.com/playbook-sh/playbook/pkg/template"
)

// ValidateRunbook checks the structural invariants of a runbook:
// every dependency resolves, the graph is acyclic, node flags are
// consistent, and every when expression parses. Non-existent
// dependencies are reported before cycle detection runs; cycle
// detection over a dangling graph is meaningless.
func ValidateRunbook(rb *domain.Runbook) error {
	var problems []string

	for _, node := range rb.NodesInOrder() {
		for _, dep := range node.DependsOn {
			if _, ok := rb.Nodes[dep]; !ok {
				problems = append(problems, fmt.Sprintf("node %q depends on non-existent node %q", node.ID, dep))
			}
		}
		if node.Critical && node.Skip {
			problems = append(problems, fmt.Sprintf("node %q cannot be both critical and skipped", node.ID))
		}
	}
	if len(problems) > 0 {
		return &domain.ValidationError{Problems: problems}
	}

	if _, err := TopologicalOrder(rb); err != nil {
		return err
	}

	templates := template.New()
	for _, node := range rb.NodesInOrder() {
		if err := templates.Validate(node.When); err != nil {
			problems = append(problems, fmt.Sprintf("node %q has an invalid when expression: %v", node.ID, err))
		}
	}
	if len(problems) > 0 {
		return &domain.ValidationError{Problems: problems}
	}
	return nil
}

// Colors for the depth-first cycle walk.
const (
	colorWhite = iota // unvisited
	colorGray         // in progress
	colorBlack        // done
)

// TopologicalOrder sorts the nodes so every dependency precedes its
// dependents. Depth-first with three-color marking; a gray-gray edge is
// a cycle. Nodes unreachable from any sink are still included, in
// declaration order.
func TopologicalOrder(rb *domain.Runbook) ([]string, error) {
	colors := make(map[string]int, len(rb.Nodes))
	order := make([]string, 0, len(rb.Nodes))

	var visit func(id string, trail []string) error
	visit = func(id string, trail []string) error {
		switch colors[id] {
		case colorBlack:
			return nil
		case colorGray:
			return &domain.ValidationError{Problems: []string{
				fmt.Sprintf("dependency cycle involving node %q (path: %v)", id, append(trail, id)),
			}}
		}
		colors[id] = colorGray
		node, ok := rb.Nodes[id]
		if !ok {
			return &domain.ValidationError{Problems: []string{
				fmt.Sprintf("node %q depends on non-existent node %q", trail[len(trail)-1], id),
			}}
		}
		for _, dep := range node.DependsOn {
			if err := visit(dep, append(trail, id)); err != nil {
				return err
			}
		}
		colors[id] = colorBlack
		order = append(order, id)
		return nil
	}

	for _, id := range rb.NodeOrder {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
