package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playbook-sh/playbook/pkg/domain"
)

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	rb := runbookOf(
		commandNode("fetch", "true"),
		commandNode("build", "true", "fetch"),
		commandNode("test", "true", "build"),
		commandNode("package", "true", "build"),
		commandNode("release", "true", "test", "package"),
	)

	order, err := TopologicalOrder(rb)
	require.NoError(t, err)
	require.Len(t, order, len(rb.Nodes))

	position := map[string]int{}
	for i, id := range order {
		position[id] = i
	}
	for _, node := range rb.NodesInOrder() {
		for _, dep := range node.DependsOn {
			assert.Less(t, position[dep], position[node.ID],
				"%s must come before %s", dep, node.ID)
		}
	}
}

func TestTopologicalOrderIndependentNodesKeepDeclarationOrder(t *testing.T) {
	rb := runbookOf(
		commandNode("c", "true"),
		commandNode("a", "true"),
		commandNode("b", "true"),
	)

	order, err := TopologicalOrder(rb)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	rb := runbookOf(
		commandNode("a", "true", "c"),
		commandNode("b", "true", "a"),
		commandNode("c", "true", "b"),
	)

	_, err := TopologicalOrder(rb)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], "cycle")
}

func TestTopologicalOrderSelfCycle(t *testing.T) {
	rb := runbookOf(commandNode("a", "true", "a"))

	_, err := TopologicalOrder(rb)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], `"a"`)
}

func TestValidateRunbookDanglingDependency(t *testing.T) {
	rb := runbookOf(
		commandNode("a", "true"),
		commandNode("b", "true", "ghost"),
	)

	err := ValidateRunbook(rb)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], `"ghost"`)
}

func TestValidateRunbookCriticalAndSkip(t *testing.T) {
	node := commandNode("a", "true")
	node.Critical = true
	node.Skip = true
	rb := runbookOf(node)

	err := ValidateRunbook(rb)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], "critical")
}

func TestValidateRunbookCollectsAllProblems(t *testing.T) {
	bad := commandNode("a", "true", "ghost")
	bad.Critical = true
	bad.Skip = true
	rb := runbookOf(bad, commandNode("b", "true", "phantom"))

	err := ValidateRunbook(rb)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 3)
}

func TestValidateRunbookBadWhenExpression(t *testing.T) {
	node := commandNode("a", "true")
	node.When = "{{ 1 + }}"
	rb := runbookOf(node)

	err := ValidateRunbook(rb)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, strings.Contains(verr.Problems[0], "when"), verr.Problems[0])
}

func TestValidateRunbookAcceptsValidGraph(t *testing.T) {
	deploy := commandNode("deploy", "true", "test")
	deploy.When = `{{ has_succeeded("test") }}`
	rb := runbookOf(
		commandNode("test", "true"),
		deploy,
	)

	require.NoError(t, ValidateRunbook(rb))
}
