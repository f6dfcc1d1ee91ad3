package graph

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstanceHappyPath(t *testing.T) {
	src := "c a comment\np ds 3 2\n1 2\n2 3\n"
	g, err := ParseInstance(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 3, g.N)
	assert.Equal(t, 2, g.EdgeCount())
	assert.ElementsMatch(t, []int{2}, g.Neighbors(1))
	assert.ElementsMatch(t, []int{1, 3}, g.Neighbors(2))
}

func TestParseInstanceRejectsSelfLoop(t *testing.T) {
	_, err := ParseInstance(strings.NewReader("p ds 2 1\n1 1\n"))
	require.Error(t, err)
}

func TestParseInstanceCoalescesDuplicates(t *testing.T) {
	_, err := ParseInstance(strings.NewReader("p ds 2 2\n1 2\n1 2\n"))
	require.Error(t, err, "declared edge count must match post-coalesce count")
}

func TestParseInstanceRejectsEdgeCountMismatch(t *testing.T) {
	_, err := ParseInstance(strings.NewReader("p ds 3 5\n1 2\n"))
	require.Error(t, err)
}

func TestParseInstanceRejectsMissingHeader(t *testing.T) {
	_, err := ParseInstance(strings.NewReader("1 2\n"))
	require.Error(t, err)
}

func TestParseInstanceRejectsOutOfRange(t *testing.T) {
	_, err := ParseInstance(strings.NewReader("p ds 2 1\n1 3\n"))
	require.Error(t, err)
}

func TestRoundTripEmitParse(t *testing.T) {
	src := "p ds 4 3\n1 2\n2 3\n3 4\n"
	g, err := ParseInstance(strings.NewReader(src))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, g.Emit(&buf))

	g2, err := ParseInstance(&buf)
	require.NoError(t, err)

	assert.Equal(t, g.N, g2.N)
	assert.Equal(t, g.EdgeCount(), g2.EdgeCount())
	for v := 1; v <= g.N; v++ {
		assert.ElementsMatch(t, g.Neighbors(v), g2.Neighbors(v))
	}
}

func TestEmitIsCanonicalOrder(t *testing.T) {
	g := New(3)
	require.NoError(t, g.AddEdge(2, 3))
	require.NoError(t, g.AddEdge(1, 2))

	var buf bytes.Buffer
	require.NoError(t, g.Emit(&buf))
	assert.Equal(t, "p ds 3 2\n1 2\n2 3\n", buf.String())
}
