// Package verify implements component B: deciding whether a solver's
// reported vertex set is a syntactically well-formed, correctly-sized
// dominating set of a graph (spec §4.B).
package verify

import (
	"io"
	"strconv"
	"strings"

	"github.com/stride-runner/stride/graph"
)

// State is one of the four verdicts the verifier can reach (spec §3
// JobOutcome). The Run Engine's "error" and "timeout" outcomes are plain
// strings outside this type.
type State string

const (
	Best       State = "best"
	Suboptimal State = "suboptimal"
	Infeasible State = "infeasible"
	Incomplete State = "incomplete"
)

// Result is the verifier's verdict: State plus the score iff the state
// warrants one (spec §3 JobOutcome invariant: score present iff
// state ∈ {Best, Suboptimal}).
type Result struct {
	State    State
	Score    *int
	Vertices []int
}

// Verify runs the seven-step algorithm in spec §4.B against raw solver
// stdout, a graph, and the instance's best known score (nil if unknown).
func Verify(g *graph.Graph, rawStdout io.Reader, bestKnown *int) Result {
	raw, err := graph.ParseRaw(rawStdout)
	if err != nil {
		return Result{State: Incomplete}
	}

	// Step 2: parse remaining integers; detect unparsable/out-of-range
	// (step 3) before de-duplicating.
	parsed := make([]int, 0, len(raw.Lines))
	for _, line := range raw.Lines {
		v, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return Result{State: Infeasible}
		}
		if v < 1 || v > g.N {
			return Result{State: Infeasible}
		}
		parsed = append(parsed, v)
	}

	sol := graph.Normalize(parsed)
	s := sol.Vertices

	// Step 4: distinct valid vertices below the claimed cardinality.
	if len(s) < raw.Claimed {
		return Result{State: Incomplete}
	}
	// Step 5: padding beyond the claimed cardinality is rejected.
	if len(s) > raw.Claimed {
		return Result{State: Infeasible}
	}

	// Tie-break edge case (spec §4.B): a non-empty graph with an empty S
	// is Infeasible, since no vertex can be dominated. (An empty graph
	// with a non-empty S is already rejected by the range check above,
	// as every claimed vertex would be out of [1,0].)
	if g.N > 0 && len(s) == 0 {
		return Result{State: Infeasible}
	}

	// Step 6: dominating check, S ∪ N(S) == {1..n}.
	if !dominates(g, s) {
		return Result{State: Infeasible}
	}

	// Step 7: score and Best/Suboptimal classification.
	score := len(s)
	state := Best
	if bestKnown != nil && score > *bestKnown {
		state = Suboptimal
	}
	return Result{State: state, Score: &score, Vertices: s}
}

func dominates(g *graph.Graph, s []int) bool {
	dominated := make([]bool, g.N+1)
	for _, v := range s {
		dominated[v] = true
		for _, n := range g.Neighbors(v) {
			dominated[n] = true
		}
	}
	for v := 1; v <= g.N; v++ {
		if !dominated[v] {
			return false
		}
	}
	return true
}
