// Package graph implements component A: the undirected graph model and its
// DIMACS-like text codec (spec §4.A). Vertex IDs are 1-based; the zero value
// is never a valid vertex.
package graph

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/stride-runner/stride/sterr"
)

// Graph is an undirected simple graph stored as an adjacency list, sized for
// O(deg(v)) neighbour enumeration (spec §3).
type Graph struct {
	N     int
	adj   [][]int
	edges int
}

// New creates an empty graph on n vertices (1..n).
func New(n int) *Graph {
	return &Graph{N: n, adj: make([][]int, n+1)}
}

// AddEdge inserts {u,v}, rejecting self-loops and coalescing duplicates, per
// the canonicalization invariant in spec §3.
func (g *Graph) AddEdge(u, v int) error {
	if u == v {
		return sterr.New(sterr.KindMalformedInstance, fmt.Sprintf("self-loop at vertex %d", u)).WithOperation("graph.AddEdge")
	}
	if u < 1 || u > g.N || v < 1 || v > g.N {
		return sterr.New(sterr.KindMalformedInstance, fmt.Sprintf("edge (%d,%d) out of range [1,%d]", u, v, g.N)).WithOperation("graph.AddEdge")
	}
	if g.hasEdge(u, v) {
		return nil
	}
	g.adj[u] = append(g.adj[u], v)
	g.adj[v] = append(g.adj[v], u)
	g.edges++
	return nil
}

func (g *Graph) hasEdge(u, v int) bool {
	for _, w := range g.adj[u] {
		if w == v {
			return true
		}
	}
	return false
}

// Neighbors returns the adjacency list of v (1-based); callers must not
// mutate the returned slice.
func (g *Graph) Neighbors(v int) []int {
	if v < 1 || v > g.N {
		return nil
	}
	return g.adj[v]
}

// EdgeCount returns the number of distinct edges after coalescing.
func (g *Graph) EdgeCount() int { return g.edges }

// sortedEdges returns edges in canonical (u<v, then lexicographic) order for
// deterministic Emit output.
func (g *Graph) sortedEdges() [][2]int {
	out := make([][2]int, 0, g.edges)
	for u := 1; u <= g.N; u++ {
		for _, v := range g.adj[u] {
			if u < v {
				out = append(out, [2]int{u, v})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// ParseInstance decodes a `.gr` DIMACS-like instance (spec §4.A): `c`
// comments are ignored, the first non-comment line is `p ds n m`, and each
// following non-comment line is `u v`. Any violation, including an
// edge-count mismatch against the declared m, yields a KindMalformedInstance
// error.
func ParseInstance(r io.Reader) (*Graph, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var g *Graph
	var declaredM int
	haveHeader := false
	lineNo := 0

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "c") {
			continue
		}
		if !haveHeader {
			fields := strings.Fields(line)
			if len(fields) != 4 || fields[0] != "p" || fields[1] != "ds" {
				return nil, malformed(lineNo, "expected header \"p ds n m\", got %q", line)
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return nil, malformed(lineNo, "invalid node count %q", fields[2])
			}
			m, err := strconv.Atoi(fields[3])
			if err != nil || m < 0 {
				return nil, malformed(lineNo, "invalid edge count %q", fields[3])
			}
			g = New(n)
			declaredM = m
			haveHeader = true
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, malformed(lineNo, "expected \"u v\" edge line, got %q", line)
		}
		u, err1 := strconv.Atoi(fields[0])
		v, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return nil, malformed(lineNo, "non-integer edge endpoints %q", line)
		}
		if err := g.AddEdge(u, v); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, sterr.Wrap(sterr.KindMalformedInstance, "reading instance", err)
	}
	if !haveHeader {
		return nil, malformed(lineNo, "missing \"p ds n m\" header")
	}
	if g.EdgeCount() != declaredM {
		return nil, malformed(lineNo, "declared %d edges, parsed %d", declaredM, g.EdgeCount())
	}
	return g, nil
}

func malformed(line int, format string, args ...any) error {
	return sterr.New(sterr.KindMalformedInstance, fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...))).
		WithOperation("graph.ParseInstance")
}

// Emit writes the canonical DIMACS text for g: header then edges sorted by
// (u,v). Round-tripping through ParseInstance(Emit(g)) reproduces an
// equivalent graph (spec §8 P1).
func (g *Graph) Emit(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "p ds %d %d\n", g.N, g.edges); err != nil {
		return err
	}
	for _, e := range g.sortedEdges() {
		if _, err := fmt.Fprintf(bw, "%d %d\n", e[0], e[1]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
