// Package selector implements component F: computing the ordered set of
// instance IDs to run from an optional IID file intersected with an
// optional SQL predicate (spec §4.F).
package selector

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/stride-runner/stride/sterr"
)

// MetadataSelector is the subset of metadatastore.Store the selector
// needs, kept as an interface so tests don't require a real SQLite file.
type MetadataSelector interface {
	SelectIIDs(whereClause string) ([]uint32, error)
}

// ParseIIDFile reads one unsigned integer per non-empty, non-`#` line
// (spec §4.F), in file order.
func ParseIIDFile(r io.Reader) ([]uint32, error) {
	sc := bufio.NewScanner(r)
	var out []uint32
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			return nil, sterr.Wrap(sterr.KindConfigError, "invalid iid line "+line, err).WithOperation("selector.ParseIIDFile")
		}
		out = append(out, uint32(n))
	}
	if err := sc.Err(); err != nil {
		return nil, sterr.Wrap(sterr.KindConfigError, "reading iid file", err).WithOperation("selector.ParseIIDFile")
	}
	return out, nil
}

// Select implements spec §4.F's full selection rule:
//   - neither fileIIDs nor where given -> NoSelection error
//   - only fileIIDs -> file order, deduplicated, first occurrence wins
//   - only where -> store.SelectIIDs(where) result, SQLite's order
//   - both -> intersection, emitted in file order
func Select(store MetadataSelector, fileIIDs []uint32, hasFile bool, where string, hasWhere bool) ([]uint32, error) {
	if !hasFile && !hasWhere {
		return nil, sterr.New(sterr.KindNoSelection, "neither an instance file nor a --where predicate was given").
			WithOperation("selector.Select")
	}

	fileDeduped := dedupeFirstWins(fileIIDs)

	if hasFile && !hasWhere {
		return fileDeduped, nil
	}

	whereIIDs, err := store.SelectIIDs(where)
	if err != nil {
		return nil, err
	}

	if !hasFile {
		return whereIIDs, nil
	}

	whereSet := make(map[uint32]struct{}, len(whereIIDs))
	for _, iid := range whereIIDs {
		whereSet[iid] = struct{}{}
	}

	out := make([]uint32, 0, len(fileDeduped))
	for _, iid := range fileDeduped {
		if _, ok := whereSet[iid]; ok {
			out = append(out, iid)
		}
	}
	return out, nil
}

func dedupeFirstWins(iids []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(iids))
	out := make([]uint32, 0, len(iids))
	for _, iid := range iids {
		if _, ok := seen[iid]; ok {
			continue
		}
		seen[iid] = struct{}{}
		out = append(out, iid)
	}
	return out
}
