// Package metadatastore implements component C: the local SQLite snapshot
// of instance attributes (spec §4.C), updated by atomic download-to-temp-
// and-swap rather than incremental sync.
package metadatastore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/stride-runner/stride/sterr"
)

// InstanceMetadata mirrors the immutable Instance row (spec §3). Nullable
// columns use pointer fields so "absent" is distinguishable from zero.
type InstanceMetadata struct {
	IID         uint32
	Nodes       int
	Edges       int
	BestScore   *int
	Planar      *bool
	Bipartite   *bool
	Diameter    *int
	Treewidth   *int
	DataDID     string
	Name        *string
	Description *string
	SubmittedBy *string
}

// Store wraps the canonical metadata.db connection (spec §4.C).
type Store struct {
	path string
	db   *sql.DB
}

// Open opens (and integrity-checks) the canonical metadata store at path.
// A failed PRAGMA integrity_check surfaces as a fatal KindCorruptStore
// error with the remedy named in spec §4.C: delete and re-update.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, sterr.Wrap(sterr.KindConfigError, "open metadata store", err).WithOperation("metadatastore.Open")
	}
	if err := checkIntegrity(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return sterr.Wrap(sterr.KindCorruptStore, "integrity check failed; delete and re-update the store", err).
			WithOperation("metadatastore.checkIntegrity")
	}
	if result != "ok" {
		return sterr.New(sterr.KindCorruptStore, fmt.Sprintf("integrity check reported %q; delete and re-update the store", result)).
			WithOperation("metadatastore.checkIntegrity")
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Attributes looks up one instance row by iid. Returns (nil, nil) if the
// iid is absent (spec §4.F treats this as "missing metadata", not an
// error).
func (s *Store) Attributes(iid uint32) (*InstanceMetadata, error) {
	row := s.db.QueryRow(`SELECT iid, nodes, edges, best_score, planar, bipartite,
		diameter, treewidth, data_did, name, description, submitted_by
		FROM Instance WHERE iid = ?`, iid)

	m := &InstanceMetadata{}
	err := row.Scan(&m.IID, &m.Nodes, &m.Edges, &m.BestScore, &m.Planar, &m.Bipartite,
		&m.Diameter, &m.Treewidth, &m.DataDID, &m.Name, &m.Description, &m.SubmittedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sterr.Wrap(sterr.KindCorruptStore, "query instance attributes", err).WithOperation("metadatastore.Attributes")
	}
	return m, nil
}

// SelectIIDs evaluates `SELECT iid FROM Instance WHERE <whereClause>`
// (spec §4.C, §4.F, §9): the caller is trusted, arbitrary SQL fragments
// are accepted deliberately as a power-user surface. Order is whatever
// SQLite returns.
func (s *Store) SelectIIDs(whereClause string) ([]uint32, error) {
	query := "SELECT iid FROM Instance"
	if whereClause != "" {
		query += " WHERE " + whereClause
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, sterr.Wrap(sterr.KindConfigError, "select_iids query failed", err).WithOperation("metadatastore.SelectIIDs")
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var iid uint32
		if err := rows.Scan(&iid); err != nil {
			return nil, sterr.Wrap(sterr.KindCorruptStore, "scan iid", err).WithOperation("metadatastore.SelectIIDs")
		}
		out = append(out, iid)
	}
	return out, rows.Err()
}

// ReplaceFromDump validates a freshly downloaded dump and atomically swaps
// it into the canonical path via rename-over (spec §4.C). Existing
// connections continue reading the old inode until the next Open.
func ReplaceFromDump(canonicalPath, dumpPath string) error {
	db, err := sql.Open("sqlite", dumpPath)
	if err != nil {
		return sterr.Wrap(sterr.KindConfigError, "open downloaded dump", err).WithOperation("metadatastore.ReplaceFromDump")
	}
	defer db.Close()

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='Instance'").Scan(&name)
	if err == sql.ErrNoRows {
		return sterr.New(sterr.KindMalformedInstance, "downloaded dump has no Instance table").
			WithOperation("metadatastore.ReplaceFromDump")
	}
	if err != nil {
		return sterr.Wrap(sterr.KindConfigError, "validate downloaded dump", err).WithOperation("metadatastore.ReplaceFromDump")
	}
	if err := checkIntegrity(db); err != nil {
		return err
	}
	db.Close()

	if err := os.MkdirAll(filepath.Dir(canonicalPath), 0o755); err != nil {
		return sterr.Wrap(sterr.KindConfigError, "create state dir", err).WithOperation("metadatastore.ReplaceFromDump")
	}
	if err := os.Rename(dumpPath, canonicalPath); err != nil {
		return sterr.Wrap(sterr.KindConfigError, "swap dump into place", err).WithOperation("metadatastore.ReplaceFromDump")
	}
	return nil
}
