package cluster

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// BootstrapNode is one statically configured cluster entry point
// (spec.md §4.5 "Persistence").
type BootstrapNode struct {
	IP        string
	MySQLPort int
}

// DynamicNode is one cluster member learned from a membership refresh
// and persisted across restarts (spec.md §4.5 "Persistence").
type DynamicNode struct {
	ID         string
	IP         string
	MySQLPort  int
	HealthPort int
}

// Store is the monitor's local, file-backed node persistence (spec.md
// §4.5 "a local file-backed KV database with two tables"), realized
// as a real SQLite database rather than a hand-rolled flat file.
// Owned exclusively by the monitor goroutine — spec.md §5's "Shared
// resources" list names this file as monitor-thread-owned.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the SQLite database at path
// and ensures both tables exist.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cluster: open store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bootstrap_nodes (
			ip TEXT NOT NULL,
			mysql_port INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cluster: create bootstrap_nodes: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dynamic_nodes (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			mysql_port INTEGER NOT NULL,
			health_port INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cluster: create dynamic_nodes: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// BootstrapNodes returns the persisted bootstrap set.
func (s *Store) BootstrapNodes() ([]BootstrapNode, error) {
	rows, err := s.db.Query(`SELECT ip, mysql_port FROM bootstrap_nodes`)
	if err != nil {
		return nil, fmt.Errorf("cluster: query bootstrap_nodes: %w", err)
	}
	defer rows.Close()
	var out []BootstrapNode
	for rows.Next() {
		var n BootstrapNode
		if err := rows.Scan(&n.IP, &n.MySQLPort); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ReplaceBootstrapNodes wipes both tables and writes the new bootstrap
// set (spec.md §4.5: "if they differ, wipe both tables (previous
// cluster is unrelated)").
func (s *Store) ReplaceBootstrapNodes(nodes []BootstrapNode) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("cluster: begin replace bootstrap: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM bootstrap_nodes`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM dynamic_nodes`); err != nil {
		return err
	}
	for _, n := range nodes {
		if _, err := tx.Exec(`INSERT INTO bootstrap_nodes (ip, mysql_port) VALUES (?, ?)`, n.IP, n.MySQLPort); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DynamicNodes returns the persisted dynamic node set.
func (s *Store) DynamicNodes() ([]DynamicNode, error) {
	rows, err := s.db.Query(`SELECT id, ip, mysql_port, health_port FROM dynamic_nodes`)
	if err != nil {
		return nil, fmt.Errorf("cluster: query dynamic_nodes: %w", err)
	}
	defer rows.Close()
	var out []DynamicNode
	for rows.Next() {
		var n DynamicNode
		if err := rows.Scan(&n.ID, &n.IP, &n.MySQLPort, &n.HealthPort); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpsertDynamicNode inserts or updates one dynamic node row.
func (s *Store) UpsertDynamicNode(n DynamicNode) error {
	_, err := s.db.Exec(`
		INSERT INTO dynamic_nodes (id, ip, mysql_port, health_port) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ip=excluded.ip, mysql_port=excluded.mysql_port, health_port=excluded.health_port
	`, n.ID, n.IP, n.MySQLPort, n.HealthPort)
	if err != nil {
		return fmt.Errorf("cluster: upsert dynamic node %s: %w", n.ID, err)
	}
	return nil
}

// DeleteDynamicNode removes a node no longer present in the cluster.
func (s *Store) DeleteDynamicNode(id string) error {
	_, err := s.db.Exec(`DELETE FROM dynamic_nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cluster: delete dynamic node %s: %w", id, err)
	}
	return nil
}

// BootstrapSetChanged compares current against the persisted bootstrap
// set by (ip, port) membership, ignoring order.
func BootstrapSetChanged(persisted, current []BootstrapNode) bool {
	if len(persisted) != len(current) {
		return true
	}
	seen := make(map[BootstrapNode]int, len(persisted))
	for _, n := range persisted {
		seen[n]++
	}
	for _, n := range current {
		if seen[n] == 0 {
			return true
		}
		seen[n]--
	}
	return false
}
