package cluster

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "cluster.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreBootstrapRoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := []BootstrapNode{{IP: "10.0.0.1", MySQLPort: 3306}, {IP: "10.0.0.2", MySQLPort: 3307}}
	if err := s.ReplaceBootstrapNodes(want); err != nil {
		t.Fatalf("ReplaceBootstrapNodes: %v", err)
	}
	got, err := s.BootstrapNodes()
	if err != nil {
		t.Fatalf("BootstrapNodes: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d nodes, want %d", len(got), len(want))
	}
}

func TestReplaceBootstrapNodesWipesDynamicNodes(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertDynamicNode(DynamicNode{ID: "1", IP: "10.0.0.9", MySQLPort: 3306, HealthPort: 8008}); err != nil {
		t.Fatalf("UpsertDynamicNode: %v", err)
	}
	if err := s.ReplaceBootstrapNodes([]BootstrapNode{{IP: "10.0.0.1", MySQLPort: 3306}}); err != nil {
		t.Fatalf("ReplaceBootstrapNodes: %v", err)
	}
	dynamic, err := s.DynamicNodes()
	if err != nil {
		t.Fatalf("DynamicNodes: %v", err)
	}
	if len(dynamic) != 0 {
		t.Fatalf("expected dynamic_nodes wiped, got %v", dynamic)
	}
}

func TestUpsertDynamicNodeUpdatesExisting(t *testing.T) {
	s := openTestStore(t)
	n := DynamicNode{ID: "1", IP: "10.0.0.9", MySQLPort: 3306, HealthPort: 8008}
	if err := s.UpsertDynamicNode(n); err != nil {
		t.Fatalf("UpsertDynamicNode: %v", err)
	}
	n.IP = "10.0.0.10"
	if err := s.UpsertDynamicNode(n); err != nil {
		t.Fatalf("UpsertDynamicNode update: %v", err)
	}
	nodes, err := s.DynamicNodes()
	if err != nil {
		t.Fatalf("DynamicNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].IP != "10.0.0.10" {
		t.Fatalf("unexpected nodes after upsert: %v", nodes)
	}
}

func TestDeleteDynamicNode(t *testing.T) {
	s := openTestStore(t)
	n := DynamicNode{ID: "1", IP: "10.0.0.9", MySQLPort: 3306, HealthPort: 8008}
	if err := s.UpsertDynamicNode(n); err != nil {
		t.Fatalf("UpsertDynamicNode: %v", err)
	}
	if err := s.DeleteDynamicNode("1"); err != nil {
		t.Fatalf("DeleteDynamicNode: %v", err)
	}
	nodes, err := s.DynamicNodes()
	if err != nil {
		t.Fatalf("DynamicNodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected no nodes after delete, got %v", nodes)
	}
}

func TestBootstrapSetChanged(t *testing.T) {
	a := []BootstrapNode{{IP: "10.0.0.1", MySQLPort: 3306}, {IP: "10.0.0.2", MySQLPort: 3306}}
	b := []BootstrapNode{{IP: "10.0.0.2", MySQLPort: 3306}, {IP: "10.0.0.1", MySQLPort: 3306}}
	if BootstrapSetChanged(a, b) {
		t.Fatal("reordered identical sets should not count as changed")
	}
	c := []BootstrapNode{{IP: "10.0.0.1", MySQLPort: 3306}}
	if !BootstrapSetChanged(a, c) {
		t.Fatal("different-length sets should count as changed")
	}
	d := []BootstrapNode{{IP: "10.0.0.1", MySQLPort: 3306}, {IP: "10.0.0.3", MySQLPort: 3306}}
	if !BootstrapSetChanged(a, d) {
		t.Fatal("differing members should count as changed")
	}
}
