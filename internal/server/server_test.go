package server

import "testing"

func TestStatusBits(t *testing.T) {
	s := New("db1", "10.0.0.1", 3306, StatusRunning|StatusMaster)
	if !s.IsRunning() {
		t.Fatal("expected running")
	}
	if !s.Eligible() {
		t.Fatal("expected eligible")
	}

	s.SetBit(StatusDraining)
	if s.Eligible() {
		t.Fatal("draining server must not be eligible")
	}
	if !s.IsDraining() {
		t.Fatal("expected draining bit set")
	}

	s.ClearBit(StatusDraining)
	if !s.Eligible() {
		t.Fatal("expected eligible again after clearing draining")
	}
}

func TestMaintenanceBlocksRouting(t *testing.T) {
	s := New("db1", "10.0.0.1", 3306, StatusRunning)
	s.SetBit(StatusMaintenance)
	if s.Eligible() {
		t.Fatal("maintenance server must not be eligible")
	}
}

func TestVersionAndDiskFullIndependentOfStatus(t *testing.T) {
	s := New("db1", "10.0.0.1", 3306, StatusRunning)
	s.SetVersion(Version{Major: 10, Minor: 6, Patch: 12, String: "10.6.12-MariaDB"})
	s.SetDiskFull("/var/lib/mysql", 42)

	if got := s.Version().String; got != "10.6.12-MariaDB" {
		t.Fatalf("got version %q", got)
	}
	pct, ok := s.DiskFull("/var/lib/mysql")
	if !ok || pct != 42 {
		t.Fatalf("got disk full %d,%v", pct, ok)
	}
	if !s.IsRunning() {
		t.Fatal("status must be unaffected by version/disk updates")
	}
}

func TestStatusStringFormatsKnownBits(t *testing.T) {
	s := StatusRunning | StatusSlave
	got := s.String()
	if got != "Running|Slave" {
		t.Fatalf("got %q", got)
	}
	if (Status(0)).String() != "None" {
		t.Fatal("zero status should print None")
	}
}
