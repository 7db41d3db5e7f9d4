package discovery

import (
	"net"
	"testing"
	"time"
)

func mac(b byte) net.HardwareAddr {
	return net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x00, b}
}

func TestNeighborTable_UpdateCreateReturnsTrue(t *testing.T) {
	table := NewNeighborTable()
	if changed := table.Update(mac(1), "node-a"); !changed {
		t.Error("expected true on first sighting")
	}
}

func TestNeighborTable_UpdateRefreshReturnsFalse(t *testing.T) {
	table := NewNeighborTable()
	table.Update(mac(1), "node-a")
	if changed := table.Update(mac(1), "node-a"); changed {
		t.Error("expected false for unchanged alias refresh")
	}
}

func TestNeighborTable_UpdateAliasChangeReturnsTrue(t *testing.T) {
	table := NewNeighborTable()
	table.Update(mac(1), "node-a")
	if changed := table.Update(mac(1), "node-a-renamed"); !changed {
		t.Error("expected true when alias changes")
	}
	n, ok := table.Get(mac(1))
	if !ok || n.Alias != "node-a-renamed" {
		t.Errorf("expected updated alias, got %+v", n)
	}
}

func TestNeighborTable_Snapshot(t *testing.T) {
	table := NewNeighborTable()
	table.Update(mac(2), "b")
	table.Update(mac(1), "a")

	snap := table.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(snap))
	}
	// Sorted by MAC string.
	if snap[0].MAC.String() > snap[1].MAC.String() {
		t.Error("snapshot is not sorted by MAC")
	}
}

func TestNeighborTable_Active(t *testing.T) {
	table := NewNeighborTable()
	table.Update(mac(1), "fresh")

	table.mu.Lock()
	stale := table.entries[mac(2).String()]
	stale.MAC = mac(2)
	stale.Alias = "stale"
	stale.LastSeen = time.Now().Add(-1 * time.Hour)
	table.entries[mac(2).String()] = stale
	table.mu.Unlock()

	active := table.Active(time.Minute)
	if len(active) != 1 || active[0].Alias != "fresh" {
		t.Errorf("expected only the fresh neighbor, got %+v", active)
	}
}

func TestParseAlias(t *testing.T) {
	if got := parseAlias([]byte("alias=node-b")); got != "node-b" {
		t.Errorf("parseAlias = %q, want %q", got, "node-b")
	}
	if got := parseAlias([]byte("garbage")); got != "" {
		t.Errorf("parseAlias of malformed payload = %q, want empty", got)
	}
}

func TestEncodeAlias(t *testing.T) {
	if got := string(encodeAlias("x")); got != "alias=x" {
		t.Errorf("encodeAlias = %q", got)
	}
}
