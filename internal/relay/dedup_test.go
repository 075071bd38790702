package relay

import (
	"fmt"
	"testing"
)

func TestDedupSeenID(t *testing.T) {
	d := NewDedup()

	if d.SeenID("ev1") {
		t.Error("First sighting should not be seen")
	}
	if !d.SeenID("ev1") {
		t.Error("Second sighting should be seen")
	}
	if d.SeenID("ev2") {
		t.Error("Different id should not be seen")
	}
}

func TestDedupSeenContent(t *testing.T) {
	d := NewDedup()

	if d.SeenContent("pk1", "grp-1", "hello") {
		t.Error("First sighting should not be seen")
	}
	// Relay re-send under a different event id: same fingerprint.
	if !d.SeenContent("pk1", "grp-1", "hello") {
		t.Error("Identical (sender, group, content) should be seen")
	}
	if d.SeenContent("pk2", "grp-1", "hello") {
		t.Error("Different sender should not collide")
	}
	if d.SeenContent("pk1", "grp-2", "hello") {
		t.Error("Different group should not collide")
	}
}

func TestDedupEvictsOldestAtCap(t *testing.T) {
	d := NewDedup()

	for i := 0; i < DedupCap+1; i++ {
		d.SeenID(fmt.Sprintf("ev%d", i))
	}

	// ev0 was evicted, so it reads as unseen again.
	if d.SeenID("ev0") {
		t.Error("Oldest entry should have been evicted")
	}
	// The most recent entry is still tracked.
	if !d.SeenID(fmt.Sprintf("ev%d", DedupCap)) {
		t.Error("Newest entry should still be tracked")
	}
}

func TestDedupSnapshotRestore(t *testing.T) {
	d := NewDedup()
	d.SeenID("ev1")
	d.SeenID("ev2")
	d.SeenContent("pk1", "grp-1", "hello")

	ids, fps := d.Snapshot()
	if len(ids) != 2 || len(fps) != 1 {
		t.Fatalf("Expected 2 ids and 1 fingerprint, got %d and %d", len(ids), len(fps))
	}
	// Oldest first, so restore preserves eviction order.
	if ids[0] != "ev1" {
		t.Errorf("Expected oldest id first, got %s", ids[0])
	}

	restored := NewDedupFrom(ids, fps)
	if !restored.SeenID("ev1") || !restored.SeenID("ev2") {
		t.Error("Restored filter lost event ids")
	}
	if !restored.SeenContent("pk1", "grp-1", "hello") {
		t.Error("Restored filter lost fingerprints")
	}
}

func TestFingerprintSeparatorsPreventAmbiguity(t *testing.T) {
	// ("a", "bc") and ("ab", "c") must not fingerprint identically.
	if Fingerprint("a", "bc", "x") == Fingerprint("ab", "c", "x") {
		t.Error("Field boundaries are ambiguous in the fingerprint")
	}
}
