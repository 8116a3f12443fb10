package presence

import (
	"testing"
	"time"
)

func snapshot(macs map[string]time.Time) map[string]*Device {
	devices := make(map[string]*Device, len(macs))
	for mac, seen := range macs {
		devices[mac] = &Device{MAC: mac, LastSeen: seen}
	}
	return devices
}

func TestTracker_ApplyEmitsTransitions(t *testing.T) {
	tr := NewTracker(3*time.Minute, nil, nil)
	now := time.Unix(100000, 0)

	// First poll: one device home, one away.
	trans := tr.Apply(now, snapshot(map[string]time.Time{
		"aa:bb:cc:dd:ee:ff": now.Add(-time.Minute),
		"11:22:33:44:55:66": now.Add(-time.Hour),
	}))

	if len(trans) != 2 {
		t.Fatalf("expected 2 initial transitions, got %d", len(trans))
	}
	// Sorted by MAC: 11:... first.
	if trans[0].Device.MAC != "11:22:33:44:55:66" || trans[0].Home {
		t.Errorf("transition[0] = %s home=%v, want 11:22:33:44:55:66 away", trans[0].Device.MAC, trans[0].Home)
	}
	if trans[1].Device.MAC != "aa:bb:cc:dd:ee:ff" || !trans[1].Home {
		t.Errorf("transition[1] = %s home=%v, want aa:bb:cc:dd:ee:ff home", trans[1].Device.MAC, trans[1].Home)
	}

	// Second poll, no changes: no transitions.
	now = now.Add(30 * time.Second)
	trans = tr.Apply(now, snapshot(map[string]time.Time{
		"aa:bb:cc:dd:ee:ff": now.Add(-time.Minute),
		"11:22:33:44:55:66": now.Add(-time.Hour),
	}))
	if len(trans) != 0 {
		t.Fatalf("expected no transitions, got %d", len(trans))
	}

	// Third poll: the home device went quiet past the threshold.
	now = now.Add(30 * time.Second)
	trans = tr.Apply(now, snapshot(map[string]time.Time{
		"aa:bb:cc:dd:ee:ff": now.Add(-4 * time.Minute),
		"11:22:33:44:55:66": now.Add(-time.Hour),
	}))
	if len(trans) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(trans))
	}
	if trans[0].Device.MAC != "aa:bb:cc:dd:ee:ff" || trans[0].Home {
		t.Errorf("expected departure of aa:bb:cc:dd:ee:ff, got %s home=%v", trans[0].Device.MAC, trans[0].Home)
	}
}

func TestTracker_SeedStatesSuppressesReplay(t *testing.T) {
	tr := NewTracker(3*time.Minute, nil, nil)
	tr.SeedStates(map[string]bool{"AA-BB-CC-DD-EE-FF": true})

	now := time.Unix(100000, 0)
	trans := tr.Apply(now, snapshot(map[string]time.Time{
		"aa:bb:cc:dd:ee:ff": now.Add(-time.Minute),
	}))
	if len(trans) != 0 {
		t.Fatalf("seeded state should suppress the arrival replay, got %d transitions", len(trans))
	}
}

func TestTracker_Allowlist(t *testing.T) {
	tr := NewTracker(3*time.Minute, []string{"AA:BB:CC:DD:EE:FF"}, nil)

	now := time.Unix(100000, 0)
	trans := tr.Apply(now, snapshot(map[string]time.Time{
		"aa:bb:cc:dd:ee:ff": now,
		"11:22:33:44:55:66": now,
	}))

	if len(trans) != 1 || trans[0].Device.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("expected only the allowlisted device, got %v", trans)
	}
	if devs := tr.Devices(); len(devs) != 1 {
		t.Errorf("snapshot should hold 1 device, got %d", len(devs))
	}
}

func TestTracker_FailureKeepsLastKnownGood(t *testing.T) {
	tr := NewTracker(3*time.Minute, nil, nil)
	now := time.Unix(100000, 0)

	tr.Apply(now, snapshot(map[string]time.Time{"aa:bb:cc:dd:ee:ff": now}))
	if !tr.Healthy() {
		t.Fatal("tracker should be healthy after a successful poll")
	}

	tr.MarkFailure()
	if tr.Healthy() {
		t.Error("tracker should be unhealthy after a failed poll")
	}
	if devs := tr.Devices(); len(devs) != 1 {
		t.Errorf("failure must retain the last snapshot, got %d devices", len(devs))
	}
	if home, ok := tr.Home("aa:bb:cc:dd:ee:ff"); !ok || !home {
		t.Error("failure must retain reported states")
	}

	// Recovery flips health back without spurious transitions.
	now = now.Add(time.Minute)
	trans := tr.Apply(now, snapshot(map[string]time.Time{"aa:bb:cc:dd:ee:ff": now}))
	if len(trans) != 0 {
		t.Errorf("recovery with unchanged state emitted %d transitions", len(trans))
	}
	if !tr.Healthy() {
		t.Error("tracker should be healthy after recovery")
	}
}

func TestTracker_DevicesReturnsCopies(t *testing.T) {
	tr := NewTracker(3*time.Minute, nil, nil)
	now := time.Unix(100000, 0)

	merged := snapshot(map[string]time.Time{"aa:bb:cc:dd:ee:ff": now})
	merged["aa:bb:cc:dd:ee:ff"].IPs = []string{"10.0.0.10"}
	tr.Apply(now, merged)

	devs := tr.Devices()
	devs[0].IPs[0] = "mutated"
	devs[0].Name = "mutated"

	again := tr.Devices()
	if again[0].IPs[0] != "10.0.0.10" {
		t.Error("Devices must return defensive copies of IP sets")
	}
	if again[0].Name == "mutated" {
		t.Error("Devices must return defensive copies of records")
	}
}
