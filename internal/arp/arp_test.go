package arp

import "testing"

func TestParseTable_ArpN(t *testing.T) {
	output := `Address                  HWtype  HWaddress           Flags Mask            Iface
10.0.0.10                ether   AA:BB:CC:DD:EE:FF   C                     eth0
10.0.0.11                ether   11-22-33-44-55-66   C                     eth0
10.0.0.12                        (incomplete)                              eth0
`

	table := ParseTable(output)
	if len(table) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(table), table)
	}
	if table["10.0.0.10"] != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("10.0.0.10 = %q, want aa:bb:cc:dd:ee:ff", table["10.0.0.10"])
	}
	if table["10.0.0.11"] != "11:22:33:44:55:66" {
		t.Errorf("10.0.0.11 = %q, want 11:22:33:44:55:66", table["10.0.0.11"])
	}
	if _, ok := table["10.0.0.12"]; ok {
		t.Error("incomplete entry must be skipped")
	}
}

func TestParseTable_IPNeigh(t *testing.T) {
	output := `10.0.0.10 dev eth0 lladdr aa:bb:cc:dd:ee:ff REACHABLE
10.0.0.20 dev eth0 lladdr 11:22:33:44:55:66 STALE
10.0.0.30 dev eth0 FAILED
fe80::1 dev eth0 lladdr de:ad:be:ef:00:01 router REACHABLE
`

	table := ParseTable(output)
	if len(table) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(table), table)
	}
	if table["10.0.0.10"] != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("10.0.0.10 = %q", table["10.0.0.10"])
	}
	if table["fe80::1"] != "de:ad:be:ef:00:01" {
		t.Errorf("fe80::1 = %q", table["fe80::1"])
	}
	if _, ok := table["10.0.0.30"]; ok {
		t.Error("FAILED entry without lladdr must be skipped")
	}
}

func TestParseTable_GarbageAndEmpty(t *testing.T) {
	if got := ParseTable(""); len(got) != 0 {
		t.Errorf("empty input: got %v", got)
	}
	if got := ParseTable("this is not arp output\nat all\n"); len(got) != 0 {
		t.Errorf("garbage input: got %v", got)
	}
}
