package presence

import (
	"testing"
	"time"

	"github.com/nugget/pihole-presence/internal/pihole"
)

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff"},
		{"AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff"},
		{"AA-BB-CC-DD-EE-FF", "aa:bb:cc:dd:ee:ff"},
		{"aabb.ccdd.eeff", "aa:bb:cc:dd:ee:ff"},
		{"AABBCCDDEEFF", "aa:bb:cc:dd:ee:ff"},
		{" aa:bb:cc:dd:ee:ff ", "aa:bb:cc:dd:ee:ff"},
		{"aa:bb:cc:dd:ee", ""},
		{"aa:bb:cc:dd:ee:ff:00", ""},
		{"not a mac", ""},
		{"", ""},
		{"zz:bb:cc:dd:ee:ff", ""},
	}
	for _, tt := range tests {
		if got := NormalizeMAC(tt.in); got != tt.want {
			t.Errorf("NormalizeMAC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeMAC_Idempotent(t *testing.T) {
	inputs := []string{"AA-BB-CC-DD-EE-FF", "aabbccddeeff", "Aa:Bb:Cc:Dd:Ee:Ff"}
	for _, in := range inputs {
		once := NormalizeMAC(in)
		twice := NormalizeMAC(once)
		if once != twice {
			t.Errorf("NormalizeMAC not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestMerge_UnionsIPSets(t *testing.T) {
	leases := []pihole.Lease{
		{HWAddr: "AA:BB:CC:DD:EE:FF", IP: "10.0.0.10", Name: "laptop", Expires: 1700000000},
	}
	devices := []pihole.Device{
		{
			HWAddr:     "aa-bb-cc-dd-ee-ff",
			LastQuery:  1699999000,
			NumQueries: 17,
			MACVendor:  "Apple",
			IPs: []pihole.DeviceAddr{
				{IP: "10.0.0.10", LastSeen: 1699999000},
				{IP: "fe80::1", LastSeen: 1699998000},
			},
		},
	}

	merged := Merge(leases, devices, nil)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged device, got %d", len(merged))
	}

	dev := merged["aa:bb:cc:dd:ee:ff"]
	if dev == nil {
		t.Fatal("merged device not keyed by normalized MAC")
	}
	wantIPs := []string{"10.0.0.10", "fe80::1"}
	if len(dev.IPs) != len(wantIPs) {
		t.Fatalf("IPs = %v, want %v", dev.IPs, wantIPs)
	}
	for i, ip := range wantIPs {
		if dev.IPs[i] != ip {
			t.Errorf("IPs[%d] = %q, want %q", i, dev.IPs[i], ip)
		}
	}
	if dev.Name != "laptop" {
		t.Errorf("Name = %q, want laptop", dev.Name)
	}
	if dev.Vendor != "Apple" {
		t.Errorf("Vendor = %q, want Apple", dev.Vendor)
	}
	if dev.Queries != 17 {
		t.Errorf("Queries = %d, want 17", dev.Queries)
	}
	if dev.LeaseExpires.Unix() != 1700000000 {
		t.Errorf("LeaseExpires = %v", dev.LeaseExpires)
	}
}

func TestMerge_NamePreference(t *testing.T) {
	tests := []struct {
		name      string
		leaseName string
		addrName  string
		want      string
	}{
		{"lease wins over resolved name", "laptop-dhcp", "laptop-dns", "laptop-dhcp"},
		{"placeholder lease keeps resolved name", "*", "laptop-dns", "laptop-dns"},
		{"unknown lease keeps resolved name", "unknown", "laptop-dns", "laptop-dns"},
		{"empty everywhere", "*", "", ""},
		{"lease only", "laptop-dhcp", "", "laptop-dhcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leases := []pihole.Lease{{HWAddr: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.10", Name: tt.leaseName}}
			devices := []pihole.Device{{
				HWAddr: "aa:bb:cc:dd:ee:ff",
				IPs:    []pihole.DeviceAddr{{IP: "10.0.0.10", Name: tt.addrName}},
			}}

			merged := Merge(leases, devices, nil)
			if got := merged["aa:bb:cc:dd:ee:ff"].Name; got != tt.want {
				t.Errorf("Name = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMerge_ARPMarksLiveAndAddsIP(t *testing.T) {
	devices := []pihole.Device{
		{HWAddr: "aa:bb:cc:dd:ee:ff", LastQuery: 1000},
		{HWAddr: "11:22:33:44:55:66", LastQuery: 1000},
	}
	arp := map[string]string{
		"10.0.0.99": "AA-BB-CC-DD-EE-FF", // un-normalized on purpose
	}

	merged := Merge(nil, devices, arp)

	live := merged["aa:bb:cc:dd:ee:ff"]
	if !live.ARPLive {
		t.Error("expected ARP-matched device to be live")
	}
	if len(live.IPs) != 1 || live.IPs[0] != "10.0.0.99" {
		t.Errorf("expected ARP IP attached, got %v", live.IPs)
	}

	if merged["11:22:33:44:55:66"].ARPLive {
		t.Error("unmatched device must not be ARP-live")
	}
}

func TestMerge_ARPOnlyEntriesIgnored(t *testing.T) {
	// ARP entries for MACs the appliance has never recorded do not
	// create device records; the table only annotates known devices.
	arp := map[string]string{"10.0.0.50": "de:ad:be:ef:00:01"}
	merged := Merge(nil, nil, arp)
	if len(merged) != 0 {
		t.Errorf("expected no devices, got %d", len(merged))
	}
}

func TestMerge_DropsGarbageHWAddr(t *testing.T) {
	leases := []pihole.Lease{{HWAddr: "not-a-mac", IP: "10.0.0.10"}}
	devices := []pihole.Device{{HWAddr: ""}}
	merged := Merge(leases, devices, nil)
	if len(merged) != 0 {
		t.Errorf("expected 0 devices, got %d", len(merged))
	}
}

func TestMerge_LastSeenIsNewestActivity(t *testing.T) {
	devices := []pihole.Device{{
		HWAddr:    "aa:bb:cc:dd:ee:ff",
		LastQuery: 1000,
		IPs: []pihole.DeviceAddr{
			{IP: "10.0.0.10", LastSeen: 5000},
			{IP: "10.0.0.11", LastSeen: 3000},
		},
	}}

	merged := Merge(nil, devices, nil)
	if got := merged["aa:bb:cc:dd:ee:ff"].LastSeen.Unix(); got != 5000 {
		t.Errorf("LastSeen = %d, want 5000", got)
	}
}

func TestDeviceHome(t *testing.T) {
	now := time.Unix(10000, 0)
	threshold := 3 * time.Minute

	tests := []struct {
		name string
		dev  Device
		want bool
	}{
		{
			name: "seen within threshold",
			dev:  Device{LastSeen: now.Add(-time.Minute)},
			want: true,
		},
		{
			name: "seen exactly at threshold",
			dev:  Device{LastSeen: now.Add(-threshold)},
			want: true,
		},
		{
			name: "seen beyond threshold",
			dev:  Device{LastSeen: now.Add(-threshold - time.Second)},
			want: false,
		},
		{
			name: "stale but ARP-live",
			dev:  Device{LastSeen: now.Add(-time.Hour), ARPLive: true},
			want: true,
		},
		{
			name: "never seen",
			dev:  Device{},
			want: false,
		},
		{
			name: "never seen but ARP-live",
			dev:  Device{ARPLive: true},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dev.Home(now, threshold); got != tt.want {
				t.Errorf("Home() = %v, want %v", got, tt.want)
			}
		})
	}
}
