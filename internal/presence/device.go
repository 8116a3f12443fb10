// Package presence merges the appliance's heterogeneous device records
// (DHCP leases, device-activity records, and an optional ARP table)
// into one record per physical device and derives a home/away state
// from a last-seen threshold plus ARP liveness.
package presence

import (
	"sort"
	"strings"
	"time"

	"github.com/nugget/pihole-presence/internal/pihole"
)

// NormalizeMAC canonicalizes a hardware address to lowercase
// colon-separated form. It accepts colon, dash, and dot separators as
// well as bare 12-digit hex, and returns "" for anything that is not a
// 48-bit address. Normalization is idempotent.
func NormalizeMAC(s string) string {
	var hex strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			hex.WriteRune(r)
		case r == ':', r == '-', r == '.':
			// separator, skip
		default:
			return ""
		}
	}

	h := hex.String()
	if len(h) != 12 {
		return ""
	}

	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(h[i : i+2])
	}
	return b.String()
}

// Device is the merged per-device presence record, keyed by normalized
// hardware address.
type Device struct {
	MAC          string    `json:"mac"`
	Name         string    `json:"name,omitempty"`
	IPs          []string  `json:"ips,omitempty"`
	FirstSeen    time.Time `json:"first_seen,omitzero"`
	LastSeen     time.Time `json:"last_seen,omitzero"`
	Queries      int64     `json:"queries"`
	Vendor       string    `json:"vendor,omitempty"`
	LeaseExpires time.Time `json:"lease_expires,omitzero"`
	// ARPLive means one of the device's IPs appeared in the ARP table
	// this poll, which overrides the last-seen threshold.
	ARPLive bool `json:"arp_live"`
}

// Home reports whether the device counts as present at now: last seen
// within the considerAway window, or currently live in the ARP cache.
// A device with no activity timestamp at all is away unless ARP says
// otherwise.
func (d *Device) Home(now time.Time, considerAway time.Duration) bool {
	if d.ARPLive {
		return true
	}
	if d.LastSeen.IsZero() {
		return false
	}
	return now.Sub(d.LastSeen) <= considerAway
}

// addIP appends ip to the device's IP set if non-empty and not already
// present. The set is kept unsorted during merging; Merge sorts once at
// the end.
func (d *Device) addIP(ip string) {
	if ip == "" {
		return
	}
	for _, existing := range d.IPs {
		if existing == ip {
			return
		}
	}
	d.IPs = append(d.IPs, ip)
}

// realName reports whether a source-provided name is usable for
// display. dnsmasq reports "*" for clients that sent no hostname, and
// FTL sometimes reports "unknown".
func realName(s string) bool {
	return s != "" && s != "*" && !strings.EqualFold(s, "unknown")
}

// Merge reconciles the three sources into one record per hardware
// address. IP sets are unioned across sources; a real name is preferred
// over a placeholder, with the DHCP lease name winning over the
// activity record's resolved name when both are real; ARP entries
// matched by MAC mark the record live and contribute their IP. Records
// with unparseable hardware addresses are dropped.
func Merge(leases []pihole.Lease, devices []pihole.Device, arp map[string]string) map[string]*Device {
	merged := make(map[string]*Device, len(devices))

	ensure := func(mac string) *Device {
		dev, ok := merged[mac]
		if !ok {
			dev = &Device{MAC: mac}
			merged[mac] = dev
		}
		return dev
	}

	for _, d := range devices {
		mac := NormalizeMAC(d.HWAddr)
		if mac == "" {
			continue
		}
		dev := ensure(mac)

		dev.Queries += d.NumQueries
		if dev.Vendor == "" {
			dev.Vendor = d.MACVendor
		}
		if d.FirstSeen > 0 {
			first := time.Unix(d.FirstSeen, 0)
			if dev.FirstSeen.IsZero() || first.Before(dev.FirstSeen) {
				dev.FirstSeen = first
			}
		}

		// Device-level last seen is the newest of the query timestamp
		// and every per-address activity timestamp.
		last := d.LastQuery
		for _, addr := range d.IPs {
			if addr.LastSeen > last {
				last = addr.LastSeen
			}
			dev.addIP(addr.IP)
			if !realName(dev.Name) && realName(addr.Name) {
				dev.Name = addr.Name
			}
		}
		if last > 0 {
			seen := time.Unix(last, 0)
			if seen.After(dev.LastSeen) {
				dev.LastSeen = seen
			}
		}
	}

	for _, l := range leases {
		mac := NormalizeMAC(l.HWAddr)
		if mac == "" {
			continue
		}
		dev := ensure(mac)

		dev.addIP(l.IP)
		if realName(l.Name) {
			dev.Name = l.Name
		}
		if l.Expires > 0 {
			dev.LeaseExpires = time.Unix(l.Expires, 0)
		}
	}

	// The ARP table is keyed by IP; match on the normalized MAC value.
	for ip, rawMAC := range arp {
		mac := NormalizeMAC(rawMAC)
		if mac == "" {
			continue
		}
		if dev, ok := merged[mac]; ok {
			dev.ARPLive = true
			dev.addIP(ip)
		}
	}

	for _, dev := range merged {
		sort.Strings(dev.IPs)
	}
	return merged
}
