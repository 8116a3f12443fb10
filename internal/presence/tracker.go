package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Transition is a home/away state change for one device, produced when
// a poll's derived state differs from the previously reported one.
type Transition struct {
	Device Device
	Home   bool
	At     time.Time
}

// Tracker holds the latest merged snapshot and the per-device home
// state last reported from it. Apply is called by the poller; readers
// (the MQTT publisher, the status command) take copies under RLock.
//
// On a failed poll the previous snapshot is retained untouched: the
// consumer keeps the last-known-good view until the next successful
// update.
type Tracker struct {
	considerAway time.Duration
	allowed      map[string]bool // nil means track everything
	logger       *slog.Logger

	mu          sync.RWMutex
	devices     map[string]*Device
	home        map[string]bool
	lastUpdate  time.Time
	lastSuccess bool
}

// NewTracker creates a presence tracker. considerAway is the last-seen
// age beyond which a device is reported away. allowedMACs optionally
// restricts tracking to those hardware addresses (any separator or
// case); empty means track everything the appliance reports.
func NewTracker(considerAway time.Duration, allowedMACs []string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	var allowed map[string]bool
	if len(allowedMACs) > 0 {
		allowed = make(map[string]bool, len(allowedMACs))
		for _, raw := range allowedMACs {
			if mac := NormalizeMAC(raw); mac != "" {
				allowed[mac] = true
			} else {
				logger.Warn("ignoring unparseable tracked device", "mac", raw)
			}
		}
	}

	return &Tracker{
		considerAway: considerAway,
		allowed:      allowed,
		logger:       logger,
		devices:      make(map[string]*Device),
		home:         make(map[string]bool),
	}
}

// SeedStates primes the previously-reported home states, typically from
// the history store on startup, so a restart does not replay an arrival
// event for every device that was already home.
func (t *Tracker) SeedStates(states map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for mac, home := range states {
		if norm := NormalizeMAC(mac); norm != "" && t.tracked(norm) {
			t.home[norm] = home
		}
	}
}

// Apply installs a successful poll's merged snapshot, re-derives every
// device's home state as of now, and returns the transitions relative
// to the previously reported states. Devices outside the configured
// allowlist are dropped here rather than in Merge so the merge logic
// stays source-shaped.
func (t *Tracker) Apply(now time.Time, merged map[string]*Device) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	devices := make(map[string]*Device, len(merged))
	for mac, dev := range merged {
		if t.tracked(mac) {
			devices[mac] = dev
		}
	}

	var transitions []Transition
	for mac, dev := range devices {
		home := dev.Home(now, t.considerAway)
		prev, known := t.home[mac]
		if !known || prev != home {
			transitions = append(transitions, Transition{
				Device: *dev,
				Home:   home,
				At:     now,
			})
		}
		t.home[mac] = home
	}

	t.devices = devices
	t.lastUpdate = now
	t.lastSuccess = true

	// Deterministic order for logging and the history store.
	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Device.MAC < transitions[j].Device.MAC
	})
	return transitions
}

// MarkFailure records a failed poll. The snapshot and reported states
// are left untouched; only the health flag flips.
func (t *Tracker) MarkFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSuccess = false
}

// Healthy reports whether the most recent poll succeeded. False until
// the first successful poll.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSuccess
}

// LastUpdate returns when the last successful poll was applied.
func (t *Tracker) LastUpdate() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastUpdate
}

// Devices returns copies of the current snapshot's records, sorted by
// hardware address.
func (t *Tracker) Devices() []Device {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Device, 0, len(t.devices))
	for _, dev := range t.devices {
		d := *dev
		d.IPs = append([]string(nil), dev.IPs...)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Home reports the last derived state for a hardware address. The
// second return is false for devices never seen.
func (t *Tracker) Home(mac string) (bool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	home, ok := t.home[NormalizeMAC(mac)]
	return home, ok
}

// ConsiderAway returns the configured away threshold.
func (t *Tracker) ConsiderAway() time.Duration {
	return t.considerAway
}

// tracked reports whether a normalized MAC passes the allowlist.
// Callers must hold the lock or be in the constructor.
func (t *Tracker) tracked(mac string) bool {
	return t.allowed == nil || t.allowed[mac]
}
