// Package poller runs the periodic appliance poll: fetch leases and
// device-activity records (plus the optional ARP table), merge them,
// and apply the result to the presence tracker.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/pihole-presence/internal/config"
	"github.com/nugget/pihole-presence/internal/pihole"
	"github.com/nugget/pihole-presence/internal/presence"
)

// Source provides the appliance's lease and device tables. Satisfied by
// *pihole.Client; an interface keeps the poller testable without a real
// appliance.
type Source interface {
	GetLeases(ctx context.Context) ([]pihole.Lease, error)
	GetDevices(ctx context.Context) ([]pihole.Device, error)
}

// ARPSource provides the optional ARP table. Satisfied by *arp.Fetcher.
type ARPSource interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// Recorder persists per-poll device state and home/away transitions.
// Satisfied by *history.Store. Optional.
type Recorder interface {
	RecordPoll(devices []presence.Device, states map[string]bool) error
	RecordTransition(mac string, home bool, at time.Time) error
}

// Config configures the poller.
type Config struct {
	// Source provides lease and device tables. Required.
	Source Source

	// ARP provides the optional liveness table. Nil disables the ARP
	// source; a fetch error never fails the tick.
	ARP ARPSource

	// Tracker receives merged snapshots. Required.
	Tracker *presence.Tracker

	// History persists device rows and transition events. Optional.
	History Recorder

	// Interval between polls.
	Interval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Poller periodically polls the appliance and feeds the tracker. Each
// tick is a short bounded sequence of calls; there is never more than
// one tick in flight.
type Poller struct {
	cfg Config
}

// New creates a poller.
func New(cfg Config) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{cfg: cfg}
}

// Start runs the polling loop until ctx is cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Poll runs a single tick. Exposed for the one-shot check command.
func (p *Poller) Poll(ctx context.Context) {
	p.poll(ctx)
}

func (p *Poller) poll(ctx context.Context) {
	leases, err := p.cfg.Source.GetLeases(ctx)
	if err != nil {
		p.cfg.Logger.Warn("lease fetch failed, keeping last-known-good", "error", err)
		p.cfg.Tracker.MarkFailure()
		return
	}

	devices, err := p.cfg.Source.GetDevices(ctx)
	if err != nil {
		p.cfg.Logger.Warn("device fetch failed, keeping last-known-good", "error", err)
		p.cfg.Tracker.MarkFailure()
		return
	}

	// The ARP table is additive: a failed fetch degrades to threshold-only
	// presence instead of failing the tick.
	var arpTable map[string]string
	if p.cfg.ARP != nil {
		arpTable, err = p.cfg.ARP.Fetch(ctx)
		if err != nil {
			p.cfg.Logger.Warn("arp fetch failed, continuing without liveness data", "error", err)
			arpTable = nil
		}
	}

	p.cfg.Logger.Log(ctx, config.LevelTrace, "poll payload",
		"leases", leases,
		"devices", devices,
		"arp", arpTable,
	)

	now := time.Now()
	merged := presence.Merge(leases, devices, arpTable)
	transitions := p.cfg.Tracker.Apply(now, merged)

	for _, tr := range transitions {
		verb := "device departed"
		if tr.Home {
			verb = "device arrived"
		}
		p.cfg.Logger.Info(verb,
			"mac", tr.Device.MAC,
			"name", tr.Device.Name,
			"ips", tr.Device.IPs,
			"last_seen", tr.Device.LastSeen,
			"arp_live", tr.Device.ARPLive,
		)
	}

	p.cfg.Logger.Debug("poll complete",
		"devices", len(merged),
		"leases", len(leases),
		"arp_entries", len(arpTable),
		"transitions", len(transitions),
	)

	if p.cfg.History != nil {
		p.record(transitions)
	}
}

// record persists the current snapshot and this tick's transitions.
// Persistence failures are logged, never fatal; the store is a
// convenience for restart continuity, not a source of truth.
func (p *Poller) record(transitions []presence.Transition) {
	devices := p.cfg.Tracker.Devices()
	states := make(map[string]bool, len(devices))
	for _, d := range devices {
		if home, ok := p.cfg.Tracker.Home(d.MAC); ok {
			states[d.MAC] = home
		}
	}

	if err := p.cfg.History.RecordPoll(devices, states); err != nil {
		p.cfg.Logger.Warn("history record failed", "error", err)
	}

	for _, tr := range transitions {
		if err := p.cfg.History.RecordTransition(tr.Device.MAC, tr.Home, tr.At); err != nil {
			p.cfg.Logger.Warn("transition record failed", "mac", tr.Device.MAC, "error", err)
		}
	}
}
