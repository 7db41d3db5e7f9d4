// Package discovery maintains the neighbor table: periodic broadcast
// beacons, unicast replies, and change notification when a neighbor first
// appears or changes its alias.
package discovery

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/perezcam/linkchat/internal/frame"
	"github.com/perezcam/linkchat/internal/logging"
	"github.com/perezcam/linkchat/internal/pipeline"
)

// DefaultInterval is how often a DISCOVER_REQUEST beacon is broadcast.
const DefaultInterval = 5 * time.Second

// Neighbor is one entry in the neighbor table.
type Neighbor struct {
	MAC      net.HardwareAddr
	Alias    string
	LastSeen time.Time
}

// NeighborTable is the append/update-only map of known peers, keyed by
// hardware address.
type NeighborTable struct {
	mu      sync.RWMutex
	entries map[string]Neighbor
}

// NewNeighborTable returns an empty table.
func NewNeighborTable() *NeighborTable {
	return &NeighborTable{entries: make(map[string]Neighbor)}
}

// Update records a sighting of mac with the given alias. It returns true if
// this created a new entry or changed an existing entry's alias — the only
// two conditions that should trigger a neighbors_changed event. A freshness
// refresh with an unchanged alias returns false.
func (t *NeighborTable) Update(mac net.HardwareAddr, alias string) bool {
	key := mac.String()
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[key]
	if !ok {
		t.entries[key] = Neighbor{MAC: cloneMAC(mac), Alias: alias, LastSeen: now}
		return true
	}

	changed := existing.Alias != alias
	existing.Alias = alias
	existing.LastSeen = now
	t.entries[key] = existing
	return changed
}

// Get returns the neighbor recorded for mac, if any.
func (t *NeighborTable) Get(mac net.HardwareAddr) (Neighbor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.entries[mac.String()]
	return n, ok
}

// Snapshot returns every known neighbor, sorted by hardware address for
// deterministic iteration, as a single consistent read under the table's
// lock.
func (t *NeighborTable) Snapshot() []Neighbor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Neighbor, 0, len(t.entries))
	for _, n := range t.entries {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC.String() < out[j].MAC.String() })
	return out
}

// Active returns the subset of Snapshot whose LastSeen falls within
// activeSince of now.
func (t *NeighborTable) Active(activeSince time.Duration) []Neighbor {
	all := t.Snapshot()
	now := time.Now()
	out := make([]Neighbor, 0, len(all))
	for _, n := range all {
		if now.Sub(n.LastSeen) <= activeSince {
			out = append(out, n)
		}
	}
	return out
}

func cloneMAC(mac net.HardwareAddr) net.HardwareAddr {
	out := make(net.HardwareAddr, len(mac))
	copy(out, mac)
	return out
}

// Discovery attaches the beacon/reply handlers and the periodic beacon task
// to a Pipeline, and owns the resulting NeighborTable.
type Discovery struct {
	pipeline *pipeline.Pipeline
	table    *NeighborTable
	alias    string
	interval time.Duration
	logger   *logging.Logger

	onChanged func()
}

// Config holds Discovery construction parameters.
type Config struct {
	Pipeline  *pipeline.Pipeline
	Alias     string
	Interval  time.Duration // 0 defaults to DefaultInterval
	Logger    *logging.Logger
	OnChanged func() // invoked when a neighbor is created or its alias changes
}

// New constructs a Discovery component. Call Attach to start beaconing and
// handling peer traffic.
func New(cfg Config) *Discovery {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Discovery{
		pipeline:  cfg.Pipeline,
		table:     NewNeighborTable(),
		alias:     cfg.Alias,
		interval:  interval,
		logger:    cfg.Logger,
		onChanged: cfg.OnChanged,
	}
}

// Table returns the neighbor table backing this Discovery instance.
func (d *Discovery) Table() *NeighborTable { return d.table }

// Attach registers the DISCOVER_REQUEST/DISCOVER_REPLY handlers and the
// periodic beacon task with the pipeline.
func (d *Discovery) Attach() {
	d.pipeline.RegisterHandler(frame.DiscoverRequest, d.onDiscoverRequest)
	d.pipeline.RegisterHandler(frame.DiscoverReply, d.onDiscoverReply)
	d.pipeline.AddScheduledTask(&pipeline.ScheduledTask{
		Name:     "discovery-beacon",
		Interval: d.interval,
		Fn:       d.beacon,
	})
}

func (d *Discovery) beacon(now time.Time) {
	if err := d.pipeline.Broadcast(frame.DiscoverRequest, encodeAlias(d.alias)); err != nil {
		d.logger.Debug("discovery: beacon: %v", err)
	}
}

func (d *Discovery) onDiscoverRequest(f frame.Frame) {
	if err := d.pipeline.Send(f.Src, frame.DiscoverReply, encodeAlias(d.alias)); err != nil {
		d.logger.Debug("discovery: reply: %v", err)
	}
}

func (d *Discovery) onDiscoverReply(f frame.Frame) {
	alias := parseAlias(f.Payload)
	if alias == "" {
		d.logger.Debug("discovery: discarding reply from %s with no alias", f.Src)
		return
	}

	if d.table.Update(f.Src, alias) {
		d.logger.Debug("discovery: neighbor %s (%s) added or renamed", f.Src, alias)
		if d.onChanged != nil {
			d.onChanged()
		}
	}
}

func encodeAlias(alias string) []byte {
	return []byte("alias=" + alias)
}

// parseAlias extracts the alias value from an "alias=<name>" payload.
func parseAlias(payload []byte) string {
	s := string(payload)
	const prefix = "alias="
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(s, prefix))
}
