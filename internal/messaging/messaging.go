// Package messaging implements unicast and broadcast chat delivery over a
// Pipeline, keyed by the discovery neighbor table.
package messaging

import (
	"fmt"
	"net"
	"time"

	"github.com/perezcam/linkchat/internal/discovery"
	"github.com/perezcam/linkchat/internal/events"
	"github.com/perezcam/linkchat/internal/frame"
	"github.com/perezcam/linkchat/internal/pipeline"
)

// DefaultActiveSince bounds how recently a neighbor must have been seen to
// receive a send_text_all broadcast.
const DefaultActiveSince = 60 * time.Second

// Messenger sends APP_MESSAGE frames to one or all known neighbors, and
// forwards inbound APP_MESSAGE frames to the event surface as chat events.
type Messenger struct {
	pipeline    *pipeline.Pipeline
	table       *discovery.NeighborTable
	emit        events.Emitter
	activeSince time.Duration
}

// Config holds Messenger construction parameters.
type Config struct {
	Pipeline    *pipeline.Pipeline
	Table       *discovery.NeighborTable
	Emitter     events.Emitter
	ActiveSince time.Duration // 0 defaults to DefaultActiveSince
}

// New constructs a Messenger. Call Attach to start forwarding inbound chat.
func New(cfg Config) *Messenger {
	activeSince := cfg.ActiveSince
	if activeSince <= 0 {
		activeSince = DefaultActiveSince
	}
	emit := cfg.Emitter
	if emit == nil {
		emit = events.NopEmitter{}
	}
	return &Messenger{pipeline: cfg.Pipeline, table: cfg.Table, emit: emit, activeSince: activeSince}
}

// Attach registers the APP_MESSAGE handler with the pipeline.
func (m *Messenger) Attach() {
	m.pipeline.RegisterHandler(frame.AppMessage, m.onAppMessage)
}

func (m *Messenger) onAppMessage(f frame.Frame) {
	m.emit.Emit(events.EventChat, events.ChatData{From: f.Src.String(), Text: string(f.Payload)})
}

// SendText unicasts text to a single neighbor by hardware address.
func (m *Messenger) SendText(dst net.HardwareAddr, text string) error {
	return m.pipeline.Send(dst, frame.AppMessage, []byte(text))
}

// SendTextAll broadcasts text to every neighbor seen within the configured
// active-since window. It returns the list of neighbors the message was
// queued for.
func (m *Messenger) SendTextAll(text string) ([]discovery.Neighbor, error) {
	return m.SendTextAllSince(text, m.activeSince)
}

// SendTextAllSince is SendTextAll with an explicit active-since window,
// for callers (the command surface's send_text_all) that accept a
// per-request override instead of the Messenger's configured default. It
// uses one consistent snapshot of the neighbor table so a concurrent
// discovery update mid-broadcast cannot produce a torn read.
func (m *Messenger) SendTextAllSince(text string, activeSince time.Duration) ([]discovery.Neighbor, error) {
	recipients := m.table.Active(activeSince)

	var firstErr error
	for _, n := range recipients {
		if err := m.pipeline.Send(n.MAC, frame.AppMessage, []byte(text)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("messaging: send to %s (%s): %w", n.MAC, n.Alias, err)
		}
	}
	return recipients, firstErr
}
