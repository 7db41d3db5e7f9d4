package messaging

import (
	"net"
	"testing"
	"time"

	"github.com/perezcam/linkchat/internal/discovery"
	"github.com/perezcam/linkchat/internal/events"
	"github.com/perezcam/linkchat/internal/frame"
	"github.com/perezcam/linkchat/internal/logging"
	"github.com/perezcam/linkchat/internal/pipeline"
)

type recordingEmitter struct {
	eventType events.EventType
	data      interface{}
}

func (r *recordingEmitter) Emit(eventType events.EventType, data interface{}) {
	r.eventType = eventType
	r.data = data
}

func (r *recordingEmitter) Close() error { return nil }

func TestMessenger_OnAppMessage_EmitsChat(t *testing.T) {
	emit := &recordingEmitter{}
	m := New(Config{
		Pipeline: pipeline.NewUnattached(logging.NewLogger(logging.LevelError)),
		Table:    discovery.NewNeighborTable(),
		Emitter:  emit,
	})
	m.Attach()

	src := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	m.onAppMessage(frame.Frame{Src: src, MessageType: frame.AppMessage, Payload: []byte("hello")})

	if emit.eventType != events.EventChat {
		t.Fatalf("eventType = %v, want %v", emit.eventType, events.EventChat)
	}
	data, ok := emit.data.(events.ChatData)
	if !ok {
		t.Fatalf("data type = %T, want events.ChatData", emit.data)
	}
	if data.From != src.String() || data.Text != "hello" {
		t.Errorf("data = %+v, want From=%s Text=hello", data, src.String())
	}
}

func TestMessenger_SendTextAll_FiltersByActiveSince(t *testing.T) {
	table := discovery.NewNeighborTable()
	fresh := net.HardwareAddr{1, 2, 3, 4, 5, 1}
	table.Update(fresh, "fresh-node")

	m := New(Config{Pipeline: pipeline.NewUnattached(logging.NewLogger(logging.LevelError)), Table: table, ActiveSince: time.Minute})

	recipients, err := m.SendTextAll("hi")
	if err != nil {
		t.Fatalf("SendTextAll: %v", err)
	}
	if len(recipients) != 1 || recipients[0].MAC.String() != fresh.String() {
		t.Fatalf("expected exactly the fresh neighbor, got %+v", recipients)
	}
}

func TestNew_DefaultsActiveSince(t *testing.T) {
	m := New(Config{Table: discovery.NewNeighborTable()})
	if m.activeSince != DefaultActiveSince {
		t.Errorf("activeSince = %v, want default %v", m.activeSince, DefaultActiveSince)
	}
}
