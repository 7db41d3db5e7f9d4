// Package events provides structured event emission for the command/event
// surface: neighbor changes, chat delivery, and file transfer lifecycle.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	EventNeighborsChanged EventType = "neighbors_changed"
	EventChat             EventType = "chat"
	EventFileTxStarted    EventType = "file_tx_started"
	EventFileTxProgress   EventType = "file_tx_progress"
	EventFileTxFinished   EventType = "file_tx_finished"
	EventFileTxError      EventType = "file_tx_error"
	EventFileRxStarted    EventType = "file_rx_started"
	EventFileRxProgress   EventType = "file_rx_progress"
	EventFileRxFinished   EventType = "file_rx_finished"
	EventFileRxError      EventType = "file_rx_error"
)

// Envelope wraps every emitted event with type and timestamp.
type Envelope struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NeighborInfo describes one entry of the neighbor table, as carried in a
// neighbors_changed event.
type NeighborInfo struct {
	MAC      string    `json:"mac"`
	Alias    string    `json:"alias"`
	LastSeen time.Time `json:"last_seen"`
}

// NeighborsChangedData is the payload for neighbors_changed events.
type NeighborsChangedData struct {
	Neighbors []NeighborInfo `json:"neighbors"`
}

// ChatData is the payload for chat events (an APP_MESSAGE received from a
// neighbor).
type ChatData struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// FileTxStartedData is the payload for file_tx_started events.
type FileTxStartedData struct {
	FileID string `json:"file_id"`
	Path   string `json:"path"`
	Dst    string `json:"dst"`
	Size   int64  `json:"size"`
}

// FileTxProgressData is the payload for file_tx_progress events.
type FileTxProgressData struct {
	FileID   string  `json:"file_id"`
	Progress float64 `json:"progress"`
}

// FileTxFinishedData is the payload for file_tx_finished events.
type FileTxFinishedData struct {
	FileID string `json:"file_id"`
}

// FileTxErrorData is the payload for file_tx_error events.
type FileTxErrorData struct {
	FileID string `json:"file_id"`
	Reason string `json:"reason"`
}

// FileRxStartedData is the payload for file_rx_started events.
type FileRxStartedData struct {
	FileID string `json:"file_id"`
	Path   string `json:"path"`
	From   string `json:"from"`
	Size   int64  `json:"size"`
}

// FileRxProgressData is the payload for file_rx_progress events.
type FileRxProgressData struct {
	FileID   string  `json:"file_id"`
	Progress float64 `json:"progress"`
}

// FileRxFinishedData is the payload for file_rx_finished events.
type FileRxFinishedData struct {
	FileID string `json:"file_id"`
	Path   string `json:"path"`
}

// FileRxErrorData is the payload for file_rx_error events.
type FileRxErrorData struct {
	FileID string `json:"file_id"`
	Reason string `json:"reason"`
}

// Emitter is the interface for emitting structured events.
type Emitter interface {
	Emit(eventType EventType, data interface{})
	Close() error
}
