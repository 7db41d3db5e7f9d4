// Package pipeline runs the fixed worker set that moves frames between the
// wire and the rest of the application: a receiver, a sender, a dispatcher,
// a scheduler, and a file-transfer pump. Each worker isolates per-item
// errors so a single bad frame or task never brings the worker down.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perezcam/linkchat/internal/frame"
	"github.com/perezcam/linkchat/internal/logging"
	"github.com/perezcam/linkchat/internal/metrics"
	"github.com/perezcam/linkchat/internal/rawiface"
	"github.com/perezcam/linkchat/internal/security"
)

// ChannelBufferSize bounds the outgoing/incoming frame queues, matching the
// teacher's bridge channel sizing.
const ChannelBufferSize = 256

// schedulerTick is how often the scheduler loop checks due tasks, matching
// the reference's 1-second polling interval.
const schedulerTick = 1 * time.Second

// filePumpInterval is how often the file-sender pump services active
// transfers, matching the reference's 20ms cadence.
const filePumpInterval = 20 * time.Millisecond

// HandlerFunc processes one dispatched frame.
type HandlerFunc func(f frame.Frame)

// Transfer is serviced by the file-sender pump once per tick until it
// reports finished. Implementations live in internal/filetransfer.
type Transfer interface {
	Pump(now time.Time) (finished bool)
}

// ScheduledTask runs Fn every Interval, starting on registration.
type ScheduledTask struct {
	Name     string
	Interval time.Duration
	Fn       func(now time.Time)

	lastRun time.Time
}

// Pipeline owns the raw interface, the security envelope, and the handler /
// scheduler / transfer registries that the rest of the application plugs
// into.
type Pipeline struct {
	iface    *rawiface.Endpoint
	envelope *security.Envelope
	logger   *logging.Logger
	metrics  *metrics.Registry
	localMAC net.HardwareAddr

	outgoing chan outgoingFrame
	incoming chan frame.Frame

	handlersMu sync.RWMutex
	handlers   map[frame.MessageType]HandlerFunc

	tasksMu sync.Mutex
	tasks   []*ScheduledTask

	transfersMu sync.Mutex
	transfers   map[string]Transfer

	sequence uint32
}

type outgoingFrame struct {
	dst         net.HardwareAddr
	messageType frame.MessageType
	payload     []byte
}

// Config holds the dependencies a Pipeline is built from.
type Config struct {
	Interface *rawiface.Endpoint
	Envelope  *security.Envelope
	Logger    *logging.Logger
	Metrics   *metrics.Registry // optional; nil disables instrumentation
}

// New constructs a Pipeline. It does not start any goroutines; call Run.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Interface == nil {
		return nil, fmt.Errorf("pipeline: raw interface is required")
	}
	if cfg.Envelope == nil {
		return nil, fmt.Errorf("pipeline: security envelope is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("pipeline: logger is required")
	}

	return &Pipeline{
		iface:     cfg.Interface,
		envelope:  cfg.Envelope,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		localMAC:  cfg.Interface.LocalMAC(),
		outgoing:  make(chan outgoingFrame, ChannelBufferSize),
		incoming:  make(chan frame.Frame, ChannelBufferSize),
		handlers:  make(map[frame.MessageType]HandlerFunc),
		transfers: make(map[string]Transfer),
	}, nil
}

// LocalMAC returns the bound interface's own hardware address.
func (p *Pipeline) LocalMAC() net.HardwareAddr { return p.localMAC }

// QueuedOutgoing reports how many frames are currently buffered for send,
// useful for backlog/health reporting.
func (p *Pipeline) QueuedOutgoing() int { return len(p.outgoing) }

// NewUnattached builds a Pipeline with its queues and registries ready but
// no bound raw interface. Send/Broadcast and the handler, task, and
// transfer registries all work normally; Run panics without a real
// Interface. Intended for exercising consumers (messaging, filetransfer,
// discovery) in tests without a live capture device.
func NewUnattached(logger *logging.Logger) *Pipeline {
	return &Pipeline{
		logger:    logger,
		outgoing:  make(chan outgoingFrame, ChannelBufferSize),
		incoming:  make(chan frame.Frame, ChannelBufferSize),
		handlers:  make(map[frame.MessageType]HandlerFunc),
		transfers: make(map[string]Transfer),
	}
}

// RegisterHandler installs the handler invoked for frames of the given
// message type as they are dispatched. Registering twice replaces the
// previous handler.
func (p *Pipeline) RegisterHandler(msgType frame.MessageType, fn HandlerFunc) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[msgType] = fn
}

// AddScheduledTask registers a recurring task. It first runs on or after
// its own interval has elapsed since registration.
func (p *Pipeline) AddScheduledTask(task *ScheduledTask) {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	task.lastRun = time.Now()
	p.tasks = append(p.tasks, task)
}

// RegisterTransfer adds t to the set the file-sender pump services, keyed
// by file_id.
func (p *Pipeline) RegisterTransfer(id string, t Transfer) {
	p.transfersMu.Lock()
	defer p.transfersMu.Unlock()
	p.transfers[id] = t
}

// UnregisterTransfer removes a transfer, e.g. once it has finished.
func (p *Pipeline) UnregisterTransfer(id string) {
	p.transfersMu.Lock()
	defer p.transfersMu.Unlock()
	delete(p.transfers, id)
}

// nextSequence returns the next monotonically increasing sequence number.
func (p *Pipeline) nextSequence() uint32 {
	return atomic.AddUint32(&p.sequence, 1)
}

// Send queues a frame for transmission to dst. Non-discovery message types
// are encrypted under the security envelope before they reach the wire.
// Send does not block indefinitely: if the outgoing queue is full the frame
// is dropped, matching the teacher's non-blocking channel sends.
func (p *Pipeline) Send(dst net.HardwareAddr, msgType frame.MessageType, payload []byte) error {
	select {
	case p.outgoing <- outgoingFrame{dst: dst, messageType: msgType, payload: payload}:
		return nil
	default:
		p.metrics.FrameSendFailed("queue_full")
		return fmt.Errorf("pipeline: outgoing queue full, dropped %s frame", msgType)
	}
}

// Broadcast is Send to the all-ones hardware address.
func (p *Pipeline) Broadcast(msgType frame.MessageType, payload []byte) error {
	return p.Send(net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, msgType, payload)
}

// Run starts the receiver, sender, dispatcher, scheduler, and file-sender
// pump, and blocks until ctx is cancelled or a worker reports a fatal
// (non-per-frame) error.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.receiveLoop(ctx) })
	g.Go(func() error { return p.sendLoop(ctx) })
	g.Go(func() error { return p.dispatchLoop(ctx) })
	g.Go(func() error { return p.schedulerLoop(ctx) })
	g.Go(func() error { return p.filePumpLoop(ctx) })

	return g.Wait()
}

// receiveLoop reads raw frames off the wire, decodes and decrypts them, and
// forwards well-formed frames to the dispatcher. Decode/decrypt failures on
// one frame are logged and discarded; they never stop the loop.
func (p *Pipeline) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := p.iface.ReadFrame()
		if err != nil {
			return fmt.Errorf("pipeline: receiver: %w", err)
		}
		if raw == nil {
			continue
		}

		p.handleRawFrame(raw)
	}
}

func (p *Pipeline) handleRawFrame(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("receiver: recovered from panic decoding frame: %v", r)
		}
	}()

	f, err := frame.Decode(raw)
	if err != nil {
		p.logger.Debug("receiver: discarding frame: %v", err)
		p.metrics.FrameDropped(decodeDropReason(err))
		return
	}

	if !f.MessageType.IsDiscovery() {
		plaintext, err := p.envelope.Unwrap(f, f.Payload)
		if err != nil {
			p.logger.Debug("receiver: discarding %s frame: %v", f.MessageType, err)
			p.metrics.FrameDropped("auth_failure")
			return
		}
		f.Payload = plaintext
	}

	select {
	case p.incoming <- f:
		p.metrics.FrameReceived()
	default:
		p.logger.Debug("receiver: incoming queue full, dropping %s frame", f.MessageType)
		p.metrics.FrameDropped("queue_full")
	}
}

// decodeDropReason maps a frame.Decode error to the short taxonomy label
// used by the frames_total metric.
func decodeDropReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrBadChecksum):
		return "bad_checksum"
	case errors.Is(err, frame.ErrTruncated):
		return "truncated"
	case errors.Is(err, frame.ErrUnknownMessageType):
		return "unknown_type"
	default:
		return "decode_error"
	}
}

// sendLoop drains the outgoing queue, wraps and encodes each frame, and
// writes it to the wire.
func (p *Pipeline) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-p.outgoing:
			p.sendOne(out)
		}
	}
}

func (p *Pipeline) sendOne(out outgoingFrame) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("sender: recovered from panic encoding %s frame: %v", out.messageType, r)
		}
	}()

	sequence := p.nextSequence()
	hdr := frame.Frame{
		Dst:         out.dst,
		Src:         p.localMAC,
		EtherType:   p.iface.EtherType(),
		MessageType: out.messageType,
		Sequence:    sequence,
	}

	payload := out.payload
	if !out.messageType.IsDiscovery() {
		wrapped, err := p.envelope.Wrap(hdr, out.payload)
		if err != nil {
			p.logger.Warn("sender: failed to wrap %s frame: %v", out.messageType, err)
			p.metrics.FrameSendFailed("wrap_error")
			return
		}
		payload = wrapped
	}

	hdr.Payload = payload
	raw, err := frame.Encode(hdr)
	if err != nil {
		p.logger.Warn("sender: failed to encode %s frame: %v", out.messageType, err)
		p.metrics.FrameSendFailed("encode_error")
		return
	}

	if err := p.iface.WriteFrame(raw); err != nil {
		p.logger.Warn("sender: write failed: %v", err)
		p.metrics.FrameSendFailed("write_error")
		return
	}
	p.metrics.FrameSent()
}

// dispatchLoop delivers decoded frames to their registered handler.
func (p *Pipeline) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.incoming:
			p.dispatchOne(f)
		}
	}
}

func (p *Pipeline) dispatchOne(f frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("dispatcher: recovered from panic handling %s frame: %v", f.MessageType, r)
		}
	}()

	p.handlersMu.RLock()
	handler, ok := p.handlers[f.MessageType]
	p.handlersMu.RUnlock()

	if !ok {
		p.logger.Debug("dispatcher: no handler registered for %s", f.MessageType)
		return
	}
	handler(f)
}

// schedulerLoop runs every due ScheduledTask, once per tick.
func (p *Pipeline) schedulerLoop(ctx context.Context) error {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.runDueTasks(now)
		}
	}
}

func (p *Pipeline) runDueTasks(now time.Time) {
	p.tasksMu.Lock()
	due := make([]*ScheduledTask, 0, len(p.tasks))
	for _, task := range p.tasks {
		if now.Sub(task.lastRun) >= task.Interval {
			task.lastRun = now
			due = append(due, task)
		}
	}
	p.tasksMu.Unlock()

	for _, task := range due {
		p.runTask(task, now)
	}
}

func (p *Pipeline) runTask(task *ScheduledTask, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("scheduler: recovered from panic in task %q: %v", task.Name, r)
		}
	}()
	task.Fn(now)
}

// filePumpLoop services every registered Transfer, removing it from the
// registry once it reports finished.
func (p *Pipeline) filePumpLoop(ctx context.Context) error {
	ticker := time.NewTicker(filePumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.pumpTransfers(now)
		}
	}
}

func (p *Pipeline) pumpTransfers(now time.Time) {
	p.transfersMu.Lock()
	snapshot := make(map[string]Transfer, len(p.transfers))
	for id, t := range p.transfers {
		snapshot[id] = t
	}
	p.transfersMu.Unlock()

	for id, t := range snapshot {
		if p.pumpOne(id, t, now) {
			p.UnregisterTransfer(id)
		}
	}
}

func (p *Pipeline) pumpOne(id string, t Transfer, now time.Time) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("file pump: recovered from panic servicing %q: %v", id, r)
			finished = true
		}
	}()
	return t.Pump(now)
}
