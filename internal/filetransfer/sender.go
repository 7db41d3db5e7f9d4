package filetransfer

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/perezcam/linkchat/internal/events"
	"github.com/perezcam/linkchat/internal/frame"
	"github.com/perezcam/linkchat/internal/logging"
	"github.com/perezcam/linkchat/internal/metrics"
	"github.com/perezcam/linkchat/internal/pipeline"
)

// Defaults for the sliding send window, per the runtime's tunable knobs.
const (
	DefaultWindowSize      = 16
	DefaultChunkSize       = 900
	DefaultChunkTimeout    = 600 * time.Millisecond
	DefaultMaxRetries      = 10
	DefaultMetaTimeout     = 30 * time.Second
	DefaultMetaRetryPeriod = 1500 * time.Millisecond
)

type inflightEntry struct {
	sentAt  time.Time
	retries int
}

// SendContext tracks one in-flight file send: the sliding window, cumulative
// ACK bookkeeping, and META/FIN handshake state. It implements
// pipeline.Transfer and is driven by the pipeline's file-sender pump.
type SendContext struct {
	FileID   string
	RelPath  string
	Dst      net.HardwareAddr
	FileSize int64
	SHA256   string

	chunkSize       int
	totalChunks     int
	windowSize      int
	chunkTimeout    time.Duration
	maxRetries      int
	metaTimeout     time.Duration
	metaRetryPeriod time.Duration

	p       *pipeline.Pipeline
	emit    events.Emitter
	metrics *metrics.Registry
	file    *os.File
	onDone  func()

	mu             sync.Mutex
	metaPayload    []byte
	metaSentAt     time.Time
	metaLastSentAt time.Time
	metaAcked      bool
	nextToSend     int
	lastAcked      int // -1 means nothing acked yet
	inflight       map[int]*inflightEntry
	finished       bool
	err            error
	done           chan struct{}
	metaDone       chan struct{}
	metaDoneClosed bool
}

// Done is closed once the transfer finishes, successfully or not.
func (c *SendContext) Done() <-chan struct{} { return c.done }

// MetaDone is closed once the FILE_META handshake resolves: either the
// destination acknowledged it (MetaAcked reports true) or it timed out or
// the transfer failed before an ack arrived.
func (c *SendContext) MetaDone() <-chan struct{} { return c.metaDone }

// MetaAcked reports whether the destination has acknowledged this
// transfer's FILE_META frame. Meaningful once MetaDone is closed.
func (c *SendContext) MetaAcked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metaAcked
}

// Err returns the terminal error, if the transfer failed. Valid only after
// Done is closed.
func (c *SendContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *SendContext) closeMetaDoneLocked() {
	if !c.metaDoneClosed {
		c.metaDoneClosed = true
		close(c.metaDone)
	}
}

// Pump advances the sliding window: it retransmits chunks past their
// timeout, refills the window up to windowSize, and declares completion
// once every chunk is cumulatively acknowledged.
func (c *SendContext) Pump(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return true
	}

	if !c.metaAcked {
		if now.Sub(c.metaSentAt) > c.metaTimeout {
			c.failLocked(ErrMetaTimeout.Error())
			return true
		}
		if now.Sub(c.metaLastSentAt) >= c.metaRetryPeriod {
			c.metaLastSentAt = now
			_ = c.p.Send(c.Dst, frame.FileMeta, c.metaPayload)
		}
		return false
	}

	for idx, entry := range c.inflight {
		if now.Sub(entry.sentAt) < c.chunkTimeout {
			continue
		}
		if entry.retries >= c.maxRetries {
			c.failLocked("timeout")
			return true
		}
		entry.retries++
		entry.sentAt = now
		c.sendChunkLocked(idx)
		c.metrics.ChunkRetransmitted()
	}

	for len(c.inflight) < c.windowSize && c.nextToSend < c.totalChunks {
		idx := c.nextToSend
		c.sendChunkLocked(idx)
		c.metrics.ChunkSent()
		c.inflight[idx] = &inflightEntry{sentAt: now}
		c.nextToSend++
	}

	if c.totalChunks > 0 && c.lastAcked+1 >= c.totalChunks {
		_ = c.p.Send(c.Dst, frame.FileFin, buildFinPayload(c.FileID, "ok", ""))
		c.finishOKLocked()
		return true
	}

	return false
}

func (c *SendContext) sendChunkLocked(idx int) {
	chunk := make([]byte, c.chunkSize)
	n, err := c.file.ReadAt(chunk, int64(idx)*int64(c.chunkSize))
	if err != nil && n == 0 {
		return
	}
	payload := buildDataFrame(c.FileID, idx, c.totalChunks, chunk[:n])
	_ = c.p.Send(c.Dst, frame.FileData, payload)
}

func (c *SendContext) onAck(nextNeeded int) {
	c.mu.Lock()
	wasAcked := c.metaAcked
	c.metaAcked = true
	if !wasAcked {
		c.closeMetaDoneLocked()
	}
	for idx := range c.inflight {
		if idx < nextNeeded {
			delete(c.inflight, idx)
		}
	}
	if nextNeeded-1 > c.lastAcked {
		c.lastAcked = nextNeeded - 1
	}
	progress := 0.0
	if c.totalChunks > 0 {
		progress = float64(c.lastAcked+1) / float64(c.totalChunks)
	}
	c.mu.Unlock()

	c.emit.Emit(events.EventFileTxProgress, events.FileTxProgressData{FileID: c.FileID, Progress: progress})
	c.metrics.SetSendProgress(c.FileID, progress)
}

func (c *SendContext) onFin(status, reason string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	if status == "ok" {
		c.finishOKLocked()
	} else {
		c.failLocked(reason)
	}
	c.mu.Unlock()
}

func (c *SendContext) finishOKLocked() {
	c.finished = true
	c.closeMetaDoneLocked()
	close(c.done)
	if c.file != nil {
		c.file.Close()
	}
	c.emit.Emit(events.EventFileTxFinished, events.FileTxFinishedData{FileID: c.FileID})
	c.metrics.DeleteTransfer(c.FileID)
	if c.onDone != nil {
		c.onDone()
	}
}

func (c *SendContext) failLocked(reason string) {
	c.finished = true
	c.err = fmt.Errorf("filetransfer: send %s failed: %s", c.FileID, reason)
	c.closeMetaDoneLocked()
	close(c.done)
	if c.file != nil {
		c.file.Close()
	}
	c.emit.Emit(events.EventFileTxError, events.FileTxErrorData{FileID: c.FileID, Reason: reason})
	c.metrics.DeleteTransfer(c.FileID)
	if c.onDone != nil {
		c.onDone()
	}
}

// Sender drives outgoing file and folder transfers: it builds SendContexts,
// registers them with the pipeline's file-sender pump, and dispatches ACK
// and FIN frames back to the right context by file_id.
type Sender struct {
	p       *pipeline.Pipeline
	emit    events.Emitter
	metrics *metrics.Registry
	logger  *logging.Logger

	windowSize      int
	chunkSize       int
	chunkTimeout    time.Duration
	maxRetries      int
	metaTimeout     time.Duration
	metaRetryPeriod time.Duration

	mu   sync.Mutex
	byID map[string]*SendContext
}

// SenderConfig holds Sender construction parameters; zero values fall back
// to the package defaults.
type SenderConfig struct {
	Pipeline        *pipeline.Pipeline
	Emitter         events.Emitter
	Metrics         *metrics.Registry // optional; nil disables instrumentation
	Logger          *logging.Logger
	WindowSize      int
	ChunkSize       int
	ChunkTimeout    time.Duration
	MaxRetries      int
	MetaTimeout     time.Duration
	MetaRetryPeriod time.Duration
}

// NewSender constructs a Sender. Call Attach before any SendFile/SendFolder.
func NewSender(cfg SenderConfig) *Sender {
	s := &Sender{
		p:               cfg.Pipeline,
		emit:            cfg.Emitter,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		windowSize:      orDefault(cfg.WindowSize, DefaultWindowSize),
		chunkSize:       orDefault(cfg.ChunkSize, DefaultChunkSize),
		chunkTimeout:    orDefaultDuration(cfg.ChunkTimeout, DefaultChunkTimeout),
		maxRetries:      orDefault(cfg.MaxRetries, DefaultMaxRetries),
		metaTimeout:     orDefaultDuration(cfg.MetaTimeout, DefaultMetaTimeout),
		metaRetryPeriod: orDefaultDuration(cfg.MetaRetryPeriod, DefaultMetaRetryPeriod),
		byID:            make(map[string]*SendContext),
	}
	if s.emit == nil {
		s.emit = events.NopEmitter{}
	}
	return s
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Attach registers the ACK/FILE_FIN handlers this Sender needs with the
// pipeline.
func (s *Sender) Attach() {
	s.p.RegisterHandler(frame.Ack, s.onAckFrame)
	s.p.RegisterHandler(frame.FileFin, s.onFinFrame)
}

func (s *Sender) lookup(fileID string) *SendContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[fileID]
}

func (s *Sender) onAckFrame(f frame.Frame) {
	kv := parseKV(f.Payload)
	fileID := kv["file_id"]
	ctx := s.lookup(fileID)
	if ctx == nil {
		return
	}
	nextNeeded, err := strconv.Atoi(kv["next_needed"])
	if err != nil {
		s.logger.Debug("sender: malformed ACK for %s: %v", fileID, err)
		return
	}
	ctx.onAck(nextNeeded)
}

func (s *Sender) onFinFrame(f frame.Frame) {
	kv := parseKV(f.Payload)
	fileID := kv["file_id"]
	ctx := s.lookup(fileID)
	if ctx == nil {
		return
	}
	ctx.onFin(kv["status"], kv["reason"])
}

// SendFile transmits a single local file to dst, returning the transfer's
// SendContext (its FileID field holds the assigned file_id). The returned
// context's Done channel closes on completion or failure.
func (s *Sender) SendFile(dst net.HardwareAddr, path string) (*SendContext, error) {
	return s.sendFile(dst, path, filepath.Base(path))
}

// sendFile is SendFile with an explicit wire path, used by SendFolder to
// carry each file's path relative to the folder root.
func (s *Sender) sendFile(dst net.HardwareAddr, path, wirePath string) (*SendContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filetransfer: stat %s: %w", path, err)
	}

	hashHex, err := HashFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	fileID := FileID(filepath.Base(path), hashHex)
	total := 0
	if info.Size() > 0 {
		total = int((info.Size() + int64(s.chunkSize) - 1) / int64(s.chunkSize))
	}

	ctx := &SendContext{
		FileID:          fileID,
		RelPath:         wirePath,
		Dst:             dst,
		FileSize:        info.Size(),
		SHA256:          hashHex,
		chunkSize:       s.chunkSize,
		totalChunks:     total,
		windowSize:      s.windowSize,
		chunkTimeout:    s.chunkTimeout,
		maxRetries:      s.maxRetries,
		metaTimeout:     s.metaTimeout,
		metaRetryPeriod: s.metaRetryPeriod,
		p:               s.p,
		emit:            s.emit,
		metrics:         s.metrics,
		file:            f,
		lastAcked:       -1,
		inflight:        make(map[int]*inflightEntry),
		done:            make(chan struct{}),
		metaDone:        make(chan struct{}),
	}
	ctx.onDone = func() {
		s.mu.Lock()
		delete(s.byID, fileID)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.byID[fileID] = ctx
	s.mu.Unlock()

	meta := buildMetaPayload(fileID, wirePath, info.Size(), hashHex, s.chunkSize, total)
	ctx.metaPayload = meta
	now := time.Now()
	ctx.metaSentAt = now
	ctx.metaLastSentAt = now
	if err := s.p.Send(dst, frame.FileMeta, meta); err != nil {
		f.Close()
		s.mu.Lock()
		delete(s.byID, fileID)
		s.mu.Unlock()
		return nil, err
	}

	s.emit.Emit(events.EventFileTxStarted, events.FileTxStartedData{
		FileID: fileID, Path: wirePath, Dst: dst.String(), Size: info.Size(),
	})

	s.p.RegisterTransfer(fileID, ctx)
	return ctx, nil
}

// SendFolder transmits every regular file under root to dst, one file's
// full META/DATA/FIN cycle at a time. Serial transfer is deliberate: it
// keeps the receiver's reassembly state simple and bounds memory use to one
// open file per side at a time.
func (s *Sender) SendFolder(dst net.HardwareAddr, root string) ([]*SendContext, error) {
	var results []*SendContext

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}

		ctx, sendErr := s.sendFile(dst, path, rel)
		if sendErr != nil {
			return sendErr
		}

		<-ctx.Done()
		results = append(results, ctx)
		return ctx.Err()
	})

	return results, err
}
