package filetransfer

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/perezcam/linkchat/internal/events"
	"github.com/perezcam/linkchat/internal/frame"
	"github.com/perezcam/linkchat/internal/logging"
	"github.com/perezcam/linkchat/internal/metrics"
	"github.com/perezcam/linkchat/internal/pipeline"
)

// partSuffix marks a reassembly file that has not yet been verified and
// renamed to its final destination.
const partSuffix = ".part"

// ReceiveContext tracks one in-flight inbound transfer's reassembly state.
type ReceiveContext struct {
	FileID    string
	Path      string
	From      net.HardwareAddr
	FileSize  int64
	SHA256    string
	Total     int
	ChunkSize int
	partPath  string
	destPath  string

	mu       sync.Mutex
	received map[int]bool
	nextNeed int
}

// Receiver handles inbound FILE_META/FILE_DATA frames: META validation and
// path sanitization, DATA reassembly with per-chunk ACKs, and final hash
// verification before the reassembled file is published into baseDir.
type Receiver struct {
	p       *pipeline.Pipeline
	emit    events.Emitter
	metrics *metrics.Registry
	logger  *logging.Logger
	baseDir string

	mu   sync.Mutex
	byID map[string]*ReceiveContext
}

// ReceiverConfig holds Receiver construction parameters.
type ReceiverConfig struct {
	Pipeline *pipeline.Pipeline
	Emitter  events.Emitter
	Metrics  *metrics.Registry // optional; nil disables instrumentation
	Logger   *logging.Logger
	BaseDir  string
}

// NewReceiver constructs a Receiver rooted at cfg.BaseDir.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	emit := cfg.Emitter
	if emit == nil {
		emit = events.NopEmitter{}
	}
	return &Receiver{
		metrics: cfg.Metrics,
		p:       cfg.Pipeline,
		emit:    emit,
		logger:  cfg.Logger,
		baseDir: cfg.BaseDir,
		byID:    make(map[string]*ReceiveContext),
	}
}

// Attach registers the FILE_META/FILE_DATA handlers with the pipeline.
func (r *Receiver) Attach() {
	r.p.RegisterHandler(frame.FileMeta, r.onMeta)
	r.p.RegisterHandler(frame.FileData, r.onData)
}

// sanitizeRelPath rejects an absolute path, empty segments, and "." / ".."
// traversal components, mirroring the reference's rejection rules for the
// META path field.
func sanitizeRelPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadMetaEmptyStr)
	}
	clean := filepath.ToSlash(rel)
	if strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathOutsideBase, rel)
	}
	for _, seg := range strings.Split(clean, "/") {
		switch seg {
		case "", ".", "..":
			return "", fmt.Errorf("%w: segment %q in %q", ErrPathOutsideBase, seg, rel)
		}
	}
	return clean, nil
}

// resolveDest joins rel onto baseDir and verifies the result does not
// escape baseDir. Containment is checked lexically on the absolute paths
// from filepath.Abs; symlinks inside baseDir are not resolved.
func resolveDest(baseDir, rel string) (string, error) {
	joined := filepath.Join(baseDir, filepath.FromSlash(rel))

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("filetransfer: resolve base dir: %w", err)
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("filetransfer: resolve destination: %w", err)
	}

	if absJoined != absBase && !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside %q", ErrPathOutsideBase, rel, baseDir)
	}
	return absJoined, nil
}

func (r *Receiver) lookup(fileID string) *ReceiveContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[fileID]
}

func (r *Receiver) onMeta(f frame.Frame) {
	kv := parseKV(f.Payload)
	if err := requireKeys(kv, "file_id", "name", "size", "sha256", "chunk_size", "total"); err != nil {
		r.logger.Debug("receiver: bad META: %v", err)
		return
	}

	if r.lookup(kv["file_id"]) != nil {
		r.logger.Debug("receiver: ignoring duplicate META for %s", kv["file_id"])
		return
	}

	relPath, ok := kv["path"]
	if !ok {
		relPath = kv["rel"] // courtesy fallback for the reference's older key name
	}
	rel, err := sanitizeRelPath(relPath)
	if err != nil {
		r.sendFin(f.Src, kv["file_id"], "error", err.Error())
		r.logger.Debug("receiver: %v", err)
		return
	}

	size, err := parseUint(kv, "size")
	if err != nil {
		r.sendFin(f.Src, kv["file_id"], "error", err.Error())
		return
	}
	total, err := parseUint(kv, "total")
	if err != nil {
		r.sendFin(f.Src, kv["file_id"], "error", err.Error())
		return
	}
	chunkSize, err := parseUint(kv, "chunk_size")
	if err != nil {
		r.sendFin(f.Src, kv["file_id"], "error", err.Error())
		return
	}
	if size < 0 || total < 0 || chunkSize <= 0 {
		r.sendFin(f.Src, kv["file_id"], "error", ErrBadMetaRanges.Error())
		return
	}

	dest, err := resolveDest(r.baseDir, rel)
	if err != nil {
		r.sendFin(f.Src, kv["file_id"], "error", err.Error())
		r.logger.Debug("receiver: %v", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		r.sendFin(f.Src, kv["file_id"], "error", "destination unavailable")
		return
	}

	fileID := kv["file_id"]
	ctx := &ReceiveContext{
		FileID:    fileID,
		Path:      rel,
		From:      f.Src,
		FileSize:  size,
		SHA256:    kv["sha256"],
		Total:     int(total),
		ChunkSize: int(chunkSize),
		partPath:  dest + partSuffix,
		destPath:  dest,
		received:  make(map[int]bool),
	}

	r.emit.Emit(events.EventFileRxStarted, events.FileRxStartedData{
		FileID: fileID, Path: rel, From: f.Src.String(), Size: size,
	})

	if total == 0 {
		r.finishEmpty(ctx)
		return
	}

	part, err := os.Create(ctx.partPath)
	if err != nil {
		r.sendFin(f.Src, fileID, "error", "destination unavailable")
		return
	}
	if err := part.Truncate(size); err != nil {
		part.Close()
		r.sendFin(f.Src, fileID, "error", "destination unavailable")
		return
	}
	part.Close()

	r.mu.Lock()
	r.byID[fileID] = ctx
	r.mu.Unlock()

	r.sendAck(f.Src, fileID, 0)
}

// finishEmpty handles the total=0 fast path: there is no DATA phase, so the
// receiver verifies the (trivially empty) hash and reports completion over
// the wire itself, since the sender has nothing to cumulative-ack from.
func (r *Receiver) finishEmpty(ctx *ReceiveContext) {
	emptyHash, _ := HashFile(strings.NewReader(""))
	if ctx.SHA256 != emptyHash {
		r.sendFin(ctx.From, ctx.FileID, "error", "hash_mismatch")
		r.emit.Emit(events.EventFileRxError, events.FileRxErrorData{FileID: ctx.FileID, Reason: "hash_mismatch"})
		return
	}

	if err := os.WriteFile(ctx.destPath, nil, 0o644); err != nil {
		r.sendFin(ctx.From, ctx.FileID, "error", "destination unavailable")
		return
	}

	r.emit.Emit(events.EventFileRxProgress, events.FileRxProgressData{FileID: ctx.FileID, Progress: 1.0})
	r.sendFin(ctx.From, ctx.FileID, "ok", "")
	r.emit.Emit(events.EventFileRxFinished, events.FileRxFinishedData{FileID: ctx.FileID, Path: ctx.Path})
}

func (r *Receiver) onData(f frame.Frame) {
	header, chunk, err := splitDataFrame(f.Payload)
	if err != nil {
		r.logger.Debug("receiver: %v", err)
		return
	}

	fileID := header["file_id"]
	ctx := r.lookup(fileID)
	if ctx == nil {
		return
	}

	idx, err := strconv.Atoi(header["idx"])
	if err != nil || idx < 0 || idx >= ctx.Total {
		r.logger.Debug("receiver: bad chunk index in DATA for %s", fileID)
		return
	}

	ctx.mu.Lock()
	if !ctx.received[idx] {
		if err := r.writeChunk(ctx, idx, chunk); err != nil {
			ctx.mu.Unlock()
			r.logger.Warn("receiver: write failed for %s: %v", fileID, err)
			return
		}
		ctx.received[idx] = true
		r.metrics.ChunkReceived()
		for ctx.received[ctx.nextNeed] {
			ctx.nextNeed++
		}
	}
	nextNeed := ctx.nextNeed
	complete := len(ctx.received) >= ctx.Total
	progress := float64(len(ctx.received)) / float64(ctx.Total)
	ctx.mu.Unlock()

	r.sendAck(f.Src, fileID, nextNeed)
	r.emit.Emit(events.EventFileRxProgress, events.FileRxProgressData{FileID: fileID, Progress: progress})
	r.metrics.SetRecvProgress(fileID, progress)

	if complete {
		r.finalize(ctx)
	}
}

func (r *Receiver) writeChunk(ctx *ReceiveContext, idx int, chunk []byte) error {
	f, err := os.OpenFile(ctx.partPath, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	offset := int64(idx) * int64(ctx.ChunkSize)
	_, err = f.WriteAt(chunk, offset)
	return err
}

func (r *Receiver) finalize(ctx *ReceiveContext) {
	f, err := os.Open(ctx.partPath)
	if err != nil {
		r.sendFin(ctx.From, ctx.FileID, "error", "reassembly unavailable")
		return
	}
	hashHex, err := HashFile(f)
	f.Close()
	if err != nil {
		r.sendFin(ctx.From, ctx.FileID, "error", "reassembly unavailable")
		return
	}

	r.mu.Lock()
	delete(r.byID, ctx.FileID)
	r.mu.Unlock()
	r.metrics.DeleteTransfer(ctx.FileID)

	if hashHex != ctx.SHA256 {
		os.Remove(ctx.partPath)
		r.sendFin(ctx.From, ctx.FileID, "error", "hash_mismatch")
		r.emit.Emit(events.EventFileRxError, events.FileRxErrorData{FileID: ctx.FileID, Reason: "hash_mismatch"})
		return
	}

	if err := os.Rename(ctx.partPath, ctx.destPath); err != nil {
		r.sendFin(ctx.From, ctx.FileID, "error", "rename_failed")
		r.emit.Emit(events.EventFileRxError, events.FileRxErrorData{FileID: ctx.FileID, Reason: "rename_failed"})
		return
	}

	r.sendFin(ctx.From, ctx.FileID, "ok", "")
	r.emit.Emit(events.EventFileRxFinished, events.FileRxFinishedData{FileID: ctx.FileID, Path: ctx.Path})
}

func (r *Receiver) sendAck(dst net.HardwareAddr, fileID string, nextNeeded int) {
	_ = r.p.Send(dst, frame.Ack, buildAckPayload(fileID, nextNeeded))
}

func (r *Receiver) sendFin(dst net.HardwareAddr, fileID, status, reason string) {
	_ = r.p.Send(dst, frame.FileFin, buildFinPayload(fileID, status, reason))
}
