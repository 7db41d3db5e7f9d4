package filetransfer

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/perezcam/linkchat/internal/events"
	"github.com/perezcam/linkchat/internal/frame"
	"github.com/perezcam/linkchat/internal/logging"
	"github.com/perezcam/linkchat/internal/pipeline"
)

func newTestReceiver(t *testing.T) (*Receiver, *pipeline.Pipeline, string) {
	t.Helper()
	baseDir := t.TempDir()
	p := pipeline.NewUnattached(logging.NewLogger(logging.LevelError))
	r := NewReceiver(ReceiverConfig{Pipeline: p, Logger: logging.NewLogger(logging.LevelError), BaseDir: baseDir, Emitter: events.NopEmitter{}})
	r.Attach()
	return r, p, baseDir
}

func srcMAC() net.HardwareAddr { return net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66} }

func TestSanitizeRelPath_RejectsTraversal(t *testing.T) {
	cases := []string{"../escape.txt", "a/../../b.txt", "/abs/path.txt", "", "a/../b"}
	for _, c := range cases {
		if _, err := sanitizeRelPath(c); err == nil {
			t.Errorf("sanitizeRelPath(%q) expected error, got nil", c)
		}
	}
}

func TestSanitizeRelPath_AcceptsNormalPaths(t *testing.T) {
	cases := []string{"a.txt", "sub/b.txt", "deep/nested/dir/c.bin"}
	for _, c := range cases {
		if _, err := sanitizeRelPath(c); err != nil {
			t.Errorf("sanitizeRelPath(%q) unexpected error: %v", c, err)
		}
	}
}

func TestResolveDest_RejectsEscape(t *testing.T) {
	base := t.TempDir()
	if _, err := resolveDest(base, "../outside.txt"); err == nil {
		t.Fatal("expected error for path escaping base dir")
	}
}

func TestResolveDest_AcceptsWithinBase(t *testing.T) {
	base := t.TempDir()
	dest, err := resolveDest(base, "sub/file.txt")
	if err != nil {
		t.Fatalf("resolveDest: %v", err)
	}
	want := filepath.Join(base, "sub", "file.txt")
	if dest != want {
		t.Fatalf("dest = %q, want %q", dest, want)
	}
}

func TestReceiver_OnMeta_RejectsMissingFields(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	f := frame.Frame{Src: srcMAC(), Payload: []byte("file_id=abc;size=10")}
	r.onMeta(f)

	if len(r.byID) != 0 {
		t.Fatal("expected no context registered for malformed META")
	}
}

func TestReceiver_OnMeta_RejectsPathTraversal(t *testing.T) {
	r, _, _ := newTestReceiver(t)
	payload := buildMetaPayload("evil-abc123456789", "../../etc/passwd", 10, "deadbeef", 8, 2)
	r.onMeta(frame.Frame{Src: srcMAC(), Payload: payload})

	if len(r.byID) != 0 {
		t.Fatal("expected traversal attempt to be rejected, not registered")
	}
}

func TestReceiver_OnMeta_EmptyFileFastPath(t *testing.T) {
	r, _, baseDir := newTestReceiver(t)
	emptyHash, _ := HashFile(strings.NewReader(""))
	payload := buildMetaPayload("empty-abc123456789", "empty.txt", 0, emptyHash, 512, 0)

	r.onMeta(frame.Frame{Src: srcMAC(), Payload: payload})

	destPath := filepath.Join(baseDir, "empty.txt")
	if _, err := os.Stat(destPath); err != nil {
		t.Fatalf("expected empty file to be created: %v", err)
	}
	if len(r.byID) != 0 {
		t.Fatal("expected empty-file transfer not to leave a registered context")
	}
}

func TestReceiver_OnMeta_CreatesPartFileAndContext(t *testing.T) {
	r, p, baseDir := newTestReceiver(t)
	payload := buildMetaPayload("doc-abc123456789ab", "reports/doc.txt", 16, "deadbeef", 8, 2)

	r.onMeta(frame.Frame{Src: srcMAC(), Payload: payload})

	ctx := r.lookup("doc-abc123456789ab")
	if ctx == nil {
		t.Fatal("expected context to be registered")
	}
	partPath := filepath.Join(baseDir, "reports", "doc.txt") + partSuffix
	if _, err := os.Stat(partPath); err != nil {
		t.Fatalf("expected .part file to exist: %v", err)
	}
	if p.QueuedOutgoing() != 1 {
		t.Fatalf("expected initial ACK queued, got %d frames", p.QueuedOutgoing())
	}
}

func TestReceiver_OnMeta_IgnoresDuplicateForKnownFileID(t *testing.T) {
	r, p, baseDir := newTestReceiver(t)
	payload := buildMetaPayload("doc-abc123456789ab", "reports/doc.txt", 16, "deadbeef", 8, 2)

	r.onMeta(frame.Frame{Src: srcMAC(), Payload: payload})
	ctx := r.lookup("doc-abc123456789ab")
	if ctx == nil {
		t.Fatal("expected context to be registered")
	}

	partPath := filepath.Join(baseDir, "reports", "doc.txt") + partSuffix
	if err := os.WriteFile(partPath, []byte("progress so far"), 0o644); err != nil {
		t.Fatalf("seed partial progress: %v", err)
	}
	queuedBefore := p.QueuedOutgoing()

	// A retransmitted META for the same file_id must be ignored: it should
	// neither re-register a new context nor touch the .part file already in
	// progress.
	r.onMeta(frame.Frame{Src: srcMAC(), Payload: payload})

	if r.lookup("doc-abc123456789ab") != ctx {
		t.Fatal("expected duplicate META to leave the existing context in place")
	}
	if p.QueuedOutgoing() != queuedBefore {
		t.Fatalf("expected duplicate META to not re-ACK, queued went from %d to %d", queuedBefore, p.QueuedOutgoing())
	}
	got, err := os.ReadFile(partPath)
	if err != nil {
		t.Fatalf("read part file: %v", err)
	}
	if string(got) != "progress so far" {
		t.Fatalf("expected duplicate META not to truncate in-progress .part file, got %q", got)
	}
}

func TestReceiver_OnData_ReassemblesAndVerifiesHash(t *testing.T) {
	r, p, baseDir := newTestReceiver(t)
	content := []byte("0123456789abcdef") // 16 bytes, chunk size 8 -> 2 chunks
	hashHex, _ := HashFile(bytes.NewReader(content))

	metaPayload := buildMetaPayload("doc-abc123456789ab", "doc.txt", int64(len(content)), hashHex, 8, 2)
	r.onMeta(frame.Frame{Src: srcMAC(), Payload: metaPayload})

	chunk0 := buildDataFrame("doc-abc123456789ab", 0, 2, content[0:8])
	chunk1 := buildDataFrame("doc-abc123456789ab", 1, 2, content[8:16])

	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk0})
	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk1})

	// 2 ACKs from onData plus the 1 from onMeta.
	if p.QueuedOutgoing() < 3 {
		t.Fatalf("expected at least 3 queued frames (1 meta ack + 2 data acks), got %d", p.QueuedOutgoing())
	}

	destPath := filepath.Join(baseDir, "doc.txt")
	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("expected reassembled file at %s: %v", destPath, err)
	}
	if string(got) != string(content) {
		t.Fatalf("reassembled content = %q, want %q", got, content)
	}
	if r.lookup("doc-abc123456789ab") != nil {
		t.Fatal("expected context to be removed after completion")
	}
}

func TestReceiver_OnData_HashMismatchDiscardsFile(t *testing.T) {
	r, _, baseDir := newTestReceiver(t)
	content := []byte("0123456789abcdef")

	metaPayload := buildMetaPayload("doc-abc123456789ab", "doc.txt", int64(len(content)), "0000000000000000000000000000000000000000000000000000000000000000", 8, 2)
	r.onMeta(frame.Frame{Src: srcMAC(), Payload: metaPayload})

	chunk0 := buildDataFrame("doc-abc123456789ab", 0, 2, content[0:8])
	chunk1 := buildDataFrame("doc-abc123456789ab", 1, 2, content[8:16])
	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk0})
	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk1})

	destPath := filepath.Join(baseDir, "doc.txt")
	if _, err := os.Stat(destPath); err == nil {
		t.Fatal("expected hash-mismatched file not to be published")
	}
}

func TestReceiver_OnData_OutOfOrderChunksReassembleCorrectly(t *testing.T) {
	r, _, baseDir := newTestReceiver(t)
	content := []byte("0123456789abcdef")
	hashHex, _ := HashFile(bytes.NewReader(content))

	metaPayload := buildMetaPayload("doc-abc123456789ab", "doc.txt", int64(len(content)), hashHex, 8, 2)
	r.onMeta(frame.Frame{Src: srcMAC(), Payload: metaPayload})

	chunk1 := buildDataFrame("doc-abc123456789ab", 1, 2, content[8:16])
	chunk0 := buildDataFrame("doc-abc123456789ab", 0, 2, content[0:8])
	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk1})
	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk0})

	got, err := os.ReadFile(filepath.Join(baseDir, "doc.txt"))
	if err != nil {
		t.Fatalf("expected reassembled file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("content = %q, want %q", got, content)
	}
}

func TestReceiver_OnData_DuplicateChunkIsIdempotent(t *testing.T) {
	r, p, baseDir := newTestReceiver(t)
	content := []byte("0123456789abcdef")
	hashHex, _ := HashFile(bytes.NewReader(content))

	metaPayload := buildMetaPayload("doc-abc123456789ab", "doc.txt", int64(len(content)), hashHex, 8, 2)
	r.onMeta(frame.Frame{Src: srcMAC(), Payload: metaPayload})

	chunk0 := buildDataFrame("doc-abc123456789ab", 0, 2, content[0:8])
	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk0})
	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk0}) // duplicate

	if p.QueuedOutgoing() != 3 { // meta ack + 2 data acks (one per duplicate delivery)
		t.Fatalf("queued = %d, want 3", p.QueuedOutgoing())
	}

	chunk1 := buildDataFrame("doc-abc123456789ab", 1, 2, content[8:16])
	r.onData(frame.Frame{Src: srcMAC(), Payload: chunk1})

	got, err := os.ReadFile(filepath.Join(baseDir, "doc.txt"))
	if err != nil {
		t.Fatalf("expected reassembled file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("content = %q, want %q", got, content)
	}
}

