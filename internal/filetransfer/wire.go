// Package filetransfer implements windowed, selectively-retransmitted file
// and folder transfer over a Pipeline: the three-phase META/DATA/FIN
// handshake, the sliding send window, and path-sanitized reassembly.
package filetransfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// dataHeaderSep separates a DATA frame's key/value header from its raw
// chunk bytes: the header's trailing "\n" plus one blank line.
const dataHeaderSep = "\n\n"

// kvSep separates key=value pairs within META/ACK/FIN payloads, one pair
// per line as spec'd on the wire.
const kvSep = "\n"

func encodeKV(pairs [][2]string) []byte {
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p[0] + "=" + p[1]
	}
	return []byte(strings.Join(parts, kvSep))
}

func parseKV(payload []byte) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(string(payload), kvSep) {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func requireKeys(kv map[string]string, keys ...string) error {
	for _, k := range keys {
		if _, ok := kv[k]; !ok {
			return fmt.Errorf("%w: missing %q", ErrBadMetaMissing, k)
		}
	}
	return nil
}

func parseUint(kv map[string]string, key string) (int64, error) {
	v, ok := kv[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrBadMetaMissing, key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q=%q", ErrBadMetaNonNumeric, key, v)
	}
	return n, nil
}

func buildMetaPayload(fileID, path string, size int64, sha256hex string, chunkSize, total int) []byte {
	return encodeKV([][2]string{
		{"file_id", fileID},
		{"name", filepath.Base(path)},
		{"path", path},
		{"size", strconv.FormatInt(size, 10)},
		{"sha256", sha256hex},
		{"chunk_size", strconv.Itoa(chunkSize)},
		{"total", strconv.Itoa(total)},
	})
}

func buildAckPayload(fileID string, nextNeeded int) []byte {
	return encodeKV([][2]string{
		{"file_id", fileID},
		{"next_needed", strconv.Itoa(nextNeeded)},
	})
}

func buildFinPayload(fileID, status, reason string) []byte {
	pairs := [][2]string{{"file_id", fileID}, {"status", status}}
	if reason != "" {
		pairs = append(pairs, [2]string{"reason", reason})
	}
	return encodeKV(pairs)
}

func buildDataFrame(fileID string, idx, total int, chunk []byte) []byte {
	header := encodeKV([][2]string{
		{"file_id", fileID},
		{"idx", strconv.Itoa(idx)},
		{"total", strconv.Itoa(total)},
	})
	out := make([]byte, 0, len(header)+len(dataHeaderSep)+len(chunk))
	out = append(out, header...)
	out = append(out, dataHeaderSep...)
	out = append(out, chunk...)
	return out
}

func splitDataFrame(payload []byte) (header map[string]string, chunk []byte, err error) {
	idx := strings.Index(string(payload), dataHeaderSep)
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: no header separator in DATA frame", ErrBadPayload)
	}
	return parseKV(payload[:idx]), payload[idx+len(dataHeaderSep):], nil
}

// HashFile streams r through SHA-256, returning the full lowercase hex
// digest without buffering the whole file in memory.
func HashFile(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("filetransfer: hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileID derives the wire identifier for a transfer from its base name and
// full SHA-256 digest: name + "-" + first 12 hex characters of the digest.
func FileID(baseName, fullHashHex string) string {
	n := 12
	if len(fullHashHex) < n {
		n = len(fullHashHex)
	}
	return baseName + "-" + fullHashHex[:n]
}
