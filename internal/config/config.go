// Package config reads the engine's environment-like key/value surface:
// interface selection, EtherType, alias, PSK, base directory, and chunk
// size. Direct os.Getenv reads with bespoke parsing, the way the teacher's
// own config and the Python reference's prepare/network_config.py do it —
// six scalars with irregular parsing rules don't earn a config framework.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/perezcam/linkchat/internal/rawiface"
)

// DefaultEtherType is used when ETHER_TYPE is unset.
const DefaultEtherType uint16 = 0x88B5

// DefaultChunkSize is used when CHUNK_SIZE is unset.
const DefaultChunkSize = 900

// Config holds the engine's resolved runtime configuration.
type Config struct {
	Interface string
	EtherType uint16
	Alias     string
	PSK       []byte
	BaseDir   string
	ChunkSize int
}

// Load resolves Config from the process environment.
func Load() (*Config, error) {
	iface, err := resolveInterface(os.Getenv("INTERFACE"))
	if err != nil {
		return nil, err
	}

	etherType, err := resolveEtherType(os.Getenv("ETHER_TYPE"))
	if err != nil {
		return nil, err
	}

	psk, err := resolvePSK(os.Getenv("PSK"))
	if err != nil {
		return nil, err
	}

	chunkSize, err := resolveChunkSize(os.Getenv("CHUNK_SIZE"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Interface: iface,
		EtherType: etherType,
		Alias:     resolveAlias(os.Getenv("ALIAS")),
		PSK:       psk,
		BaseDir:   os.Getenv("BASE_DIR"),
		ChunkSize: chunkSize,
	}, nil
}

func resolveInterface(val string) (string, error) {
	if val == "" || val == "auto" {
		return rawiface.AutoSelectInterface()
	}
	return val, nil
}

func resolveEtherType(val string) (uint16, error) {
	if val == "" {
		return DefaultEtherType, nil
	}
	n, err := strconv.ParseUint(val, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("config: invalid ETHER_TYPE %q: %w", val, err)
	}
	return uint16(n), nil
}

func resolveAlias(val string) string {
	if val != "" {
		return val
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "linkchat-node"
}

// resolvePSK accepts raw UTF-8, 0x-prefixed hex, or plain hex (even length,
// all hex digits), per spec.
func resolvePSK(val string) ([]byte, error) {
	if val == "" {
		return nil, fmt.Errorf("config: PSK is required")
	}
	if strings.HasPrefix(val, "0x") || strings.HasPrefix(val, "0X") {
		decoded, err := hex.DecodeString(val[2:])
		if err != nil {
			return nil, fmt.Errorf("config: invalid hex PSK: %w", err)
		}
		return decoded, nil
	}
	if isPlainHex(val) {
		decoded, err := hex.DecodeString(val)
		if err == nil {
			return decoded, nil
		}
	}
	return []byte(val), nil
}

func isPlainHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func resolveChunkSize(val string) (int, error) {
	if val == "" {
		return DefaultChunkSize, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: invalid CHUNK_SIZE %q", val)
	}
	return n, nil
}
