// Package security implements the pre-shared-key envelope that wraps every
// non-discovery frame's payload: HKDF-derived subkeys, an HMAC-SHA256
// keystream in counter mode, and a truncated HMAC-SHA256 authentication tag.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/perezcam/linkchat/internal/frame"
)

const (
	// Version is the envelope's wire-format version byte.
	Version = 0x01

	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

// Errors returned by the envelope.
var (
	ErrAuthFailure     = errors.New("security: authentication failed")
	ErrBadPayload      = errors.New("security: malformed envelope")
	ErrVersionMismatch = errors.New("security: unsupported envelope version")
)

// Envelope wraps and unwraps frame payloads under a shared pre-shared key.
// A zero-value Envelope is not usable; construct with New.
type Envelope struct {
	psk []byte
}

// New returns an Envelope keyed by psk. The key is used directly as HKDF
// input keying material; callers derive psk from the three encodings the
// runtime configuration accepts (raw UTF-8, 0x-prefixed hex, plain hex).
func New(psk []byte) *Envelope {
	cp := make([]byte, len(psk))
	copy(cp, psk)
	return &Envelope{psk: cp}
}

// Wrap encrypts and authenticates plaintext, returning the wire payload
// version || nonce || ciphertext || tag. f supplies the addressing,
// ethertype, message type, and sequence bound into the authenticated
// associated data (f.Payload is ignored); callers fill in every field
// except Payload before the frame's sequence number is consumed. Discovery
// message types never pass through Wrap/Unwrap (see
// frame.MessageType.IsDiscovery).
func (e *Envelope) Wrap(f frame.Frame, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}

	encKey, macKey, err := deriveSubkeys(e.psk, nonce)
	if err != nil {
		return nil, err
	}

	ciphertext := keystreamXOR(encKey, nonce, plaintext)

	aad := aadFor(f)
	tag := computeTag(macKey, aad, nonce, ciphertext)

	out := make([]byte, 0, 1+nonceSize+len(ciphertext)+tagSize)
	out = append(out, Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

// Unwrap verifies and decrypts a wire payload produced by Wrap. f is the
// already-decoded frame the wire payload arrived in (its Src, Dst,
// EtherType, MessageType, and Sequence reconstruct the authenticated
// associated data); f.Payload is ignored in favor of the wire argument.
func (e *Envelope) Unwrap(f frame.Frame, wire []byte) ([]byte, error) {
	if len(wire) < 1+nonceSize+tagSize {
		return nil, fmt.Errorf("%w: too short", ErrBadPayload)
	}
	if wire[0] != Version {
		return nil, fmt.Errorf("%w: got 0x%02x", ErrVersionMismatch, wire[0])
	}

	nonce := wire[1 : 1+nonceSize]
	ciphertext := wire[1+nonceSize : len(wire)-tagSize]
	rxTag := wire[len(wire)-tagSize:]

	encKey, macKey, err := deriveSubkeys(e.psk, nonce)
	if err != nil {
		return nil, err
	}

	aad := aadFor(f)
	expectedTag := computeTag(macKey, aad, nonce, ciphertext)
	if !hmac.Equal(expectedTag, rxTag) {
		return nil, ErrAuthFailure
	}

	return keystreamXOR(encKey, nonce, ciphertext), nil
}

// deriveSubkeys runs HKDF-SHA256 over the shared key, using nonce as salt,
// to produce independent encryption and authentication subkeys.
func deriveSubkeys(psk, nonce []byte) (encKey, macKey []byte, err error) {
	encKey = make([]byte, keySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, psk, nonce, []byte("enc")), encKey); err != nil {
		return nil, nil, fmt.Errorf("security: derive encryption subkey: %w", err)
	}

	macKey = make([]byte, keySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, psk, nonce, []byte("mac")), macKey); err != nil {
		return nil, nil, fmt.Errorf("security: derive authentication subkey: %w", err)
	}

	return encKey, macKey, nil
}

// keystreamXOR produces an HMAC-SHA256-CTR keystream (HMAC(key, nonce ||
// counter) for counter = 0, 1, 2, ...) and XORs it against in, returning a
// new buffer the length of in. The same function encrypts and decrypts.
func keystreamXOR(key, nonce, in []byte) []byte {
	out := make([]byte, len(in))
	var counter uint32
	block := make([]byte, len(nonce)+4)
	copy(block, nonce)

	for offset := 0; offset < len(in); offset += sha256.Size {
		binary.BigEndian.PutUint32(block[len(nonce):], counter)
		mac := hmac.New(sha256.New, key)
		mac.Write(block)
		ks := mac.Sum(nil)

		n := copy(out[offset:], ks)
		for i := 0; i < n; i++ {
			out[offset+i] ^= in[offset+i]
		}
		counter++
	}
	return out
}

// computeTag returns the truncated HMAC-SHA256 tag over aad || nonce ||
// ciphertext.
func computeTag(macKey, aad, nonce, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(aad)
	mac.Write(nonce)
	mac.Write(ciphertext)
	return mac.Sum(nil)[:tagSize]
}

// aadFor binds the tag to src_mac | dst_mac | ethertype | message_type |
// sequence, so a captured ciphertext cannot be replayed under a different
// sequence number or forged addressing without failing authentication.
func aadFor(f frame.Frame) []byte {
	aad := make([]byte, 0, len(f.Src)+len(f.Dst)+2+2+4)
	aad = append(aad, f.Src...)
	aad = append(aad, f.Dst...)

	var tail [8]byte
	binary.BigEndian.PutUint16(tail[0:2], f.EtherType)
	binary.BigEndian.PutUint16(tail[2:4], uint16(f.MessageType))
	binary.BigEndian.PutUint32(tail[4:8], f.Sequence)
	aad = append(aad, tail[:]...)

	return aad
}
