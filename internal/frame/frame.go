// Package frame implements the Layer-2 wire format: Ethernet addressing,
// a fixed protocol header, and a CRC-32 integrity checksum.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
)

// MessageType is the closed set of protocol message types.
type MessageType uint16

const (
	DiscoverRequest MessageType = 0x01
	DiscoverReply   MessageType = 0x02
	AppMessage      MessageType = 0x03
	Ack             MessageType = 0x04
	FileMeta        MessageType = 0x05
	FileData        MessageType = 0x06
	FileFin         MessageType = 0x07
)

// String returns a human-readable name for a message type.
func (t MessageType) String() string {
	switch t {
	case DiscoverRequest:
		return "DISCOVER_REQUEST"
	case DiscoverReply:
		return "DISCOVER_REPLY"
	case AppMessage:
		return "APP_MESSAGE"
	case Ack:
		return "ACK"
	case FileMeta:
		return "FILE_META"
	case FileData:
		return "FILE_DATA"
	case FileFin:
		return "FILE_FIN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(t))
	}
}

// IsKnown reports whether t is one of the closed enumeration's values.
func (t MessageType) IsKnown() bool {
	switch t {
	case DiscoverRequest, DiscoverReply, AppMessage, Ack, FileMeta, FileData, FileFin:
		return true
	default:
		return false
	}
}

// IsDiscovery reports whether t bypasses the security envelope (spec §4.3).
func (t MessageType) IsDiscovery() bool {
	return t == DiscoverRequest || t == DiscoverReply
}

// Size constants for the wire format.
const (
	EthHeaderSize   = 14 // dst(6) + src(6) + ethertype(2)
	ProtoHeaderSize = 14 // message_type(2) + sequence(4) + payload_length(4) + crc32(4)
	MinFrameSize    = EthHeaderSize + ProtoHeaderSize
	MaxFrameSize    = 65535
)

// Errors returned by the codec.
var (
	ErrTruncated          = errors.New("frame: truncated")
	ErrBadChecksum        = errors.New("frame: bad checksum")
	ErrUnknownMessageType = errors.New("frame: unknown message type")
	ErrFrameTooLarge      = errors.New("frame: payload too large")
)

// Frame is a fully decoded Layer-2 frame.
type Frame struct {
	Dst         net.HardwareAddr
	Src         net.HardwareAddr
	EtherType   uint16
	MessageType MessageType
	Sequence    uint32
	Payload     []byte
}

// Encode packs f into the wire format:
//
//	eth_header || header_with_checksum || payload
//
// where the checksum is CRC-32 over header_without_checksum || payload.
func Encode(f Frame) ([]byte, error) {
	if len(f.Dst) != 6 || len(f.Src) != 6 {
		return nil, fmt.Errorf("frame: hardware addresses must be 6 bytes")
	}
	if len(f.Payload) > MaxFrameSize-MinFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, MinFrameSize+len(f.Payload))

	copy(out[0:6], f.Dst)
	copy(out[6:12], f.Src)
	binary.BigEndian.PutUint16(out[12:14], f.EtherType)

	hdr := out[EthHeaderSize : EthHeaderSize+ProtoHeaderSize]
	binary.BigEndian.PutUint16(hdr[0:2], uint16(f.MessageType))
	binary.BigEndian.PutUint32(hdr[2:6], f.Sequence)
	binary.BigEndian.PutUint32(hdr[6:10], uint32(len(f.Payload)))

	payloadOff := EthHeaderSize + ProtoHeaderSize
	copy(out[payloadOff:], f.Payload)

	checksum := crc32.ChecksumIEEE(append(append([]byte{}, hdr[:10]...), f.Payload...))
	binary.BigEndian.PutUint32(hdr[10:14], checksum)

	return out, nil
}

// Decode parses raw into a Frame, verifying the CRC-32 checksum.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < MinFrameSize {
		return Frame{}, ErrTruncated
	}

	dst := net.HardwareAddr(append([]byte{}, raw[0:6]...))
	src := net.HardwareAddr(append([]byte{}, raw[6:12]...))
	etherType := binary.BigEndian.Uint16(raw[12:14])

	hdr := raw[EthHeaderSize : EthHeaderSize+ProtoHeaderSize]
	msgType := MessageType(binary.BigEndian.Uint16(hdr[0:2]))
	sequence := binary.BigEndian.Uint32(hdr[2:6])
	payloadLen := binary.BigEndian.Uint32(hdr[6:10])
	rxChecksum := binary.BigEndian.Uint32(hdr[10:14])

	payloadOff := EthHeaderSize + ProtoHeaderSize
	if uint32(len(raw)-payloadOff) < payloadLen {
		return Frame{}, ErrTruncated
	}
	payload := raw[payloadOff : payloadOff+int(payloadLen)]

	calc := crc32.ChecksumIEEE(append(append([]byte{}, hdr[:10]...), payload...))
	if calc != rxChecksum {
		return Frame{}, ErrBadChecksum
	}

	if !msgType.IsKnown() {
		return Frame{}, fmt.Errorf("%w: 0x%04x", ErrUnknownMessageType, uint16(msgType))
	}

	// Copy payload out since raw may be reused by the caller.
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return Frame{
		Dst:         dst,
		Src:         src,
		EtherType:   etherType,
		MessageType: msgType,
		Sequence:    sequence,
		Payload:     payloadCopy,
	}, nil
}
