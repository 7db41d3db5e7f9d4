package frame

import (
	"bytes"
	"net"
	"testing"
)

func testAddrs() (net.HardwareAddr, net.HardwareAddr) {
	return net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x01},
		net.HardwareAddr{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x02}
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	dst, src := testAddrs()
	f := Frame{
		Dst:         dst,
		Src:         src,
		EtherType:   0x88B5,
		MessageType: AppMessage,
		Sequence:    42,
		Payload:     []byte("hello"),
	}

	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !bytes.Equal(got.Dst, f.Dst) || !bytes.Equal(got.Src, f.Src) {
		t.Errorf("addressing mismatch: got %v/%v want %v/%v", got.Dst, got.Src, f.Dst, f.Src)
	}
	if got.EtherType != f.EtherType {
		t.Errorf("ethertype = %x, want %x", got.EtherType, f.EtherType)
	}
	if got.MessageType != f.MessageType {
		t.Errorf("message type = %v, want %v", got.MessageType, f.MessageType)
	}
	if got.Sequence != f.Sequence {
		t.Errorf("sequence = %d, want %d", got.Sequence, f.Sequence)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("payload = %q, want %q", got.Payload, f.Payload)
	}
}

func TestEncodeDecode_EmptyPayload(t *testing.T) {
	dst, src := testAddrs()
	f := Frame{Dst: dst, Src: src, EtherType: 0x88B5, MessageType: FileFin, Sequence: 1}

	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func TestDecode_Truncated(t *testing.T) {
	if _, err := Decode(make([]byte, MinFrameSize-1)); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
	if _, err := Decode(nil); err != ErrTruncated {
		t.Errorf("expected ErrTruncated for nil, got %v", err)
	}
}

func TestDecode_DeclaredLengthExceedsBuffer(t *testing.T) {
	dst, src := testAddrs()
	f := Frame{Dst: dst, Src: src, EtherType: 0x88B5, MessageType: Ack, Sequence: 1, Payload: []byte("x")}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Truncate the payload byte but keep the header's claimed length.
	truncated := raw[:len(raw)-1]
	if _, err := Decode(truncated); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestDecode_BadChecksum(t *testing.T) {
	dst, src := testAddrs()
	f := Frame{Dst: dst, Src: src, EtherType: 0x88B5, MessageType: Ack, Sequence: 7, Payload: []byte("abc")}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Flip a bit in the payload region; checksum must now mismatch.
	mutated := append([]byte{}, raw...)
	mutated[len(mutated)-1] ^= 0xFF

	if _, err := Decode(mutated); err != ErrBadChecksum {
		t.Errorf("expected ErrBadChecksum, got %v", err)
	}
}

func TestDecode_SingleBitMutationFailsOrTruncates(t *testing.T) {
	dst, src := testAddrs()
	f := Frame{Dst: dst, Src: src, EtherType: 0x88B5, MessageType: FileData, Sequence: 99, Payload: []byte("payload-bytes-here")}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Flip one bit in every byte of the header+payload region (skip addressing,
	// which has no integrity check of its own) and confirm every mutation is caught.
	for i := EthHeaderSize; i < len(raw); i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte{}, raw...)
			mutated[i] ^= 1 << uint(bit)
			if _, err := Decode(mutated); err == nil {
				t.Fatalf("mutation at byte %d bit %d went undetected", i, bit)
			}
		}
	}
}

func TestDecode_UnknownMessageType(t *testing.T) {
	dst, src := testAddrs()
	f := Frame{Dst: dst, Src: src, EtherType: 0x88B5, MessageType: MessageType(0xFFFF), Sequence: 1}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestMessageType_String(t *testing.T) {
	cases := map[MessageType]string{
		DiscoverRequest:      "DISCOVER_REQUEST",
		FileFin:              "FILE_FIN",
		MessageType(0xDEAD): "UNKNOWN(0xdead)",
	}
	for mt, want := range cases {
		if got := mt.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", mt, got, want)
		}
	}
}

func FuzzDecode(f *testing.F) {
	dst, src := testAddrs()
	valid, _ := Encode(Frame{Dst: dst, Src: src, EtherType: 0x88B5, MessageType: AppMessage, Sequence: 1, Payload: []byte("seed")})
	f.Add(valid)
	f.Add(make([]byte, MinFrameSize))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(data)
	})
}
