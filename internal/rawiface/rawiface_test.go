package rawiface

import (
	"errors"
	"strings"
	"testing"
)

func TestIsVirtual(t *testing.T) {
	cases := map[string]bool{
		"eth0":       false,
		"en0":        false,
		"lo":         true,
		"lo0":        true,
		"docker0":    true,
		"br-abcdef":  true,
		"veth1234":   true,
		"tailscale0": true,
		"wg0":        true,
		"wlan0":      false,
	}
	for name, want := range cases {
		if got := isVirtual(name); got != want {
			t.Errorf("isVirtual(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestFormatInterfaceList(t *testing.T) {
	ifaces := []InterfaceInfo{
		{Name: "eth0", Description: "Wired Ethernet", Addresses: []string{"192.168.1.5"}, IsUp: true},
		{Name: "wlan0", Description: "Wireless", IsUp: false},
	}
	out := FormatInterfaceList(ifaces)
	if !strings.Contains(out, "eth0") || !strings.Contains(out, "wlan0") {
		t.Fatalf("expected both interface names in output, got:\n%s", out)
	}
	if !strings.Contains(out, "192.168.1.5") {
		t.Fatalf("expected address in output, got:\n%s", out)
	}
	if !strings.Contains(out, "State:       up") || !strings.Contains(out, "State:       down") {
		t.Fatalf("expected up/down state markers, got:\n%s", out)
	}
}

func TestMapOpenError(t *testing.T) {
	permErr := mapOpenError("eth0", errors.New("you don't have permission to capture on that device"))
	if !errors.Is(permErr, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", permErr)
	}

	missingErr := mapOpenError("eth9", errors.New("No such device exists"))
	if !errors.Is(missingErr, ErrInterfaceUnavailable) {
		t.Errorf("expected ErrInterfaceUnavailable, got %v", missingErr)
	}

	other := mapOpenError("eth0", errors.New("some other failure"))
	if errors.Is(other, ErrPermissionDenied) || errors.Is(other, ErrInterfaceUnavailable) {
		t.Errorf("unexpected sentinel match for generic error: %v", other)
	}
}

func TestWriteFrame_RejectsShortFrames(t *testing.T) {
	e := &Endpoint{}
	if err := e.WriteFrame(make([]byte, 13)); !errors.Is(err, ErrFrameTooSmall) {
		t.Errorf("expected ErrFrameTooSmall, got %v", err)
	}
}
