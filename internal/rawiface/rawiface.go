// Package rawiface provides a raw Layer-2 endpoint: bind a network interface,
// filter to a single EtherType, and read/write whole Ethernet frames in
// promiscuous mode. No IP stack is involved.
package rawiface

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket/pcap"

	"github.com/perezcam/linkchat/internal/logging"
)

// Configuration constants, carried over from the teacher's capture tuning.
const (
	SnapLen     = 65536
	ReadTimeout = 10 * time.Millisecond
	BufferSize  = 2 * 1024 * 1024
)

// Errors returned by the raw interface.
var (
	ErrPermissionDenied     = errors.New("rawiface: permission denied")
	ErrInterfaceUnavailable = errors.New("rawiface: interface unavailable")
	ErrFrameTooSmall        = errors.New("rawiface: frame too small")
)

// InterfaceInfo describes one candidate network interface.
type InterfaceInfo struct {
	Name        string
	Description string
	Addresses   []string
	IsUp        bool
	IsWireless  bool
}

// virtualPrefixes excludes loopback and container/tunnel interfaces from
// auto-selection.
var virtualPrefixes = []string{"lo", "docker", "br-", "veth", "tun", "tap", "vmnet", "tailscale", "wg"}

// ListInterfaces returns every interface pcap can see, annotated with the
// up/wireless heuristics used by auto-selection.
func ListInterfaces() ([]InterfaceInfo, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("rawiface: list interfaces: %w", err)
	}

	netIfaces, _ := net.Interfaces()
	upByName := make(map[string]bool, len(netIfaces))
	for _, nif := range netIfaces {
		upByName[nif.Name] = nif.Flags&net.FlagUp != 0
	}

	var out []InterfaceInfo
	for _, dev := range devices {
		info := InterfaceInfo{
			Name:        dev.Name,
			Description: dev.Description,
			IsUp:        upByName[dev.Name] || len(dev.Addresses) > 0,
			IsWireless:  strings.Contains(strings.ToLower(dev.Description), "wireless") || strings.Contains(strings.ToLower(dev.Description), "wi-fi"),
		}
		for _, addr := range dev.Addresses {
			if addr.IP != nil {
				info.Addresses = append(info.Addresses, addr.IP.String())
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func isVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// AutoSelectInterface picks an interface the way the runtime config's
// INTERFACE=auto heuristic does: wired-and-up beats wireless-and-up beats
// any-up beats whatever pcap found first, always skipping virtual devices.
func AutoSelectInterface() (string, error) {
	ifaces, err := ListInterfaces()
	if err != nil {
		return "", err
	}

	var wiredUp, wirelessUp, anyUp, any []InterfaceInfo
	for _, iface := range ifaces {
		if isVirtual(iface.Name) {
			continue
		}
		any = append(any, iface)
		if iface.IsUp {
			anyUp = append(anyUp, iface)
			if iface.IsWireless {
				wirelessUp = append(wirelessUp, iface)
			} else {
				wiredUp = append(wiredUp, iface)
			}
		}
	}

	switch {
	case len(wiredUp) > 0:
		return wiredUp[0].Name, nil
	case len(wirelessUp) > 0:
		return wirelessUp[0].Name, nil
	case len(anyUp) > 0:
		return anyUp[0].Name, nil
	case len(any) > 0:
		return any[0].Name, nil
	default:
		return "", fmt.Errorf("%w: no usable interface found", ErrInterfaceUnavailable)
	}
}

// FindInterface resolves name to a known interface by exact, then
// case-insensitive, then description-substring match.
func FindInterface(name string) (*InterfaceInfo, error) {
	ifaces, err := ListInterfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Name == name {
			return &iface, nil
		}
	}
	lower := strings.ToLower(name)
	for _, iface := range ifaces {
		if strings.ToLower(iface.Name) == lower {
			return &iface, nil
		}
	}
	for _, iface := range ifaces {
		if strings.Contains(strings.ToLower(iface.Description), lower) {
			return &iface, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrInterfaceUnavailable, name)
}

// FormatInterfaceList renders interfaces for the "interfaces" CLI subcommand.
func FormatInterfaceList(ifaces []InterfaceInfo) string {
	var sb strings.Builder
	sb.WriteString("Available network interfaces:\n\n")
	for i, iface := range ifaces {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, iface.Name))
		if iface.Description != "" {
			sb.WriteString(fmt.Sprintf("     Description: %s\n", iface.Description))
		}
		if len(iface.Addresses) > 0 {
			sb.WriteString(fmt.Sprintf("     Addresses:   %s\n", strings.Join(iface.Addresses, ", ")))
		}
		state := "down"
		if iface.IsUp {
			state = "up"
		}
		sb.WriteString(fmt.Sprintf("     State:       %s\n\n", state))
	}
	return sb.String()
}

// Config holds the binding parameters for Open.
type Config struct {
	Interface string // system name, or "" to auto-select
	EtherType uint16
	Logger    *logging.Logger
}

// Endpoint is a bound, promiscuous raw Layer-2 socket filtered to a single
// EtherType.
type Endpoint struct {
	handle    *pcap.Handle
	ifName    string
	etherType uint16
	localMAC  net.HardwareAddr
	logger    *logging.Logger
}

// Open binds pcap to the named interface (or auto-selects one) and installs
// a kernel-side BPF filter admitting only frames of the given EtherType.
func Open(cfg Config) (*Endpoint, error) {
	if cfg.Logger == nil {
		return nil, errors.New("rawiface: logger is required")
	}

	ifName := cfg.Interface
	if ifName == "" {
		selected, err := AutoSelectInterface()
		if err != nil {
			return nil, err
		}
		ifName = selected
		cfg.Logger.Debug("auto-selected interface %s", ifName)
	} else if _, err := FindInterface(ifName); err != nil {
		return nil, err
	}

	inactive, err := pcap.NewInactiveHandle(ifName)
	if err != nil {
		return nil, mapOpenError(ifName, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(SnapLen); err != nil {
		return nil, fmt.Errorf("rawiface: set snap length: %w", err)
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, fmt.Errorf("rawiface: set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(ReadTimeout); err != nil {
		return nil, fmt.Errorf("rawiface: set timeout: %w", err)
	}
	_ = inactive.SetBufferSize(BufferSize)

	handle, err := inactive.Activate()
	if err != nil {
		return nil, mapOpenError(ifName, err)
	}

	filter := fmt.Sprintf("ether proto 0x%04x", cfg.EtherType)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("rawiface: set BPF filter %q: %w", filter, err)
	}
	cfg.Logger.Debug("bound %s, BPF filter %q", ifName, filter)

	mac, err := localHardwareAddr(ifName)
	if err != nil {
		cfg.Logger.Warn("could not resolve local MAC for %s: %v", ifName, err)
	}

	return &Endpoint{
		handle:    handle,
		ifName:    ifName,
		etherType: cfg.EtherType,
		localMAC:  mac,
		logger:    cfg.Logger,
	}, nil
}

func mapOpenError(ifName string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, ifName, err)
	case strings.Contains(msg, "no such device") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s: %v", ErrInterfaceUnavailable, ifName, err)
	default:
		return fmt.Errorf("rawiface: open %s: %w", ifName, err)
	}
}

// localHardwareAddr resolves the interface's own MAC via the standard
// library, since pcap's device descriptors don't carry hardware addresses
// on every platform.
func localHardwareAddr(ifName string) (net.HardwareAddr, error) {
	nif, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, err
	}
	return nif.HardwareAddr, nil
}

// ReadFrame reads the next raw Ethernet frame, or (nil, nil) on a read
// timeout with nothing available.
func (e *Endpoint) ReadFrame() ([]byte, error) {
	data, _, err := e.handle.ZeroCopyReadPacketData()
	if err != nil {
		if err == pcap.NextErrorTimeoutExpired {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteFrame injects a raw Ethernet frame onto the wire.
func (e *Endpoint) WriteFrame(raw []byte) error {
	if len(raw) < 14 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooSmall, len(raw))
	}
	return e.handle.WritePacketData(raw)
}

// Close releases the underlying pcap handle.
func (e *Endpoint) Close() error {
	if e.handle != nil {
		e.handle.Close()
		e.handle = nil
	}
	return nil
}

// Stats returns capture/drop counters from the kernel.
func (e *Endpoint) Stats() (*pcap.Stats, error) {
	if e.handle == nil {
		return nil, errors.New("rawiface: endpoint closed")
	}
	return e.handle.Stats()
}

// InterfaceName returns the bound interface's system name.
func (e *Endpoint) InterfaceName() string { return e.ifName }

// EtherType returns the bound EtherType.
func (e *Endpoint) EtherType() uint16 { return e.etherType }

// LocalMAC returns the bound interface's hardware address, or nil if it
// could not be resolved.
func (e *Endpoint) LocalMAC() net.HardwareAddr { return e.localMAC }
