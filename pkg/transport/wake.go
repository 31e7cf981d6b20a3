package transport

import (
	"context"
	"fmt"
	"net"
)

const wakePort = "9"

// MagicPacket builds a wake-on-LAN payload for mac: six 0xFF bytes followed
// by the hardware address repeated sixteen times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("transport: wake: %w", err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("transport: wake: %s is not a 48-bit address", mac)
	}
	pkt := make([]byte, 0, 6+16*6)
	for range 6 {
		pkt = append(pkt, 0xFF)
	}
	for range 16 {
		pkt = append(pkt, hw...)
	}
	return pkt, nil
}

// Wake broadcasts a magic packet for mac. host is the broadcast address to
// use; empty means the limited broadcast address.
func Wake(ctx context.Context, mac, host string) error {
	pkt, err := MagicPacket(mac)
	if err != nil {
		return err
	}
	if host == "" {
		host = "255.255.255.255"
	}
	return sendPacket(ctx, net.JoinHostPort(host, wakePort), pkt, true)
}
