// Package sysinfo derives a node's identity and reachable address from the
// host it runs on.
package sysinfo

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const idFile = "node-id"

// Interfaces is replaced in tests.
var Interfaces = net.Interfaces

// HardwareID returns the hardware address of the first up, non-loopback
// interface formatted AA:BB:CC:DD:EE:FF.
func HardwareID() (string, bool) {
	ifaces, err := Interfaces()
	if err != nil {
		return "", false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		return strings.ToUpper(iface.HardwareAddr.String()), true
	}
	return "", false
}

// NodeID picks the node identifier: override if given, else the hardware
// address, else a uuid kept in dataDir so it survives restarts.
func NodeID(override, dataDir string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		return id, nil
	}
	if id, ok := HardwareID(); ok {
		return id, nil
	}
	return persistedID(dataDir)
}

func persistedID(dataDir string) (string, error) {
	p := filepath.Join(dataDir, idFile)
	b, err := os.ReadFile(p)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("sysinfo: read %s: %w", p, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("sysinfo: %w", err)
	}
	if err := os.WriteFile(p, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("sysinfo: write %s: %w", p, err)
	}
	return id, nil
}

// AdvertisedIP returns the first IPv4 address of an up, non-loopback
// interface, falling back to 127.0.0.1.
func AdvertisedIP() string {
	ifaces, err := Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil && !v4.IsLoopback() {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}
