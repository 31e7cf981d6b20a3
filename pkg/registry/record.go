package registry

import (
	"fmt"
	"strings"
	"time"
)

type Role uint8

const (
	RoleDrone Role = iota
	RoleQueen
	RoleOvermind
)

func (r Role) String() string {
	switch r {
	case RoleDrone:
		return "drone"
	case RoleQueen:
		return "queen"
	case RoleOvermind:
		return "overmind"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "drone", "":
		*r = RoleDrone
	case "queen":
		*r = RoleQueen
	case "overmind":
		*r = RoleOvermind
	default:
		return fmt.Errorf("registry: unknown role %q", b)
	}
	return nil
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusAwake
	StatusAsleep
)

func (s Status) String() string {
	switch s {
	case StatusAwake:
		return "awake"
	case StatusAsleep:
		return "asleep"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "awake":
		*s = StatusAwake
	case "asleep":
		*s = StatusAsleep
	case "unknown", "":
		*s = StatusUnknown
	default:
		return fmt.Errorf("registry: unknown status %q", b)
	}
	return nil
}

// PeerRecord is one node's identity and status as seen locally.
type PeerRecord struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Address     string    `json:"address" yaml:"address"`                     // TCP host:port
	Control     string    `json:"control,omitempty" yaml:"control,omitempty"` // UDP host:port
	Location    string    `json:"location,omitempty" yaml:"location,omitempty"`
	Role        Role      `json:"role" yaml:"role"`
	Status      Status    `json:"status" yaml:"status"`
	LastContact time.Time `json:"last_contact" yaml:"last_contact"`
}

// NewerThan reports whether r should replace stored under the merge rule.
func (r PeerRecord) NewerThan(stored PeerRecord) bool {
	return r.LastContact.After(stored.LastContact)
}
