// Package config loads a node's cerebrate.toml.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coreos/go-semver/semver"
)

var ErrInvalid = errors.New("config: invalid")

const limitedBroadcast = "255.255.255.255"

// BroadcastFor is the limited broadcast address on udpPort.
func BroadcastFor(udpPort int) string {
	return net.JoinHostPort(limitedBroadcast, strconv.Itoa(udpPort))
}

// Duration is a time.Duration written as a string such as "14s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type Etcd struct {
	Endpoints []string `toml:"endpoints"`
	Prefix    string   `toml:"prefix"`
	TTL       int64    `toml:"ttl"` // lease seconds
}

type Config struct {
	ID       string `toml:"id"` // empty derives one from the hardware address
	Name     string `toml:"name"`
	Location string `toml:"location"`
	DataDir  string `toml:"data_dir"`

	BindHost      string `toml:"bind_host"`
	AdvertiseHost string `toml:"advertise_host"`
	TCPPort       int    `toml:"tcp_port"`
	UDPPort       int    `toml:"udp_port"`
	Broadcast     string `toml:"broadcast"`
	AdminAddr     string `toml:"admin_addr"`

	Version         string   `toml:"version"`
	SessionTimeout  Duration `toml:"session_timeout"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	MaxMessageBytes uint32   `toml:"max_message_bytes"`

	LogLevel    string `toml:"log_level"`
	Development bool   `toml:"development"`

	NTPServer string `toml:"ntp_server"`
	SourceDir string `toml:"source_dir"`
	HiveDir   string `toml:"hive_dir"`
	Workers   int    `toml:"workers"`

	Etcd Etcd `toml:"etcd"`
}

func Default() Config {
	return Config{
		DataDir:         "data",
		BindHost:        "0.0.0.0",
		TCPPort:         8888,
		UDPPort:         9999,
		Broadcast:       BroadcastFor(9999),
		AdminAddr:       ":8080",
		Version:         "0.45.0",
		SessionTimeout:  Duration{14 * time.Second},
		ConnectTimeout:  Duration{3 * time.Second},
		MaxMessageBytes: 8 << 20,
		LogLevel:        "info",
		Workers:         4,
		Etcd: Etcd{
			Prefix: "/cerebrate/nodes",
			TTL:    10,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	// an unset broadcast follows udp_port; an explicit one, even "", is kept
	if !md.IsDefined("broadcast") {
		cfg.Broadcast = BroadcastFor(cfg.UDPPort)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Etcd.Prefix = strings.TrimRight(c.Etcd.Prefix, "/")
	endpoints := c.Etcd.Endpoints[:0]
	for _, e := range c.Etcd.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	c.Etcd.Endpoints = endpoints
}

func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	for name, p := range map[string]int{"tcp_port": c.TCPPort, "udp_port": c.UDPPort} {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
		}
	}
	if c.Broadcast != "" {
		if _, _, err := net.SplitHostPort(c.Broadcast); err != nil {
			errs = append(errs, fmt.Errorf("broadcast: %w", err))
		}
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		errs = append(errs, fmt.Errorf("version: %w", err))
	}
	if c.SessionTimeout.Duration <= 0 {
		errs = append(errs, errors.New("session_timeout must be positive"))
	}
	if c.ConnectTimeout.Duration <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.MaxMessageBytes == 0 {
		errs = append(errs, errors.New("max_message_bytes must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.TTL <= 0 {
		errs = append(errs, errors.New("etcd ttl must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Path resolves name inside the data directory.
func (c Config) Path(name string) string {
	return filepath.Join(c.DataDir, name)
}
