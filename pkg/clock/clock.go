// Package clock supplies the wall clock every replicated timestamp is taken
// from. Records and resources are merged by comparing timestamps produced on
// different machines, so a node may correct its local clock with an NTP offset.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to Clock. Tests use it to pin time.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// System is the uncorrected local clock, always in UTC.
var System Clock = Func(func() time.Time { return time.Now().UTC() })

// QueryFunc asks an NTP server for the local clock offset.
type QueryFunc func(server string) (time.Duration, error)

func defaultQuery(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Offset is a local clock shifted by the last successfully measured NTP offset.
type Offset struct {
	mu     sync.RWMutex
	offset time.Duration
	server string
	base   Clock

	Query QueryFunc
}

func NewOffset(server string) *Offset {
	return &Offset{server: server, base: System, Query: defaultQuery}
}

func (o *Offset) Now() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.base.Now().Add(o.offset)
}

// Current reports the offset applied by Now.
func (o *Offset) Current() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.offset
}

// Sync measures the offset once. On error the previous offset is kept.
func (o *Offset) Sync() error {
	d, err := o.Query(o.server)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.offset = d
	o.mu.Unlock()
	return nil
}

// Run re-measures the offset every interval until ctx is done.
func (o *Offset) Run(ctx context.Context, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Sync(); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
